package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type indexAck struct {
	DocID string `json:"docId"`
}

func TestJSONEnvelope_RoundTrips(t *testing.T) {
	env, err := EncodeJSON("pipelinecore.IndexAck", indexAck{DocID: "d1"})
	require.NoError(t, err)
	require.Equal(t, JSONFormat, env.Format)

	var out indexAck
	tag, err := DecodeJSON(env, &out)
	require.NoError(t, err)
	require.Equal(t, "pipelinecore.IndexAck", tag)
	require.Equal(t, "d1", out.DocID)
}

func TestBinaryEnvelope_RoundTrips(t *testing.T) {
	table := NewParserTable()
	const tag uint32 = 7
	table.Register(tag, "pipelinecore.IndexAck", func(data []byte) (any, error) {
		return indexAck{DocID: string(data)}, nil
	})

	env := table.Encode(tag, []byte("d1"))
	require.Equal(t, BinaryFormat, env.Format)
	require.Equal(t, "pipelinecore.IndexAck", env.TypeTag)

	v, err := table.Decode(env)
	require.NoError(t, err)
	require.Equal(t, indexAck{DocID: "d1"}, v)
}

func TestBinaryEnvelope_UnregisteredTagErrors(t *testing.T) {
	table := NewParserTable()
	env := table.Encode(1, []byte("x"))
	_, err := table.Decode(env)
	require.Error(t, err)
}

func TestParserTable_DuplicateRegistrationPanics(t *testing.T) {
	table := NewParserTable()
	table.Register(1, "a", func(data []byte) (any, error) { return nil, nil })
	require.Panics(t, func() {
		table.Register(1, "b", func(data []byte) (any, error) { return nil, nil })
	})
}
