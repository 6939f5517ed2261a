package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validManifest = `
appName: crawl-index
basePackage: com.example.crawl
transport: grpc
platform: compute
steps:
  - name: crawl
    cardinality: one_to_one
    operator: "com.example.CrawlService::fetch"
  - name: tokenize
    cardinality: expansion
  - name: index
    cardinality: reduction
aspects:
  persistence:
    enabled: true
    scope: global
    position: after_step
    order: 1
`

func TestParseManifest_ParsesFieldsAndCardinalityAliases(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest))
	require.NoError(t, err)
	require.Equal(t, "crawl-index", m.AppName)
	require.Equal(t, "grpc", m.Transport)
	require.Len(t, m.Steps, 3)

	c, ok := ParseCardinality(m.Steps[1].Cardinality)
	require.True(t, ok)
	require.Equal(t, OneToMany, c, "expansion aliases one_to_many")

	c, ok = ParseCardinality(m.Steps[2].Cardinality)
	require.True(t, ok)
	require.Equal(t, ManyToOne, c, "reduction aliases many_to_one")

	require.True(t, m.Aspects["persistence"].Enabled)
}

func TestParseManifest_RejectsUnknownCardinality(t *testing.T) {
	_, err := ParseManifest([]byte(`
appName: x
steps:
  - name: a
    cardinality: sideways
`))
	require.Error(t, err)
}

func TestParseManifest_RejectsDuplicateStepNames(t *testing.T) {
	_, err := ParseManifest([]byte(`
appName: x
steps:
  - name: a
    cardinality: one_to_one
  - name: a
    cardinality: one_to_one
`))
	require.Error(t, err)
}

func TestParseManifest_RejectsUnknownTransport(t *testing.T) {
	_, err := ParseManifest([]byte(`
appName: x
transport: carrier-pigeon
steps: []
`))
	require.Error(t, err)
}

func TestParseManifest_RequiresAppName(t *testing.T) {
	_, err := ParseManifest([]byte(`steps: []`))
	require.Error(t, err)
}
