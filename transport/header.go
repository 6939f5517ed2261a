package transport

import (
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/joeycumines/go-pipelinecore/runctx"
)

// OutgoingMetadata materializes ictx's three context headers into
// grpc/metadata.MD, case-folded to lowercase on write. metadata.MD is
// already case-insensitive on read, but normalizing here means every
// bridge (gRPC or otherwise) agrees on one canonical form.
func OutgoingMetadata(ictx *runctx.InvocationContext) metadata.MD {
	md := metadata.MD{}
	for k, v := range ictx.Headers() {
		md.Set(strings.ToLower(k), v)
	}
	return md
}

// IngestMetadata applies headers received from a gRPC response/trailer
// back onto ictx, case-insensitively.
func IngestMetadata(ictx *runctx.InvocationContext, md metadata.MD) {
	headers := make(map[string]string, len(md))
	for k, vs := range md {
		if len(vs) == 0 {
			continue
		}
		headers[strings.ToLower(k)] = vs[0]
	}
	ictx.ApplyHeaders(headers)
}
