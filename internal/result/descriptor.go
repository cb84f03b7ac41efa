package result

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/vjain20/snowquery/internal/wire"
)

const (
	sseCAlgorithmHeader = "x-amz-server-side-encryption-customer-algorithm"
	sseCKeyHeader       = "x-amz-server-side-encryption-customer-key"
)

// RemoteChunk locates one downloadable chunk.
type RemoteChunk struct {
	URL      string
	RowCount int64
}

// RefreshFunc fetches the result descriptor again to obtain fresh chunk
// URLs and access headers.
type RefreshFunc func(ctx context.Context) (*Descriptor, error)

// Descriptor is everything needed to materialize a result: the inline first
// chunk (ordinal 0) and the remote chunks that follow it (ordinals 1..n).
type Descriptor struct {
	QueryID string
	Columns []Column
	Total   int64
	Format  Format

	InlineJSON  [][]*string
	InlineArrow []byte

	Chunks []RemoteChunk
	// Headers are sent with every chunk download in place of any session
	// credential.
	Headers map[string]string
	Refresh RefreshFunc
}

// DescriptorFromResponse builds a Descriptor from a successful query
// response.
func DescriptorFromResponse(data *wire.QueryResponseData) (*Descriptor, error) {
	d := &Descriptor{
		QueryID: data.QueryID,
		Columns: ColumnsFromRowType(data.RowType),
		Total:   data.Total,
		Format:  FormatJSON,
	}
	if strings.EqualFold(data.QueryResultFormat, "arrow") {
		d.Format = FormatArrow
		if data.RowSetBase64 != "" {
			raw, err := base64.StdEncoding.DecodeString(data.RowSetBase64)
			if err != nil {
				return nil, &Error{Kind: KindDecode, Chunk: 0, Err: fmt.Errorf("rowsetBase64: %w", err)}
			}
			d.InlineArrow = raw
		}
	} else {
		d.InlineJSON = data.RowSet
	}

	for _, c := range data.Chunks {
		d.Chunks = append(d.Chunks, RemoteChunk{URL: c.URL, RowCount: c.RowCount})
	}
	switch {
	case len(data.ChunkHeaders) > 0:
		d.Headers = make(map[string]string, len(data.ChunkHeaders))
		for k, v := range data.ChunkHeaders {
			d.Headers[k] = v
		}
	case data.Qrmk != "":
		d.Headers = map[string]string{
			sseCAlgorithmHeader: "AES256",
			sseCKeyHeader:       data.Qrmk,
		}
	}
	return d, nil
}
