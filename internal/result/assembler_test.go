package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjain20/snowquery/internal/transport"
	"github.com/vjain20/snowquery/internal/wire"
)

func str(s string) *string { return &s }

func jsonRows(rows ...[]string) [][]*string {
	out := make([][]*string, len(rows))
	for i, r := range rows {
		out[i] = make([]*string, len(r))
		for j := range r {
			out[i][j] = str(r[j])
		}
	}
	return out
}

func chunkBody(rows [][]*string) string {
	b, _ := json.Marshal(rows)
	return string(b[1 : len(b)-1])
}

var idNameCols = []Column{
	{Name: "ID", Type: TypeFixed},
	{Name: "NAME", Type: TypeText},
}

type chunkServer struct {
	srv      *httptest.Server
	mu       sync.Mutex
	bodies   map[string]string
	deny     map[string]int
	headers  []http.Header
	gate     map[string]chan struct{}
	served   func(path string)
	requests atomic.Int32
}

func newChunkServer(t *testing.T) *chunkServer {
	cs := &chunkServer{bodies: map[string]string{}, deny: map[string]int{}, gate: map[string]chan struct{}{}}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.requests.Add(1)
		cs.mu.Lock()
		cs.headers = append(cs.headers, r.Header.Clone())
		body, ok := cs.bodies[r.URL.Path]
		gate := cs.gate[r.URL.Path]
		denied := cs.deny[r.URL.Path] > 0
		if denied {
			cs.deny[r.URL.Path]--
		}
		cs.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-time.After(5 * time.Second):
			}
		}
		switch {
		case !ok:
			http.NotFound(w, r)
		case denied:
			w.WriteHeader(http.StatusForbidden)
		default:
			_, _ = w.Write([]byte(body))
		}
		if cs.served != nil {
			cs.served(r.URL.Path)
		}
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *chunkServer) add(path, body string) RemoteChunk {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.bodies[path] = body
	return RemoteChunk{URL: cs.srv.URL + path}
}

func newTestAssembler(t *testing.T, cs *chunkServer, workers int) *Assembler {
	t.Helper()
	tr, err := transport.New(transport.Config{
		BaseURL:        cs.srv.URL,
		HTTPClient:     cs.srv.Client(),
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return NewAssembler(Config{Workers: workers}, tr)
}

func collect(t *testing.T, rs *ResultSet) [][]any {
	t.Helper()
	var out [][]any
	rows := rs.Rows()
	for rows.Next() {
		out = append(out, append([]any(nil), rows.Values()...))
	}
	require.NoError(t, rows.Err())
	return out
}

func TestMaterializeInlineOnly(t *testing.T) {
	a := NewAssembler(Config{}, nil)
	rs, err := a.Materialize(context.Background(), &Descriptor{
		QueryID:    "q1",
		Columns:    idNameCols,
		Total:      2,
		InlineJSON: [][]*string{{str("1"), str("a")}, {str("2"), nil}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, rs.State())
	assert.Equal(t, "q1", rs.QueryID())
	assert.Equal(t, int64(2), rs.Total())
	assert.Equal(t, [][]any{{int64(1), "a"}, {int64(2), nil}}, collect(t, rs))
}

func TestMaterializeOrdersByOrdinalNotCompletion(t *testing.T) {
	cs := newChunkServer(t)
	first := jsonRows([]string{"1", "a"}, []string{"2", "b"}, []string{"3", "c"})
	second := jsonRows([]string{"4", "d"}, []string{"5", "e"})

	c1 := cs.add("/c/1", chunkBody(first))
	c1.RowCount = 3
	c2 := cs.add("/c/2", chunkBody(second))
	c2.RowCount = 2

	// The first chunk is held until the second has been served.
	release := make(chan struct{})
	cs.gate["/c/1"] = release
	var once sync.Once
	cs.served = func(path string) {
		if path == "/c/2" {
			once.Do(func() { close(release) })
		}
	}

	rs, err := newTestAssembler(t, cs, 2).Materialize(context.Background(), &Descriptor{
		Columns: idNameCols,
		Total:   5,
		Chunks:  []RemoteChunk{c1, c2},
	})
	require.NoError(t, err)

	got := collect(t, rs)
	require.Len(t, got, 5)
	for i, row := range got {
		assert.Equal(t, int64(i+1), row[0])
	}
}

func TestMaterializeManyChunksBoundedWorkers(t *testing.T) {
	cs := newChunkServer(t)
	var chunks []RemoteChunk
	var want [][]any
	n := 0
	for c := 0; c < 10; c++ {
		var rows [][]*string
		for r := 0; r < c+1; r++ {
			n++
			rows = append(rows, []*string{str(fmt.Sprint(n)), str(fmt.Sprintf("row-%d", n))})
			want = append(want, []any{int64(n), fmt.Sprintf("row-%d", n)})
		}
		ch := cs.add(fmt.Sprintf("/c/%d", c), chunkBody(rows))
		ch.RowCount = int64(len(rows))
		chunks = append(chunks, ch)
	}

	rs, err := newTestAssembler(t, cs, 3).Materialize(context.Background(), &Descriptor{
		Columns:    idNameCols,
		Total:      int64(n + 1),
		InlineJSON: jsonRows([]string{"0", "inline"}),
		Chunks:     chunks,
	})
	require.NoError(t, err)
	assert.Equal(t, append([][]any{{int64(0), "inline"}}, want...), collect(t, rs))
}

func TestMaterializeSendsChunkHeaders(t *testing.T) {
	cs := newChunkServer(t)
	c := cs.add("/c/1", chunkBody(jsonRows([]string{"1", "x"})))
	c.RowCount = 1

	_, err := newTestAssembler(t, cs, 1).Materialize(context.Background(), &Descriptor{
		Columns: idNameCols,
		Total:   1,
		Chunks:  []RemoteChunk{c},
		Headers: map[string]string{sseCKeyHeader: "secret-key", sseCAlgorithmHeader: "AES256"},
	})
	require.NoError(t, err)
	require.Len(t, cs.headers, 1)
	assert.Equal(t, "secret-key", cs.headers[0].Get(sseCKeyHeader))
	assert.Equal(t, "AES256", cs.headers[0].Get(sseCAlgorithmHeader))
	assert.Empty(t, cs.headers[0].Get("Authorization"))
}

func TestMaterializeDecodeFailureFailsWholeCall(t *testing.T) {
	cs := newChunkServer(t)
	c1 := cs.add("/c/1", chunkBody(jsonRows([]string{"1", "a"})))
	c1.RowCount = 1
	c2 := cs.add("/c/2", `["2", {broken`)
	c2.RowCount = 1
	c3 := cs.add("/c/3", chunkBody(jsonRows([]string{"3", "c"})))
	c3.RowCount = 1

	rs, err := newTestAssembler(t, cs, 2).Materialize(context.Background(), &Descriptor{
		Columns: idNameCols,
		Total:   3,
		Chunks:  []RemoteChunk{c1, c2, c3},
	})
	assert.Nil(t, rs)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindDecode, rerr.Kind)
	assert.Equal(t, 2, rerr.Chunk)
	assert.ErrorIs(t, err, ErrDecode)
	assert.NotErrorIs(t, err, ErrFetch)
}

func TestMaterializeBadCellIsDecodeError(t *testing.T) {
	_, err := NewAssembler(Config{}, nil).Materialize(context.Background(), &Descriptor{
		Columns:    idNameCols,
		Total:      1,
		InlineJSON: jsonRows([]string{"not-a-number", "a"}),
	})
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindDecode, rerr.Kind)
	assert.Equal(t, 0, rerr.Chunk)
}

func TestMaterializeRowCountMismatch(t *testing.T) {
	cs := newChunkServer(t)
	c := cs.add("/c/1", chunkBody(jsonRows([]string{"1", "a"}, []string{"2", "b"})))
	c.RowCount = 2

	_, err := newTestAssembler(t, cs, 1).Materialize(context.Background(), &Descriptor{
		Columns: idNameCols,
		Total:   3,
		Chunks:  []RemoteChunk{c},
	})
	require.ErrorIs(t, err, ErrRowCountMismatch)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, int64(3), rerr.Expected)
	assert.Equal(t, int64(2), rerr.Actual)

	c.RowCount = 5
	_, err = newTestAssembler(t, cs, 1).Materialize(context.Background(), &Descriptor{
		Columns: idNameCols,
		Total:   5,
		Chunks:  []RemoteChunk{c},
	})
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindRowCountMismatch, rerr.Kind)
	assert.Equal(t, 1, rerr.Chunk)
}

func TestMaterializeRefreshesChunkCredentials(t *testing.T) {
	cs := newChunkServer(t)
	c1 := cs.add("/c/1", chunkBody(jsonRows([]string{"1", "a"})))
	c1.RowCount = 1
	c2 := cs.add("/c/2", chunkBody(jsonRows([]string{"2", "b"})))
	c2.RowCount = 1
	cs.deny["/c/1"] = 1
	cs.deny["/c/2"] = 1

	var refreshes atomic.Int32
	d := &Descriptor{
		Columns: idNameCols,
		Total:   2,
		Chunks:  []RemoteChunk{c1, c2},
		Headers: map[string]string{sseCKeyHeader: "old"},
	}
	d.Refresh = func(ctx context.Context) (*Descriptor, error) {
		refreshes.Add(1)
		return &Descriptor{Chunks: []RemoteChunk{c1, c2}, Headers: map[string]string{sseCKeyHeader: "new"}}, nil
	}

	// Sequential downloads: each denied chunk gets its own retry.
	rs, err := newTestAssembler(t, cs, 1).Materialize(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), "a"}, {int64(2), "b"}}, collect(t, rs))
	assert.Equal(t, int32(2), refreshes.Load())

	last := cs.headers[len(cs.headers)-1]
	assert.Equal(t, "new", last.Get(sseCKeyHeader))
}

func TestMaterializeCoalescesConcurrentRefreshes(t *testing.T) {
	cs := newChunkServer(t)
	c1 := cs.add("/c/1", chunkBody(jsonRows([]string{"1", "a"})))
	c1.RowCount = 1
	c2 := cs.add("/c/2", chunkBody(jsonRows([]string{"2", "b"})))
	c2.RowCount = 1
	cs.deny["/c/1"] = 1
	cs.deny["/c/2"] = 1

	var refreshes atomic.Int32
	d := &Descriptor{Columns: idNameCols, Total: 2, Chunks: []RemoteChunk{c1, c2}}
	d.Refresh = func(ctx context.Context) (*Descriptor, error) {
		refreshes.Add(1)
		// Hold the refresh until both denied downloads have been answered.
		deadline := time.Now().Add(5 * time.Second)
		for cs.requests.Load() < 2 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		return &Descriptor{Chunks: []RemoteChunk{c1, c2}}, nil
	}

	rs, err := newTestAssembler(t, cs, 2).Materialize(context.Background(), d)
	require.NoError(t, err)
	assert.Len(t, collect(t, rs), 2)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestMaterializeSecondAuthFailureIsFatal(t *testing.T) {
	cs := newChunkServer(t)
	c := cs.add("/c/1", chunkBody(jsonRows([]string{"1", "a"})))
	c.RowCount = 1
	cs.deny["/c/1"] = 2

	d := &Descriptor{Columns: idNameCols, Total: 1, Chunks: []RemoteChunk{c}}
	d.Refresh = func(ctx context.Context) (*Descriptor, error) {
		return &Descriptor{Chunks: []RemoteChunk{c}}, nil
	}

	_, err := newTestAssembler(t, cs, 1).Materialize(context.Background(), d)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindFetch, rerr.Kind)
	assert.Equal(t, 1, rerr.Chunk)
	assert.Equal(t, int32(2), cs.requests.Load())
}

func TestMaterializeRefreshFailure(t *testing.T) {
	cs := newChunkServer(t)
	c := cs.add("/c/1", chunkBody(jsonRows([]string{"1", "a"})))
	c.RowCount = 1
	cs.deny["/c/1"] = 1

	boom := errors.New("result url gone")
	d := &Descriptor{Columns: idNameCols, Total: 1, Chunks: []RemoteChunk{c}}
	d.Refresh = func(ctx context.Context) (*Descriptor, error) { return nil, boom }

	_, err := newTestAssembler(t, cs, 1).Materialize(context.Background(), d)
	require.ErrorIs(t, err, ErrFetch)
	require.ErrorIs(t, err, boom)
}

func TestMaterializeFetchFailure(t *testing.T) {
	cs := newChunkServer(t)
	missing := RemoteChunk{URL: cs.srv.URL + "/missing", RowCount: 1}

	_, err := newTestAssembler(t, cs, 1).Materialize(context.Background(), &Descriptor{
		Columns: idNameCols,
		Total:   1,
		Chunks:  []RemoteChunk{missing},
	})
	require.ErrorIs(t, err, ErrFetch)
	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestMaterializeCancelled(t *testing.T) {
	cs := newChunkServer(t)
	c := cs.add("/c/1", chunkBody(jsonRows([]string{"1", "a"})))
	c.RowCount = 1
	gate := make(chan struct{})
	cs.gate["/c/1"] = gate
	t.Cleanup(func() { close(gate) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := newTestAssembler(t, cs, 1).Materialize(ctx, &Descriptor{
		Columns: idNameCols,
		Total:   1,
		Chunks:  []RemoteChunk{c},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRowsArePassOnce(t *testing.T) {
	rs, err := NewAssembler(Config{}, nil).Materialize(context.Background(), &Descriptor{
		Columns:    idNameCols,
		Total:      1,
		InlineJSON: jsonRows([]string{"7", "x"}),
	})
	require.NoError(t, err)

	assert.Len(t, collect(t, rs), 1)

	again := rs.Rows()
	assert.False(t, again.Next())
	assert.ErrorIs(t, again.Err(), ErrConsumed)
}

func TestDescriptorFromResponseHeaders(t *testing.T) {
	d, err := DescriptorFromResponse(&wire.QueryResponseData{Qrmk: "k1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{sseCAlgorithmHeader: "AES256", sseCKeyHeader: "k1"}, d.Headers)

	d, err = DescriptorFromResponse(&wire.QueryResponseData{Qrmk: "k1", ChunkHeaders: map[string]string{"x-custom": "v"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x-custom": "v"}, d.Headers)

	_, err = DescriptorFromResponse(&wire.QueryResponseData{QueryResultFormat: "arrow", RowSetBase64: "!!!"})
	require.ErrorIs(t, err, ErrDecode)
}

func TestChunkBodyHelperMatchesWireShape(t *testing.T) {
	body := chunkBody(jsonRows([]string{"1", "a"}, []string{"2", "b"}))
	assert.True(t, strings.HasPrefix(body, `["1"`))
	rows, err := decodeChunk(FormatJSON, idNameCols, []byte(body))
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = decodeChunk(FormatJSON, idNameCols, []byte("  "))
	require.NoError(t, err)
	assert.Empty(t, rows)
}
