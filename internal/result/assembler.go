// Package result turns query result descriptors into materialized, typed
// result sets. Remote chunks are fetched concurrently and reassembled in
// statement order.
package result

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vjain20/snowquery/internal/observability"
	"github.com/vjain20/snowquery/internal/transport"
)

const DefaultWorkers = 4

// Fetcher downloads chunk bodies.
type Fetcher interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Config configures an Assembler.
type Config struct {
	// Workers bounds concurrent chunk downloads.
	Workers int
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Assembler materializes results. It is safe for concurrent use; each
// Materialize call owns its own chunk slots and refresh state.
type Assembler struct {
	fetcher Fetcher
	workers int
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewAssembler returns an Assembler that downloads chunks through fetcher
// with at most cfg.Workers in flight.
func NewAssembler(cfg Config, fetcher Fetcher) *Assembler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Assembler{
		fetcher: fetcher,
		workers: workers,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Materialize decodes the inline chunk, downloads and decodes every remote
// chunk, and concatenates them by ordinal. It returns either a complete
// ResultSet whose row count equals d.Total or an error; never a partial
// result.
func (a *Assembler) Materialize(ctx context.Context, d *Descriptor) (*ResultSet, error) {
	rs := newResultSet(d.QueryID, d.Columns, d.Total)

	slots := make([][][]any, len(d.Chunks)+1)
	inline, err := a.decodeInline(d)
	if err != nil {
		return nil, err
	}
	slots[0] = inline

	if len(d.Chunks) > 0 {
		rs.setState(StatePartial)
		acc := newAccess(d)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.workers)
		for i := range d.Chunks {
			g.Go(func() error {
				rows, err := a.fetchChunk(gctx, acc, d, i)
				if err != nil {
					return err
				}
				slots[i+1] = rows
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
	}

	var n int64
	for _, s := range slots {
		n += int64(len(s))
	}
	if n != d.Total {
		return nil, &Error{Kind: KindRowCountMismatch, Chunk: -1, Expected: d.Total, Actual: n}
	}
	rows := make([][]any, 0, n)
	for _, s := range slots {
		rows = append(rows, s...)
	}
	rs.rows = rows
	rs.setState(StateComplete)
	return rs, nil
}

func (a *Assembler) decodeInline(d *Descriptor) ([][]any, error) {
	var (
		rows [][]any
		err  error
	)
	if d.Format == FormatArrow {
		rows, err = decodeArrow(d.Columns, d.InlineArrow)
	} else {
		rows, err = decodeJSONRows(d.Columns, d.InlineJSON)
	}
	if err != nil {
		return nil, &Error{Kind: KindDecode, Chunk: 0, Err: err}
	}
	return rows, nil
}

func (a *Assembler) fetchChunk(ctx context.Context, acc *access, d *Descriptor, i int) ([][]any, error) {
	ordinal := i + 1
	start := time.Now()

	body, err := a.download(ctx, acc, i)
	if err != nil {
		a.metrics.ObserveChunkFetch("failed", time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindFetch, Chunk: ordinal, Err: err}
	}

	rows, err := decodeChunk(d.Format, d.Columns, body)
	if err != nil {
		a.metrics.ObserveChunkFetch("decode_failed", time.Since(start))
		return nil, &Error{Kind: KindDecode, Chunk: ordinal, Err: err}
	}
	if want := d.Chunks[i].RowCount; int64(len(rows)) != want {
		a.metrics.ObserveChunkFetch("row_count_mismatch", time.Since(start))
		return nil, &Error{Kind: KindRowCountMismatch, Chunk: ordinal, Expected: want, Actual: int64(len(rows))}
	}
	a.metrics.ObserveChunkFetch("ok", time.Since(start))
	a.log.Debug().Str("query_id", d.QueryID).Int("chunk", ordinal).Int("rows", len(rows)).
		Dur("elapsed", time.Since(start)).Msg("chunk fetched")
	return rows, nil
}

// download fetches chunk i, refreshing chunk credentials once on an
// authorization failure.
func (a *Assembler) download(ctx context.Context, acc *access, i int) ([]byte, error) {
	refreshed := false
	for {
		chunk, headers, gen := acc.get(i)
		req := transport.Request{Method: http.MethodGet, URL: chunk.URL, Header: http.Header{}}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := a.fetcher.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			if refreshed {
				return nil, fmt.Errorf("chunk access denied after credential refresh: %w", resp.Err())
			}
			a.log.Debug().Int("chunk", i+1).Int("status", resp.StatusCode).Msg("refreshing chunk credentials")
			if err := acc.refresh(ctx, gen); err != nil {
				return nil, fmt.Errorf("refresh chunk credentials: %w", err)
			}
			refreshed = true
			continue
		}
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
}

// access is the shared, refreshable view of chunk URLs and headers for one
// Materialize call. Concurrent refresh requests for the same generation
// collapse into one.
type access struct {
	refreshFn RefreshFunc

	mu      sync.Mutex
	gen     int
	chunks  []RemoteChunk
	headers map[string]string

	group singleflight.Group
}

func newAccess(d *Descriptor) *access {
	return &access{refreshFn: d.Refresh, chunks: d.Chunks, headers: d.Headers}
}

func (a *access) get(i int) (RemoteChunk, map[string]string, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunks[i], a.headers, a.gen
}

func (a *access) refresh(ctx context.Context, seen int) error {
	if a.refreshFn == nil {
		return errors.New("no refresh available")
	}
	_, err, _ := a.group.Do(strconv.Itoa(seen), func() (any, error) {
		a.mu.Lock()
		current, want := a.gen, len(a.chunks)
		a.mu.Unlock()
		if current > seen {
			return nil, nil
		}

		d, err := a.refreshFn(ctx)
		if err != nil {
			return nil, err
		}
		if len(d.Chunks) != want {
			return nil, fmt.Errorf("refreshed result has %d chunks, expected %d", len(d.Chunks), want)
		}

		a.mu.Lock()
		a.chunks = d.Chunks
		a.headers = d.Headers
		a.gen++
		a.mu.Unlock()
		return nil, nil
	})
	return err
}
