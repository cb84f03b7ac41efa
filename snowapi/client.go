package snowapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vjain20/snowquery/internal/auth"
	"github.com/vjain20/snowquery/internal/observability"
	"github.com/vjain20/snowquery/internal/result"
	"github.com/vjain20/snowquery/internal/session"
	"github.com/vjain20/snowquery/internal/stage"
	"github.com/vjain20/snowquery/internal/statement"
	"github.com/vjain20/snowquery/internal/transport"
)

const userAgent = "snowquery/1.0"

// Config holds config needed to initialize the client.
type Config struct {
	Account   string
	User      string
	Role      string
	Database  string
	Schema    string
	Warehouse string

	PrivateKey  []byte // PEM (PKCS1 or PKCS8)
	PublicKey   []byte // PEM; derived from PrivateKey when empty
	ExpireAfter time.Duration
	HTTPTimeout time.Duration

	// BaseURL overrides https://<account>.snowflakecomputing.com.
	BaseURL    string
	HTTPClient *http.Client
	// MaxRetries of zero uses the transport default; negative disables
	// retries.
	MaxRetries int

	// SessionMargin is how long before expiry a session is renewed.
	SessionMargin time.Duration
	Policy        Policy
	// Workers bounds concurrent chunk downloads per statement.
	Workers int

	StageParallel  int
	StageThreshold int64
	// StageClient overrides how stage uploads reach object storage.
	StageClient StageClientFactory

	Logger zerolog.Logger
	// Registerer receives the client's metrics when set.
	Registerer prometheus.Registerer
}

// Client is the main entry point. It is safe for concurrent use.
type Client struct {
	config   Config
	sessions *session.Manager
	executor *statement.Executor
	uploader *stage.Uploader
	log      zerolog.Logger
}

// NewClient wires the credential provider, transport, session manager,
// executor and assembler. No network call is made until the first statement.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Account == "" || cfg.User == "" {
		return nil, fmt.Errorf("account and user are required")
	}
	if len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("private key is required")
	}

	creds, err := auth.NewKeyPairProvider(auth.TokenConfig{
		Account:     cfg.Account,
		User:        cfg.User,
		PrivateKey:  cfg.PrivateKey,
		PublicKey:   cfg.PublicKey,
		ExpireAfter: cfg.ExpireAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("key pair: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Registerer != nil {
		metrics, err = observability.NewMetrics(cfg.Registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	log := cfg.Logger.With().Str("account", cfg.Account).Logger()
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.snowflakecomputing.com", strings.ToLower(cfg.Account))
	}
	tr, err := transport.New(transport.Config{
		BaseURL:    baseURL,
		HTTPClient: cfg.HTTPClient,
		Timeout:    cfg.HTTPTimeout,
		MaxRetries: cfg.MaxRetries,
		UserAgent:  userAgent,
		Logger:     observability.Component(log, "transport"),
	})
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(session.Config{
		Account:      cfg.Account,
		User:         cfg.User,
		Warehouse:    cfg.Warehouse,
		Database:     cfg.Database,
		Schema:       cfg.Schema,
		Role:         cfg.Role,
		SafetyMargin: cfg.SessionMargin,
		Logger:       observability.Component(log, "session"),
		Metrics:      metrics,
	}, tr, creds)

	assembler := result.NewAssembler(result.Config{
		Workers: cfg.Workers,
		Logger:  observability.Component(log, "result"),
		Metrics: metrics,
	}, tr)

	executor := statement.NewExecutor(statement.Config{
		Policy:  cfg.Policy,
		Logger:  observability.Component(log, "statement"),
		Metrics: metrics,
	}, sessions, tr, assembler)

	uploader := stage.NewUploader(stage.Config{
		Parallel:  cfg.StageParallel,
		Threshold: cfg.StageThreshold,
		NewClient: cfg.StageClient,
		Logger:    log,
		Metrics:   metrics,
	})

	return &Client{
		config:   cfg,
		sessions: sessions,
		executor: executor,
		uploader: uploader,
		log:      log,
	}, nil
}

// Execute runs a SQL statement with positional parameters and returns its
// materialized result. Parameters may be Param values or plain Go values.
// PUT statements upload their files and return one row per file.
func (c *Client) Execute(ctx context.Context, sql string, params ...any) (*ResultSet, error) {
	if stage.IsPut(sql) {
		return c.putResultSet(ctx, sql)
	}
	return c.executor.Execute(ctx, Request{SQL: sql, Params: toParams(params)})
}

// ExecuteRequest runs req, honouring its timeout and async options.
func (c *Client) ExecuteRequest(ctx context.Context, req Request) (*ResultSet, error) {
	return c.executor.Execute(ctx, req)
}

// Query runs a statement and returns all of its rows.
func (c *Client) Query(ctx context.Context, sql string, params ...any) ([][]any, error) {
	rs, err := c.Execute(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	var out [][]any
	rows := rs.Rows()
	for rows.Next() {
		out = append(out, rows.Values())
	}
	return out, rows.Err()
}

// ExecuteRaw runs a statement to completion and returns the final response
// as decoded from the wire, without downloading result chunks.
func (c *Client) ExecuteRaw(ctx context.Context, sql string, params ...any) (*RawResponse, error) {
	return c.executor.ExecuteRaw(ctx, Request{SQL: sql, Params: toParams(params)})
}

// Cancel asks the service to abort a running statement.
func (c *Client) Cancel(ctx context.Context, queryID string) error {
	if queryID == "" {
		return fmt.Errorf("query id is required")
	}
	if _, err := c.executor.Execute(ctx, Request{
		SQL:    "SELECT SYSTEM$CANCEL_QUERY(?)",
		Params: []Param{Bind(BindText, queryID)},
	}); err != nil {
		return fmt.Errorf("cancel %s: %w", queryID, err)
	}
	c.log.Debug().Str("query_id", queryID).Msg("cancel requested")
	return nil
}

// Put runs a PUT statement and uploads the files it names to the stage.
func (c *Client) Put(ctx context.Context, sql string) ([]UploadResult, error) {
	_, uploaded, err := c.put(ctx, sql)
	return uploaded, err
}

func (c *Client) put(ctx context.Context, sql string) (*RawResponse, []UploadResult, error) {
	data, err := c.executor.ExecuteRaw(ctx, Request{SQL: sql})
	if err != nil {
		return nil, nil, err
	}
	if data.StageInfo == nil {
		return nil, nil, fmt.Errorf("statement %s returned no stage info", data.QueryID)
	}
	uploaded, err := c.uploader.Upload(ctx, data)
	if err != nil {
		return nil, nil, err
	}
	return data, uploaded, nil
}

var uploadColumns = []Column{
	{Name: "source", Type: result.TypeText},
	{Name: "target", Type: result.TypeText},
	{Name: "source_size", Type: result.TypeFixed, Precision: 18},
	{Name: "status", Type: result.TypeText},
}

func (c *Client) putResultSet(ctx context.Context, sql string) (*ResultSet, error) {
	data, uploaded, err := c.put(ctx, sql)
	if err != nil {
		return nil, err
	}
	rows := make([][]any, len(uploaded))
	for i, u := range uploaded {
		rows[i] = []any{u.Source, u.Target, u.Size, u.Status}
	}
	return result.NewResultSet(data.QueryID, uploadColumns, rows), nil
}

// Close logs the session out. The client may still be used afterwards; the
// next statement logs in again.
func (c *Client) Close(ctx context.Context) error {
	return c.sessions.Close(ctx)
}

func toParams(values []any) []Param {
	if len(values) == 0 {
		return nil
	}
	params := make([]Param, len(values))
	for i, v := range values {
		if p, ok := v.(Param); ok {
			params[i] = p
			continue
		}
		params[i] = statement.Infer(v)
	}
	return params
}
