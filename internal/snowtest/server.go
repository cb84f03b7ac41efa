// Package snowtest provides an in-process fake of the warehouse HTTP service
// for tests. It speaks the login, query, result polling, chunk download and
// logout endpoints.
package snowtest

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vjain20/snowquery/internal/wire"
)

// QueryTemplate is the scripted behavior for one SQL text.
type QueryTemplate struct {
	SQL     string
	Columns []wire.RowType
	// Rows is the full result in statement order.
	Rows [][]*string
	// InlineRows is how many leading rows are returned in the rowset; the
	// rest are split into remote chunks of ChunkSizes rows each.
	InlineRows int
	ChunkSizes []int
	// Pending is how many result polls answer "running" before the final
	// outcome. A positive value makes submission return an async ack.
	Pending int
	// Error, when set, is the final outcome instead of Rows.
	Error *QueryError
	// ChunkHeaders are required on chunk downloads and returned in the
	// response. Qrmk is used instead when ChunkHeaders is nil.
	ChunkHeaders map[string]string
	Qrmk         string
	// ChunkFailures makes chunk i answer 403 that many times.
	ChunkFailures map[int]int
	// CorruptChunks makes the listed chunks serve undecodable bytes.
	CorruptChunks map[int]bool
	// DeclaredTotal overrides the total reported to the client when non-zero.
	DeclaredTotal int64
	// GzipChunks serves chunk bodies gzip-compressed.
	GzipChunks bool
	// ExpireSessionAtPoll revokes all session tokens when the n-th result
	// poll arrives, so that poll is rejected.
	ExpireSessionAtPoll int
	// Stage turns the statement into a PUT whose response carries stage info.
	Stage        *wire.StageInfo
	SrcLocations []string
}

// QueryError is a scripted statement failure.
type QueryError struct {
	Code     string
	Message  string
	SQLState string
}

// QueryCall records one submission as the server saw it.
type QueryCall struct {
	Request wire.QueryRequest
	Token   string
}

type activeQuery struct {
	id       string
	tmpl     *QueryTemplate
	pending  int
	attempts int
	polls    int
	failures map[int]int
}

// Server is the fake service.
type Server struct {
	server *httptest.Server

	mu        sync.Mutex
	templates map[string]*QueryTemplate
	queries   map[string]*activeQuery
	tokens    map[string]bool
	calls     []QueryCall
	failNext  int
	failCode  int
	failBody  *QueryError
	rejectAll bool

	loginFailure *QueryError
	validity     int64

	logins    atomic.Int32
	logouts   atomic.Int32
	chunkGets atomic.Int32
	tokenSeq  atomic.Int64
	querySeq  atomic.Int64
}

// NewServer starts a fake service. Close it when done.
func NewServer() *Server {
	s := &Server{
		templates: make(map[string]*QueryTemplate),
		queries:   make(map[string]*activeQuery),
		tokens:    make(map[string]bool),
		validity:  3600,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+wire.LoginPath, s.handleLogin)
	mux.HandleFunc("POST "+wire.QueryPath, s.handleQuery)
	mux.HandleFunc("GET /queries/{queryId}/result", s.handleResult)
	mux.HandleFunc("GET /chunks/{queryId}/{index}", s.handleChunk)
	mux.HandleFunc("POST "+wire.SessionPath, s.handleLogout)

	s.server = httptest.NewServer(mux)
	return s
}

func (s *Server) URL() string          { return s.server.URL }
func (s *Server) Client() *http.Client { return s.server.Client() }
func (s *Server) Close()               { s.server.Close() }
func (s *Server) Logins() int          { return int(s.logins.Load()) }
func (s *Server) Logouts() int         { return int(s.logouts.Load()) }
func (s *Server) ChunkDownloads() int  { return int(s.chunkGets.Load()) }

// SetTokenValidity sets validityInSeconds for subsequent logins.
func (s *Server) SetTokenValidity(sec int64) {
	s.mu.Lock()
	s.validity = sec
	s.mu.Unlock()
}

// AddQuery registers a template keyed by its SQL text.
func (s *Server) AddQuery(tmpl *QueryTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tmpl.SQL] = tmpl
}

// FailLogins makes every login answer with err until cleared with nil.
func (s *Server) FailLogins(err *QueryError) {
	s.mu.Lock()
	s.loginFailure = err
	s.mu.Unlock()
}

// ExpireSessions revokes every issued session token.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	for tok := range s.tokens {
		s.tokens[tok] = false
	}
	s.mu.Unlock()
}

// Throttle makes the next n submissions answer 429.
func (s *Server) Throttle(n int) {
	s.FailSubmissions(http.StatusTooManyRequests, n)
}

// FailSubmissions makes the next n submissions answer with status.
func (s *Server) FailSubmissions(status, n int) {
	s.mu.Lock()
	s.failCode = status
	s.failNext = n
	s.failBody = nil
	s.mu.Unlock()
}

// RejectSubmission makes the next submission answer with status and an
// error envelope carrying qe.
func (s *Server) RejectSubmission(status int, qe *QueryError) {
	s.mu.Lock()
	s.failCode = status
	s.failNext = 1
	s.failBody = qe
	s.mu.Unlock()
}

// RejectTokens makes every authenticated endpoint reject its token with the
// session-expired code, even right after login.
func (s *Server) RejectTokens(reject bool) {
	s.mu.Lock()
	s.rejectAll = reject
	s.mu.Unlock()
}

// Calls returns the submissions received so far.
func (s *Server) Calls() []QueryCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueryCall(nil), s.calls...)
}

// Polls returns how many result polls query id received.
func (s *Server) Polls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queries[id]; ok {
		return q.polls
	}
	return 0
}

// QueryIDs returns the ids of all accepted queries, in no particular order.
func (s *Server) QueryIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.queries))
	for id := range s.queries {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.logins.Add(1)

	var req wire.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Data.Authenticator != wire.AuthenticatorJWT || req.Data.Token == "" {
		writeEnvelope(w, false, "390144", "JWT token is invalid.", nil)
		return
	}

	s.mu.Lock()
	failure := s.loginFailure
	validity := s.validity
	s.mu.Unlock()
	if failure != nil {
		writeEnvelope(w, false, failure.Code, failure.Message, nil)
		return
	}

	tok := fmt.Sprintf("session-token-%d", s.tokenSeq.Add(1))
	s.mu.Lock()
	s.tokens[tok] = true
	s.mu.Unlock()

	q := r.URL.Query()
	writeEnvelope(w, true, "", "", wire.LoginResponseData{
		Token:             tok,
		MasterToken:       "master-" + tok,
		ValidityInSeconds: validity,
		SessionID:         s.tokenSeq.Load(),
		ServerVersion:     "8.0.0",
		SessionInfo: wire.SessionInfo{
			DatabaseName:  q.Get("databaseName"),
			SchemaName:    q.Get("schemaName"),
			WarehouseName: q.Get("warehouse"),
			RoleName:      q.Get("roleName"),
		},
	})
}

// authorize reports whether the request carries a live session token and
// writes the session-expired response when it does not.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	tok := strings.TrimSuffix(strings.TrimPrefix(h, `Snowflake Token="`), `"`)
	s.mu.Lock()
	live := s.tokens[tok] && !s.rejectAll
	s.mu.Unlock()
	if !live {
		writeEnvelope(w, false, wire.CodeSessionExpired, "Authentication token has expired.  The user must authenticate again.", nil)
		return tok, false
	}
	return tok, true
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.authorize(w, r)
	if !ok {
		return
	}

	var req wire.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, QueryCall{Request: req, Token: tok})
	if s.failNext > 0 {
		s.failNext--
		code, qe := s.failCode, s.failBody
		s.mu.Unlock()
		if qe == nil {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"code":    qe.Code,
			"message": qe.Message,
			"data":    wire.QueryResponseData{ErrorCode: qe.Code, SQLState: qe.SQLState},
		})
		return
	}
	tmpl, found := s.templates[req.SQLText]
	s.mu.Unlock()

	if !found {
		writeEnvelope(w, false, "002003", "SQL compilation error: Object does not exist or not authorized.", wire.QueryResponseData{
			ErrorCode: "002003",
			SQLState:  "02000",
		})
		return
	}

	q := &activeQuery{
		id:       fmt.Sprintf("01b0-%04d", s.querySeq.Add(1)),
		tmpl:     tmpl,
		pending:  tmpl.Pending,
		failures: make(map[int]int),
	}
	for k, v := range tmpl.ChunkFailures {
		q.failures[k] = v
	}
	s.mu.Lock()
	s.queries[q.id] = q
	s.mu.Unlock()

	if tmpl.Pending > 0 || req.AsyncExec {
		writeEnvelope(w, true, wire.CodeQueryInProgressAsync, "Asynchronous execution in progress.", wire.QueryResponseData{
			QueryID:      q.id,
			GetResultURL: "/queries/" + q.id + "/result",
		})
		return
	}
	s.writeOutcome(w, q)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if q, found := s.queries[r.PathValue("queryId")]; found {
		q.attempts++
		if q.tmpl.ExpireSessionAtPoll == q.attempts {
			for tok := range s.tokens {
				s.tokens[tok] = false
			}
		}
	}
	s.mu.Unlock()

	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.Lock()
	q, found := s.queries[r.PathValue("queryId")]
	if found {
		q.polls++
	}
	running := found && q.pending > 0
	if running {
		q.pending--
	}
	s.mu.Unlock()

	switch {
	case !found:
		writeEnvelope(w, false, "000709", "Statement not found.", nil)
	case running:
		writeEnvelope(w, true, wire.CodeQueryInProgress, "Query execution in progress.", wire.QueryResponseData{
			QueryID:      q.id,
			GetResultURL: "/queries/" + q.id + "/result",
		})
	default:
		s.writeOutcome(w, q)
	}
}

func (s *Server) writeOutcome(w http.ResponseWriter, q *activeQuery) {
	tmpl := q.tmpl
	if tmpl.Error != nil {
		writeEnvelope(w, false, tmpl.Error.Code, tmpl.Error.Message, wire.QueryResponseData{
			QueryID:   q.id,
			ErrorCode: tmpl.Error.Code,
			SQLState:  tmpl.Error.SQLState,
		})
		return
	}

	if tmpl.Stage != nil {
		writeEnvelope(w, true, "", "", wire.QueryResponseData{
			QueryID:      q.id,
			Command:      "UPLOAD",
			StageInfo:    tmpl.Stage,
			SrcLocations: tmpl.SrcLocations,
			Parallel:     4,
			Threshold:    64 << 20,
		})
		return
	}

	inline := tmpl.InlineRows
	if inline > len(tmpl.Rows) {
		inline = len(tmpl.Rows)
	}
	data := wire.QueryResponseData{
		QueryID:           q.id,
		RowType:           tmpl.Columns,
		RowSet:            tmpl.Rows[:inline],
		Total:             int64(len(tmpl.Rows)),
		Returned:          int64(len(tmpl.Rows)),
		QueryResultFormat: "json",
		ChunkHeaders:      tmpl.ChunkHeaders,
		Qrmk:              tmpl.Qrmk,
	}
	if data.RowSet == nil {
		data.RowSet = [][]*string{}
	}
	if tmpl.DeclaredTotal != 0 {
		data.Total = tmpl.DeclaredTotal
	}
	for i, n := range tmpl.ChunkSizes {
		data.Chunks = append(data.Chunks, wire.Chunk{
			URL:      fmt.Sprintf("%s/chunks/%s/%d", s.server.URL, q.id, i),
			RowCount: int64(n),
		})
	}
	writeEnvelope(w, true, "", "", data)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	s.chunkGets.Add(1)
	if r.Header.Get("Authorization") != "" {
		http.Error(w, "session token sent to chunk storage", http.StatusBadRequest)
		return
	}

	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	q, found := s.queries[r.PathValue("queryId")]
	fail := false
	if found && q.failures[idx] > 0 {
		q.failures[idx]--
		fail = true
	}
	s.mu.Unlock()
	if !found || idx >= len(q.tmpl.ChunkSizes) {
		http.NotFound(w, r)
		return
	}
	if fail {
		http.Error(w, "<Error><Code>AccessDenied</Code></Error>", http.StatusForbidden)
		return
	}

	tmpl := q.tmpl
	for k, v := range expectedChunkHeaders(tmpl) {
		if r.Header.Get(k) != v {
			http.Error(w, "missing chunk header "+k, http.StatusBadRequest)
			return
		}
	}

	var body []byte
	if tmpl.CorruptChunks[idx] {
		body = []byte(`["1", {oops`)
	} else {
		start := tmpl.InlineRows
		for i := 0; i < idx; i++ {
			start += tmpl.ChunkSizes[i]
		}
		rows := tmpl.Rows[start : start+tmpl.ChunkSizes[idx]]
		enc, _ := json.Marshal(rows)
		// Chunk bodies are row arrays without the enclosing brackets.
		body = enc[1 : len(enc)-1]
	}

	if tmpl.GzipChunks {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = gz.Write(body)
		_ = gz.Close()
		body = buf.Bytes()
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(body)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("delete") != "true" {
		http.Error(w, "unsupported", http.StatusBadRequest)
		return
	}
	tok, ok := s.authorize(w, r)
	if !ok {
		return
	}
	s.logouts.Add(1)
	s.mu.Lock()
	delete(s.tokens, tok)
	s.mu.Unlock()
	writeEnvelope(w, true, "", "", nil)
}

func expectedChunkHeaders(tmpl *QueryTemplate) map[string]string {
	if tmpl.ChunkHeaders != nil {
		return tmpl.ChunkHeaders
	}
	if tmpl.Qrmk != "" {
		return map[string]string{
			"x-amz-server-side-encryption-customer-algorithm": "AES256",
			"x-amz-server-side-encryption-customer-key":       tmpl.Qrmk,
		}
	}
	return nil
}

func writeEnvelope(w http.ResponseWriter, success bool, code, message string, data any) {
	env := map[string]any{
		"success": success,
		"code":    code,
		"message": message,
		"data":    data,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}

// Str returns a pointer to v, for building row data.
func Str(v string) *string {
	return &v
}

// Row builds a row of non-null text cells.
func Row(cells ...string) []*string {
	row := make([]*string, len(cells))
	for i := range cells {
		row[i] = Str(cells[i])
	}
	return row
}
