// Package wire holds the JSON shapes exchanged with the warehouse service.
package wire

import "encoding/json"

// Endpoint paths relative to the account host.
const (
	LoginPath = "/session/v1/login-request"
	QueryPath = "/queries/v1/query-request"
	// SessionPath is posted to with delete=true to log out.
	SessionPath = "/session"
)

// Response codes with protocol meaning.
const (
	CodeQueryInProgress      = "333333"
	CodeQueryInProgressAsync = "333334"
	CodeSessionExpired       = "390112"
)

const (
	AuthenticatorJWT = "SNOWFLAKE_JWT"
	// ContentTypeSnowflake is preferred over plain JSON in Accept headers.
	ContentTypeSnowflake = "application/snowflake"
	ContentTypeJSON      = "application/json"
)

// Envelope is the outer shape of every response.
type Envelope struct {
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Success bool            `json:"success"`
}

type LoginRequest struct {
	Data LoginRequestData `json:"data"`
}

type LoginRequestData struct {
	ClientAppID       string            `json:"CLIENT_APP_ID"`
	ClientAppVersion  string            `json:"CLIENT_APP_VERSION"`
	SvnRevision       string            `json:"SVN_REVISION,omitempty"`
	AccountName       string            `json:"ACCOUNT_NAME"`
	LoginName         string            `json:"LOGIN_NAME"`
	Authenticator     string            `json:"AUTHENTICATOR"`
	Token             string            `json:"TOKEN"`
	SessionParameters map[string]any    `json:"SESSION_PARAMETERS,omitempty"`
	ClientEnvironment ClientEnvironment `json:"CLIENT_ENVIRONMENT"`
}

type ClientEnvironment struct {
	Application string `json:"APPLICATION"`
	OS          string `json:"OS"`
	OSVersion   string `json:"OS_VERSION"`
	OCSPMode    string `json:"OCSP_MODE,omitempty"`
}

type LoginResponseData struct {
	Token                   string      `json:"token"`
	MasterToken             string      `json:"masterToken"`
	ValidityInSeconds       int64       `json:"validityInSeconds"`
	MasterValidityInSeconds int64       `json:"masterValidityInSeconds"`
	SessionID               int64       `json:"sessionId"`
	ServerVersion           string      `json:"serverVersion"`
	SessionInfo             SessionInfo `json:"sessionInfo"`
	Parameters              []NameValue `json:"parameters,omitempty"`
}

type SessionInfo struct {
	DatabaseName  string `json:"databaseName"`
	SchemaName    string `json:"schemaName"`
	WarehouseName string `json:"warehouseName"`
	RoleName      string `json:"roleName"`
}

type NameValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// QueryRequest is the body of a statement submission.
type QueryRequest struct {
	SQLText    string             `json:"sqlText"`
	AsyncExec  bool               `json:"asyncExec"`
	SequenceID uint64             `json:"sequenceId"`
	IsInternal bool               `json:"isInternal"`
	Bindings   map[string]Binding `json:"bindings,omitempty"`
}

// Binding is one positional bind value in its serialized form.
type Binding struct {
	Type  string  `json:"type"`
	Value *string `json:"value"`
}

// QueryResponseData is the data member of a query response. It is a union of
// the success, async-acknowledgement and error payloads; which fields are set
// depends on Envelope.Success and Envelope.Code.
type QueryResponseData struct {
	// success
	RowType           []RowType         `json:"rowtype,omitempty"`
	RowSet            [][]*string       `json:"rowset,omitempty"`
	RowSetBase64      string            `json:"rowsetBase64,omitempty"`
	Total             int64             `json:"total"`
	Returned          int64             `json:"returned"`
	QueryResultFormat string            `json:"queryResultFormat,omitempty"`
	Chunks            []Chunk           `json:"chunks,omitempty"`
	Qrmk              string            `json:"qrmk,omitempty"`
	ChunkHeaders      map[string]string `json:"chunkHeaders,omitempty"`
	StatementTypeID   int64             `json:"statementTypeId,omitempty"`
	Command           string            `json:"command,omitempty"`
	StageInfo         *StageInfo        `json:"stageInfo,omitempty"`
	SrcLocations      []string          `json:"src_locations,omitempty"`
	AutoCompress      bool              `json:"autoCompress,omitempty"`
	SourceCompression string            `json:"sourceCompression,omitempty"`
	Parallel          int64             `json:"parallel,omitempty"`
	Threshold         int64             `json:"threshold,omitempty"`
	Overwrite         bool              `json:"overwrite,omitempty"`

	// common
	QueryID string `json:"queryId,omitempty"`

	// async acknowledgement
	GetResultURL         string `json:"getResultUrl,omitempty"`
	QueryAbortsAfterSecs int64  `json:"queryAbortsAfterSecs,omitempty"`

	// error
	ErrorCode     string `json:"errorCode,omitempty"`
	SQLState      string `json:"sqlState,omitempty"`
	Line          int64  `json:"line,omitempty"`
	Pos           int64  `json:"pos,omitempty"`
	InternalError bool   `json:"internalError,omitempty"`
}

// RowType describes a result column.
type RowType struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Scale      int64  `json:"scale"`
	Precision  int64  `json:"precision"`
	Length     int64  `json:"length"`
	ByteLength int64  `json:"byteLength"`
	Nullable   bool   `json:"nullable"`
}

// Chunk is a remote result chunk descriptor.
type Chunk struct {
	URL              string `json:"url"`
	RowCount         int64  `json:"rowCount"`
	UncompressedSize int64  `json:"uncompressedSize"`
	CompressedSize   int64  `json:"compressedSize"`
}

// StageInfo describes the target of a PUT statement.
type StageInfo struct {
	LocationType string          `json:"locationType"`
	Location     string          `json:"location"`
	Path         string          `json:"path"`
	Region       string          `json:"region"`
	EndPoint     string          `json:"endPoint,omitempty"`
	Creds        StageCredential `json:"creds"`
}

type StageCredential struct {
	AWSKeyID     string `json:"AWS_KEY_ID,omitempty"`
	AWSSecretKey string `json:"AWS_SECRET_KEY,omitempty"`
	AWSToken     string `json:"AWS_TOKEN,omitempty"`
}
