package snowapi

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/vjain20/snowquery/internal/result"
)

// DriverName is the name the driver registers with database/sql.
const DriverName = "snowquery"

func init() {
	sql.Register(DriverName, &Driver{})
}

var errNoTransactions = errors.New("snowquery: transactions are not supported")

// Driver implements database/sql/driver. Open it with a DSN of the form
//
//	user@account/database/schema?warehouse=WH&role=R&private_key_file=key.p8
//
// or build a Client and use sql.OpenDB(NewConnector(client)).
type Driver struct{}

func (d *Driver) Open(dsn string) (driver.Conn, error) {
	c, err := d.OpenConnector(dsn)
	if err != nil {
		return nil, err
	}
	return c.Connect(context.Background())
}

func (d *Driver) OpenConnector(dsn string) (driver.Connector, error) {
	cfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewConnector(client), nil
}

// ParseDSN reads a Config from a DSN. The private key is loaded from the
// file named by private_key_file.
func ParseDSN(dsn string) (Config, error) {
	u, err := url.Parse("//" + dsn)
	if err != nil {
		return Config{}, fmt.Errorf("parse dsn: %w", err)
	}
	cfg := Config{Account: u.Host}
	if u.User != nil {
		cfg.User = u.User.Username()
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) > 0 {
		cfg.Database = parts[0]
	}
	if len(parts) > 1 {
		cfg.Schema = parts[1]
	}
	if len(parts) > 2 {
		return Config{}, fmt.Errorf("parse dsn: unexpected path %q", u.Path)
	}

	q := u.Query()
	cfg.Warehouse = q.Get("warehouse")
	cfg.Role = q.Get("role")
	cfg.BaseURL = q.Get("base_url")
	if v := q.Get("timeout"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse dsn: timeout: %w", err)
		}
		cfg.Policy.Timeout = timeout
	}
	if path := q.Get("private_key_file"); path != "" {
		key, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read private key: %w", err)
		}
		cfg.PrivateKey = key
	}
	return cfg, nil
}

// Connector hands database/sql connections backed by one Client. All
// connections share the client's session.
type Connector struct {
	client *Client
}

func NewConnector(client *Client) *Connector {
	return &Connector{client: client}
}

func (c *Connector) Connect(context.Context) (driver.Conn, error) {
	return &conn{client: c.client}, nil
}

func (c *Connector) Driver() driver.Driver {
	return &Driver{}
}

// Close logs the shared session out. sql.DB calls it from DB.Close.
func (c *Connector) Close() error {
	return c.client.Close(context.Background())
}

type conn struct {
	client *Client
}

var (
	_ driver.QueryerContext     = (*conn)(nil)
	_ driver.ExecerContext      = (*conn)(nil)
	_ driver.NamedValueChecker  = (*conn)(nil)
	_ driver.ConnPrepareContext = (*conn)(nil)
)

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{conn: c, query: query}, nil
}

func (c *conn) PrepareContext(_ context.Context, query string) (driver.Stmt, error) {
	return c.Prepare(query)
}

func (c *conn) Close() error              { return nil }
func (c *conn) Begin() (driver.Tx, error) { return nil, errNoTransactions }

// CheckNamedValue lets Param values and big numbers through unchanged so
// callers can bind with an explicit type or full precision.
func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	switch nv.Value.(type) {
	case Param, *big.Int, *big.Rat:
		return nil
	}
	v, err := driver.DefaultParameterConverter.ConvertValue(nv.Value)
	if err != nil {
		return err
	}
	nv.Value = v
	return nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	params, err := namedParams(args)
	if err != nil {
		return nil, err
	}
	rs, err := c.client.Execute(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	return &rows{columns: rs.Columns(), rows: rs.Rows()}, nil
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	params, err := namedParams(args)
	if err != nil {
		return nil, err
	}
	rs, err := c.client.Execute(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	return execResult{affected: affectedRows(rs)}, nil
}

func namedParams(args []driver.NamedValue) ([]any, error) {
	params := make([]any, len(args))
	for i, a := range args {
		if a.Name != "" {
			return nil, fmt.Errorf("snowquery: named parameter %q is not supported", a.Name)
		}
		params[i] = a.Value
	}
	return params, nil
}

// affectedRows sums the first column of a DML result, which reports the
// number of rows inserted, updated or deleted.
func affectedRows(rs *ResultSet) int64 {
	cols := rs.Columns()
	if len(cols) == 0 || !strings.HasPrefix(cols[0].Name, "number of rows") {
		return 0
	}
	var n int64
	it := rs.Rows()
	for it.Next() {
		for _, v := range it.Values() {
			if x, ok := v.(int64); ok {
				n += x
			}
		}
	}
	return n
}

type execResult struct {
	affected int64
}

func (r execResult) LastInsertId() (int64, error) {
	return 0, errors.New("snowquery: LastInsertId is not supported")
}

func (r execResult) RowsAffected() (int64, error) { return r.affected, nil }

type stmt struct {
	conn  *conn
	query string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, valuesToNamed(args))
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.conn.QueryContext(context.Background(), s.query, valuesToNamed(args))
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

type rows struct {
	columns []result.Column
	rows    *result.Rows
}

var (
	stringScanType = reflect.TypeOf("")
	bytesScanType  = reflect.TypeOf([]byte(nil))
)

func (r *rows) Columns() []string {
	names := make([]string, len(r.columns))
	for i, c := range r.columns {
		names[i] = c.Name
	}
	return names
}

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	for i, v := range r.rows.Values() {
		dest[i] = driverValue(r.columns[i], v)
	}
	return nil
}

func (r *rows) ColumnTypeDatabaseTypeName(i int) string {
	return string(r.columns[i].Type)
}

func (r *rows) ColumnTypeNullable(i int) (bool, bool) {
	return r.columns[i].Nullable, true
}

func (r *rows) ColumnTypePrecisionScale(i int) (int64, int64, bool) {
	c := r.columns[i]
	if c.Type != result.TypeFixed {
		return 0, 0, false
	}
	return c.Precision, c.Scale, true
}

func (r *rows) ColumnTypeScanType(i int) reflect.Type {
	c := r.columns[i]
	switch t := c.ScanType(); t.Kind() {
	case reflect.Pointer:
		return stringScanType
	case reflect.Slice:
		if c.Type == result.TypeBinary {
			return bytesScanType
		}
		return stringScanType
	default:
		return t
	}
}

// driverValue converts decoded values to the types database/sql accepts.
func driverValue(c result.Column, v any) driver.Value {
	switch x := v.(type) {
	case *big.Rat:
		return x.FloatString(int(c.Scale))
	case json.RawMessage:
		return string(x)
	}
	return v
}
