package result

import (
	"encoding/json"
	"math/big"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vjain20/snowquery/internal/wire"
)

// Type is a warehouse column type name as reported in row metadata.
type Type string

const (
	TypeFixed        Type = "FIXED"
	TypeReal         Type = "REAL"
	TypeText         Type = "TEXT"
	TypeBoolean      Type = "BOOLEAN"
	TypeDate         Type = "DATE"
	TypeTime         Type = "TIME"
	TypeTimestampNTZ Type = "TIMESTAMP_NTZ"
	TypeTimestampLTZ Type = "TIMESTAMP_LTZ"
	TypeTimestampTZ  Type = "TIMESTAMP_TZ"
	TypeBinary       Type = "BINARY"
	TypeVariant      Type = "VARIANT"
	TypeObject       Type = "OBJECT"
	TypeArray        Type = "ARRAY"
)

// Column describes one result column.
type Column struct {
	Name      string
	Type      Type
	Precision int64
	Scale     int64
	Length    int64
	Nullable  bool
}

// ColumnsFromRowType converts wire row metadata.
func ColumnsFromRowType(rt []wire.RowType) []Column {
	cols := make([]Column, len(rt))
	for i, r := range rt {
		cols[i] = Column{
			Name:      r.Name,
			Type:      Type(r.Type),
			Precision: r.Precision,
			Scale:     r.Scale,
			Length:    r.Length,
			Nullable:  r.Nullable,
		}
	}
	return cols
}

var (
	int64Type   = reflect.TypeOf(int64(0))
	ratType     = reflect.TypeOf((*big.Rat)(nil))
	float64Type = reflect.TypeOf(float64(0))
	stringType  = reflect.TypeOf("")
	boolType    = reflect.TypeOf(false)
	timeType    = reflect.TypeOf(time.Time{})
	bytesType   = reflect.TypeOf([]byte(nil))
	rawType     = reflect.TypeOf(json.RawMessage(nil))
)

// ScanType is the Go type values of this column decode to.
func (c Column) ScanType() reflect.Type {
	switch c.Type {
	case TypeFixed:
		if c.Scale == 0 {
			return int64Type
		}
		return ratType
	case TypeReal:
		return float64Type
	case TypeBoolean:
		return boolType
	case TypeDate, TypeTime, TypeTimestampNTZ, TypeTimestampLTZ, TypeTimestampTZ:
		return timeType
	case TypeBinary:
		return bytesType
	case TypeVariant, TypeObject, TypeArray:
		return rawType
	}
	return stringType
}

// State tracks how far assembly of a ResultSet has progressed.
type State int32

const (
	StatePending State = iota
	StatePartial
	StateComplete
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePartial:
		return "partial"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}

// ResultSet is a materialized statement result. Its rows can be iterated
// once; run the statement again to read them again.
type ResultSet struct {
	queryID string
	columns []Column
	total   int64
	state   atomic.Int32

	mu       sync.Mutex
	rows     [][]any
	consumed bool
}

func newResultSet(queryID string, columns []Column, total int64) *ResultSet {
	return &ResultSet{queryID: queryID, columns: columns, total: total}
}

// NewResultSet returns a complete ResultSet over rows produced locally, such
// as the per-file outcome of a stage upload.
func NewResultSet(queryID string, columns []Column, rows [][]any) *ResultSet {
	rs := newResultSet(queryID, columns, int64(len(rows)))
	rs.rows = rows
	rs.setState(StateComplete)
	return rs
}

func (r *ResultSet) QueryID() string   { return r.queryID }
func (r *ResultSet) Columns() []Column { return append([]Column(nil), r.columns...) }
func (r *ResultSet) Total() int64      { return r.total }
func (r *ResultSet) State() State      { return State(r.state.Load()) }
func (r *ResultSet) setState(s State)  { r.state.Store(int32(s)) }

// Rows returns the one-pass iterator over the result. Every call after the
// first returns an iterator whose Err is ErrConsumed.
func (r *ResultSet) Rows() *Rows {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return &Rows{err: ErrConsumed}
	}
	r.consumed = true
	rows := r.rows
	r.rows = nil
	return &Rows{rows: rows, pos: -1}
}

// Rows iterates over result rows in statement order.
type Rows struct {
	rows [][]any
	pos  int
	cur  []any
	err  error
}

// Next advances to the next row and reports whether there is one.
func (r *Rows) Next() bool {
	if r.err != nil {
		return false
	}
	if r.pos >= 0 && r.pos < len(r.rows) {
		r.rows[r.pos] = nil
	}
	r.pos++
	if r.pos >= len(r.rows) {
		r.cur = nil
		return false
	}
	r.cur = r.rows[r.pos]
	return true
}

// Values returns the current row. The slice must not be retained across
// calls to Next.
func (r *Rows) Values() []any {
	return r.cur
}

// Err returns the error that stopped iteration, if any.
func (r *Rows) Err() error {
	return r.err
}
