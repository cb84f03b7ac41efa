package snowapi

import (
	"github.com/vjain20/snowquery/internal/result"
	"github.com/vjain20/snowquery/internal/session"
	"github.com/vjain20/snowquery/internal/stage"
	"github.com/vjain20/snowquery/internal/statement"
	"github.com/vjain20/snowquery/internal/transport"
	"github.com/vjain20/snowquery/internal/wire"
)

// ResultSet is a fully materialized statement result. Its rows can be read
// once.
type ResultSet = result.ResultSet

// Rows iterates over a ResultSet.
type Rows = result.Rows

// Column describes a result column.
type Column = result.Column

// ColumnType is a warehouse type name such as FIXED or TIMESTAMP_TZ.
type ColumnType = result.Type

// Request is a statement with per-statement options.
type Request = statement.Request

// Policy controls polling, throttling and timeouts of statements.
type Policy = statement.Policy

// RawResponse is the decoded final response of a statement.
type RawResponse = wire.QueryResponseData

// UploadResult is the outcome of one file uploaded by a PUT statement.
type UploadResult = stage.Result

// StageInfo describes the target of a PUT statement.
type StageInfo = wire.StageInfo

// ObjectPutter writes one file to stage storage.
type ObjectPutter = stage.ObjectPutter

// StageClientFactory builds an ObjectPutter from a stage's temporary
// credentials.
type StageClientFactory = stage.ClientFactory

// Param is a bind value with an explicit type. Plain Go values passed to
// Execute are bound with an inferred type.
type Param = statement.Param

// BindType is the declared type of a bind parameter.
type BindType = statement.BindType

const (
	BindFixed        = statement.BindFixed
	BindReal         = statement.BindReal
	BindText         = statement.BindText
	BindBoolean      = statement.BindBoolean
	BindDate         = statement.BindDate
	BindTime         = statement.BindTime
	BindTimestampNTZ = statement.BindTimestampNTZ
	BindTimestampLTZ = statement.BindTimestampLTZ
	BindTimestampTZ  = statement.BindTimestampTZ
	BindBinary       = statement.BindBinary
)

// Bind returns a parameter bound as t.
func Bind(t BindType, v any) Param {
	return Param{Type: t, Value: v}
}

// DefaultPolicy returns the statement policy used when Config.Policy is zero.
func DefaultPolicy() Policy {
	return statement.DefaultPolicy()
}

// Error types. Use errors.As to inspect them.
type (
	StatementError      = statement.Error
	ResultError         = result.Error
	AuthenticationError = session.AuthenticationError
	StatusError         = transport.StatusError
)

// Error kinds. Use errors.Is to test for them.
var (
	ErrInvalidParameter = statement.ErrInvalidParameter
	ErrTimeout          = statement.ErrTimeout
	ErrRemote           = statement.ErrRemote
	ErrThrottled        = statement.ErrThrottled
	ErrDecode           = result.ErrDecode
	ErrRowCountMismatch = result.ErrRowCountMismatch
	ErrFetch            = result.ErrFetch
	ErrConsumed         = result.ErrConsumed
	ErrUnsupportedStage = stage.ErrUnsupportedStage
)
