package statement

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/vjain20/snowquery/internal/wire"
)

// BindType is the declared warehouse type of a bind parameter.
type BindType string

const (
	BindFixed        BindType = "FIXED"
	BindReal         BindType = "REAL"
	BindText         BindType = "TEXT"
	BindBoolean      BindType = "BOOLEAN"
	BindDate         BindType = "DATE"
	BindTime         BindType = "TIME"
	BindTimestampNTZ BindType = "TIMESTAMP_NTZ"
	BindTimestampLTZ BindType = "TIMESTAMP_LTZ"
	BindTimestampTZ  BindType = "TIMESTAMP_TZ"
	BindBinary       BindType = "BINARY"
)

// Param is one positional bind value. A nil Value binds SQL NULL.
//
// Accepted Go types per BindType:
//
//	FIXED            int, int8..int64, uint, uint8..uint64, *big.Int, *big.Rat
//	REAL             float32, float64
//	TEXT             string
//	BOOLEAN          bool
//	DATE, TIME,
//	TIMESTAMP_*      time.Time
//	BINARY           []byte
type Param struct {
	Type  BindType
	Value any
}

// Infer picks the bind type for v from its Go type. Values of unsupported
// types get an empty type and fail validation.
func Infer(v any) Param {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, *big.Int, *big.Rat:
		return Param{Type: BindFixed, Value: v}
	case float32, float64:
		return Param{Type: BindReal, Value: v}
	case string:
		return Param{Type: BindText, Value: v}
	case bool:
		return Param{Type: BindBoolean, Value: v}
	case time.Time:
		return Param{Type: BindTimestampNTZ, Value: v}
	case []byte:
		return Param{Type: BindBinary, Value: v}
	case nil:
		return Param{Type: BindText}
	}
	return Param{Value: v}
}

// bindings validates params and serializes them into the wire form, keyed
// by 1-based position.
func bindings(params []Param) (map[string]wire.Binding, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make(map[string]wire.Binding, len(params))
	for i, p := range params {
		s, err := serialize(p)
		if err != nil {
			return nil, &Error{
				Kind:    KindInvalidParameter,
				Message: fmt.Sprintf("parameter %d: %v", i+1, err),
			}
		}
		out[strconv.Itoa(i+1)] = wire.Binding{Type: string(p.Type), Value: s}
	}
	return out, nil
}

func serialize(p Param) (*string, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("unsupported Go type %T", p.Value)
	}
	if p.Value == nil {
		switch p.Type {
		case BindFixed, BindReal, BindText, BindBoolean, BindDate, BindTime,
			BindTimestampNTZ, BindTimestampLTZ, BindTimestampTZ, BindBinary:
			return nil, nil
		}
		return nil, fmt.Errorf("unknown bind type %q", p.Type)
	}

	var s string
	switch p.Type {
	case BindFixed:
		switch v := p.Value.(type) {
		case int:
			s = strconv.FormatInt(int64(v), 10)
		case int8:
			s = strconv.FormatInt(int64(v), 10)
		case int16:
			s = strconv.FormatInt(int64(v), 10)
		case int32:
			s = strconv.FormatInt(int64(v), 10)
		case int64:
			s = strconv.FormatInt(v, 10)
		case uint:
			s = strconv.FormatUint(uint64(v), 10)
		case uint8:
			s = strconv.FormatUint(uint64(v), 10)
		case uint16:
			s = strconv.FormatUint(uint64(v), 10)
		case uint32:
			s = strconv.FormatUint(uint64(v), 10)
		case uint64:
			s = strconv.FormatUint(v, 10)
		case *big.Int:
			s = v.String()
		case *big.Rat:
			s = ratString(v)
		default:
			return nil, mismatch(p)
		}
	case BindReal:
		switch v := p.Value.(type) {
		case float32:
			s = strconv.FormatFloat(float64(v), 'g', -1, 32)
		case float64:
			s = strconv.FormatFloat(v, 'g', -1, 64)
		default:
			return nil, mismatch(p)
		}
	case BindText:
		v, ok := p.Value.(string)
		if !ok {
			return nil, mismatch(p)
		}
		s = v
	case BindBoolean:
		v, ok := p.Value.(bool)
		if !ok {
			return nil, mismatch(p)
		}
		s = strconv.FormatBool(v)
	case BindDate, BindTime, BindTimestampNTZ, BindTimestampLTZ, BindTimestampTZ:
		v, ok := p.Value.(time.Time)
		if !ok {
			return nil, mismatch(p)
		}
		s = formatTime(p.Type, v)
	case BindBinary:
		v, ok := p.Value.([]byte)
		if !ok {
			return nil, mismatch(p)
		}
		s = hex.EncodeToString(v)
	default:
		return nil, fmt.Errorf("unknown bind type %q", p.Type)
	}
	return &s, nil
}

func mismatch(p Param) error {
	return fmt.Errorf("%s cannot bind a %T", p.Type, p.Value)
}

// formatTime renders t in the bind encoding of typ: DATE as milliseconds
// since the epoch, TIME as nanoseconds since midnight, timestamps as
// nanoseconds since the epoch, TIMESTAMP_TZ followed by its offset in
// minutes plus 1440.
func formatTime(typ BindType, t time.Time) string {
	switch typ {
	case BindDate:
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return strconv.FormatInt(d.UnixMilli(), 10)
	case BindTime:
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		return strconv.FormatInt(int64(t.Sub(midnight)), 10)
	case BindTimestampTZ:
		_, offset := t.Zone()
		return fmt.Sprintf("%d %d", t.UnixNano(), offset/60+1440)
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func ratString(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	// Exact for decimal fractions; others are rounded to 38 places.
	prec, exact := r.FloatPrec()
	if !exact {
		prec = 38
	}
	return r.FloatString(prec)
}
