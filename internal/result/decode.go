package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// Format is the encoding of result chunks.
type Format string

const (
	FormatJSON  Format = "json"
	FormatArrow Format = "arrow"
)

// decodeChunk decodes a downloaded chunk body.
func decodeChunk(format Format, cols []Column, body []byte) ([][]any, error) {
	if format == FormatArrow {
		return decodeArrow(cols, body)
	}
	// JSON chunks are a comma-separated sequence of row arrays.
	var rows [][]*string
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 {
		buf := make([]byte, 0, len(trimmed)+2)
		buf = append(buf, '[')
		buf = append(buf, trimmed...)
		buf = append(buf, ']')
		if err := json.Unmarshal(buf, &rows); err != nil {
			return nil, err
		}
	}
	return decodeJSONRows(cols, rows)
}

func decodeJSONRows(cols []Column, raw [][]*string) ([][]any, error) {
	rows := make([][]any, len(raw))
	for i, cells := range raw {
		if len(cells) != len(cols) {
			return nil, fmt.Errorf("row %d has %d cells, expected %d", i, len(cells), len(cols))
		}
		row := make([]any, len(cols))
		for c, cell := range cells {
			v, err := convertText(cols[c], cell)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i, cols[c].Name, err)
			}
			row[c] = v
		}
		rows[i] = row
	}
	return rows, nil
}

func decodeArrow(cols []Column, body []byte) ([][]any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	rdr, err := ipc.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open arrow stream: %w", err)
	}
	defer rdr.Release()

	var rows [][]any
	for rdr.Next() {
		rec := rdr.Record()
		if int(rec.NumCols()) != len(cols) {
			return nil, fmt.Errorf("arrow batch has %d columns, expected %d", rec.NumCols(), len(cols))
		}
		n := int(rec.NumRows())
		for r := 0; r < n; r++ {
			row := make([]any, len(cols))
			for c := range cols {
				v, err := arrowValue(cols[c], rec.Column(c), r)
				if err != nil {
					return nil, fmt.Errorf("column %q: %w", cols[c].Name, err)
				}
				row[c] = v
			}
			rows = append(rows, row)
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("read arrow stream: %w", err)
	}
	return rows, nil
}

func arrowValue(col Column, arr arrow.Array, i int) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}
	switch col.Type {
	case TypeFixed:
		if dec, ok := arr.(*array.Decimal128); ok {
			bi := dec.Value(i).BigInt()
			if col.Scale == 0 {
				if bi.IsInt64() {
					return bi.Int64(), nil
				}
				return new(big.Rat).SetInt(bi), nil
			}
			return scaledRat(bi, col.Scale), nil
		}
		n, ok := intValue(arr, i)
		if !ok {
			break
		}
		if col.Scale == 0 {
			return n, nil
		}
		return scaledRat(big.NewInt(n), col.Scale), nil
	case TypeReal:
		if a, ok := arr.(*array.Float64); ok {
			return a.Value(i), nil
		}
	case TypeBoolean:
		if a, ok := arr.(*array.Boolean); ok {
			return a.Value(i), nil
		}
	case TypeDate:
		if a, ok := arr.(*array.Date32); ok {
			return dateFromDays(int64(a.Value(i))), nil
		}
	case TypeTime:
		if n, ok := intValue(arr, i); ok {
			return epochDate.Add(time.Duration(n * pow10(9-col.Scale))), nil
		}
	case TypeTimestampNTZ, TypeTimestampLTZ:
		if n, ok := intValue(arr, i); ok {
			return scaledTime(n, col.Scale).UTC(), nil
		}
		if st, ok := arr.(*array.Struct); ok && st.NumField() >= 2 {
			epoch, ok1 := intValue(st.Field(0), i)
			frac, ok2 := intValue(st.Field(1), i)
			if ok1 && ok2 {
				return time.Unix(epoch, frac).UTC(), nil
			}
		}
	case TypeTimestampTZ:
		st, ok := arr.(*array.Struct)
		if !ok {
			break
		}
		switch st.NumField() {
		case 2:
			epoch, ok1 := intValue(st.Field(0), i)
			tz, ok2 := intValue(st.Field(1), i)
			if ok1 && ok2 {
				return scaledTime(epoch, col.Scale).In(zoneFromOffset(int(tz))), nil
			}
		case 3:
			epoch, ok1 := intValue(st.Field(0), i)
			frac, ok2 := intValue(st.Field(1), i)
			tz, ok3 := intValue(st.Field(2), i)
			if ok1 && ok2 && ok3 {
				return time.Unix(epoch, frac).In(zoneFromOffset(int(tz))), nil
			}
		}
	case TypeBinary:
		if a, ok := arr.(*array.Binary); ok {
			return append([]byte(nil), a.Value(i)...), nil
		}
	case TypeVariant, TypeObject, TypeArray:
		if a, ok := arr.(*array.String); ok {
			return json.RawMessage(strings.Clone(a.Value(i))), nil
		}
	default:
		if a, ok := arr.(*array.String); ok {
			return strings.Clone(a.Value(i)), nil
		}
	}
	return nil, fmt.Errorf("unsupported arrow type %s for %s column", arr.DataType(), col.Type)
}

func intValue(arr arrow.Array, i int) (int64, bool) {
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(i), true
	case *array.Int32:
		return int64(a.Value(i)), true
	case *array.Int16:
		return int64(a.Value(i)), true
	case *array.Int8:
		return int64(a.Value(i)), true
	}
	return 0, false
}

// scaledTime interprets n as a count of 10^-scale seconds since the epoch.
func scaledTime(n, scale int64) time.Time {
	p := pow10(scale)
	return time.Unix(n/p, (n%p)*pow10(9-scale))
}
