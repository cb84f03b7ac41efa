// Package export writes materialized results to columnar files.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/vjain20/snowquery/internal/result"
)

const batchSize = 1024

// ParquetSchema builds the Parquet schema for cols. Every column is optional.
// Duplicate column names get a numeric suffix. The returned slice maps each
// result column to its leaf index in the schema.
func ParquetSchema(cols []result.Column) (*parquet.Schema, []int, error) {
	names := uniqueNames(cols)
	group := make(parquet.Group, len(cols))
	for i, c := range cols {
		node, err := parquetNode(c)
		if err != nil {
			return nil, nil, err
		}
		group[names[i]] = parquet.Optional(node)
	}
	schema := parquet.NewSchema("result", group)

	leaf := make(map[string]int, len(cols))
	for i, path := range schema.Columns() {
		leaf[path[0]] = i
	}
	index := make([]int, len(cols))
	for i, name := range names {
		index[i] = leaf[name]
	}
	return schema, index, nil
}

func parquetNode(c result.Column) (parquet.Node, error) {
	switch c.Type {
	case result.TypeFixed:
		if c.Scale == 0 && c.Precision <= 18 {
			return parquet.Int(64), nil
		}
		return parquet.String(), nil
	case result.TypeReal:
		return parquet.Leaf(parquet.DoubleType), nil
	case result.TypeText:
		return parquet.String(), nil
	case result.TypeBoolean:
		return parquet.Leaf(parquet.BooleanType), nil
	case result.TypeDate:
		return parquet.Date(), nil
	case result.TypeTime:
		return parquet.Time(parquet.Nanosecond), nil
	case result.TypeTimestampNTZ, result.TypeTimestampLTZ, result.TypeTimestampTZ:
		return parquet.Timestamp(parquet.Nanosecond), nil
	case result.TypeBinary:
		return parquet.Leaf(parquet.ByteArrayType), nil
	case result.TypeVariant, result.TypeObject, result.TypeArray:
		return parquet.JSON(), nil
	}
	return nil, fmt.Errorf("column %q: no parquet mapping for type %s", c.Name, c.Type)
}

func uniqueNames(cols []result.Column) []string {
	names := make([]string, len(cols))
	used := make(map[string]bool, len(cols))
	for i, c := range cols {
		base := c.Name
		if base == "" {
			base = "col" + strconv.Itoa(i+1)
		}
		name := base
		for k := 2; used[name]; k++ {
			name = base + "_" + strconv.Itoa(k)
		}
		used[name] = true
		names[i] = name
	}
	return names
}

// WriteParquet consumes rs and writes it to w as a single Parquet file. It
// returns the number of rows written.
func WriteParquet(w io.Writer, rs *result.ResultSet) (int64, error) {
	cols := rs.Columns()
	schema, index, err := ParquetSchema(cols)
	if err != nil {
		return 0, err
	}

	writer := parquet.NewWriter(w, schema)
	rows := rs.Rows()
	batch := make([]parquet.Row, 0, batchSize)
	var n int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := writer.WriteRows(batch); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		values := rows.Values()
		row := make(parquet.Row, len(cols))
		for i, c := range cols {
			v, err := parquetValue(c, values[i])
			if err != nil {
				return n, fmt.Errorf("row %d: %w", n+1, err)
			}
			if v.IsNull() {
				row[index[i]] = v.Level(0, 0, index[i])
			} else {
				row[index[i]] = v.Level(0, 1, index[i])
			}
		}
		batch = append(batch, row)
		n++
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	if err := flush(); err != nil {
		return n, err
	}
	if err := writer.Close(); err != nil {
		return n, fmt.Errorf("close parquet writer: %w", err)
	}
	return n, nil
}

func parquetValue(c result.Column, v any) (parquet.Value, error) {
	if v == nil {
		return parquet.NullValue(), nil
	}
	switch x := v.(type) {
	case int64:
		if c.Type == result.TypeFixed && (c.Scale != 0 || c.Precision > 18) {
			return parquet.ByteArrayValue([]byte(strconv.FormatInt(x, 10))), nil
		}
		return parquet.Int64Value(x), nil
	case *big.Rat:
		return parquet.ByteArrayValue([]byte(x.FloatString(int(c.Scale)))), nil
	case float64:
		return parquet.DoubleValue(x), nil
	case string:
		return parquet.ByteArrayValue([]byte(x)), nil
	case bool:
		return parquet.BooleanValue(x), nil
	case []byte:
		return parquet.ByteArrayValue(x), nil
	case json.RawMessage:
		return parquet.ByteArrayValue(x), nil
	case time.Time:
		switch c.Type {
		case result.TypeDate:
			days := x.Unix() / 86400
			if x.Unix() < 0 && x.Unix()%86400 != 0 {
				days--
			}
			return parquet.Int32Value(int32(days)), nil
		case result.TypeTime:
			midnight := time.Date(x.Year(), x.Month(), x.Day(), 0, 0, 0, 0, x.Location())
			return parquet.Int64Value(int64(x.Sub(midnight))), nil
		}
		return parquet.Int64Value(x.UnixNano()), nil
	}
	return parquet.Value{}, fmt.Errorf("column %q: cannot export %T", c.Name, v)
}
