package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjain20/snowquery/internal/result"
)

func sampleColumns() []result.Column {
	return []result.Column{
		{Name: "ID", Type: result.TypeFixed, Precision: 18},
		{Name: "PRICE", Type: result.TypeFixed, Precision: 10, Scale: 2},
		{Name: "NAME", Type: result.TypeText, Nullable: true},
		{Name: "OK", Type: result.TypeBoolean},
		{Name: "SCORE", Type: result.TypeReal},
		{Name: "DAY", Type: result.TypeDate},
		{Name: "AT", Type: result.TypeTimestampNTZ},
		{Name: "RAW", Type: result.TypeBinary},
		{Name: "DOC", Type: result.TypeVariant},
		{Name: "NAME", Type: result.TypeText},
	}
}

func TestWriteParquet(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	day := time.Date(1970, 1, 11, 0, 0, 0, 0, time.UTC)
	rows := [][]any{
		{int64(1), big.NewRat(1999, 100), "widget", true, 0.5, day, at, []byte{1, 2}, json.RawMessage(`{"a":1}`), "x"},
		{int64(2), big.NewRat(5, 1), nil, false, 1.25, day, at, []byte{}, json.RawMessage(`[]`), "y"},
	}
	rs := result.NewResultSet("q1", sampleColumns(), rows)

	var buf bytes.Buffer
	n, err := WriteParquet(&buf, rs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	f, err := parquet.OpenFile(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.NumRows())

	schema, index, err := ParquetSchema(sampleColumns())
	require.NoError(t, err)
	var names []string
	for _, path := range schema.Columns() {
		names = append(names, path[0])
	}
	assert.ElementsMatch(t, []string{"ID", "PRICE", "NAME", "OK", "SCORE", "DAY", "AT", "RAW", "DOC", "NAME_2"}, names)

	got := make([]parquet.Row, 4)
	reader := f.RowGroups()[0].Rows()
	defer reader.Close()
	read, err := reader.ReadRows(got)
	if err != nil && !errors.Is(err, io.EOF) {
		require.NoError(t, err)
	}
	require.Equal(t, 2, read)

	first := got[0]
	assert.Equal(t, int64(1), first[index[0]].Int64())
	assert.Equal(t, "19.99", string(first[index[1]].ByteArray()))
	assert.Equal(t, "widget", string(first[index[2]].ByteArray()))
	assert.True(t, first[index[3]].Boolean())
	assert.Equal(t, 0.5, first[index[4]].Double())
	assert.Equal(t, int32(10), first[index[5]].Int32())
	assert.Equal(t, at.UnixNano(), first[index[6]].Int64())
	assert.Equal(t, []byte{1, 2}, first[index[7]].ByteArray())
	assert.Equal(t, `{"a":1}`, string(first[index[8]].ByteArray()))
	assert.Equal(t, "x", string(first[index[9]].ByteArray()))

	second := got[1]
	assert.True(t, second[index[2]].IsNull())
	assert.Equal(t, "5.00", string(second[index[1]].ByteArray()))
	assert.Equal(t, "y", string(second[index[9]].ByteArray()))
}

func TestWriteParquetRejectsConsumedResult(t *testing.T) {
	rs := result.NewResultSet("q1", sampleColumns()[:1], [][]any{{int64(1)}})
	rows := rs.Rows()
	for rows.Next() {
	}
	_, err := WriteParquet(io.Discard, rs)
	require.ErrorIs(t, err, result.ErrConsumed)
}

func TestWriteParquetValueMismatch(t *testing.T) {
	cols := []result.Column{{Name: "ID", Type: result.TypeFixed}}
	rs := result.NewResultSet("q1", cols, [][]any{{struct{}{}}})
	_, err := WriteParquet(io.Discard, rs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 1")
}

func TestParquetSchemaUnknownType(t *testing.T) {
	_, _, err := ParquetSchema([]result.Column{{Name: "G", Type: "GEOGRAPHY"}})
	require.Error(t, err)
}

func TestUniqueNames(t *testing.T) {
	got := uniqueNames([]result.Column{{Name: "A"}, {Name: "A"}, {Name: ""}, {Name: "A_2"}})
	assert.Equal(t, []string{"A", "A_2", "col3", "A_2_2"}, got)
}
