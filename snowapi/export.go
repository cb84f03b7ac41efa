package snowapi

import (
	"io"

	"github.com/vjain20/snowquery/internal/export"
)

// WriteParquet consumes rs and writes it to w as a Parquet file, returning
// the number of rows written.
func WriteParquet(w io.Writer, rs *ResultSet) (int64, error) {
	return export.WriteParquet(w, rs)
}
