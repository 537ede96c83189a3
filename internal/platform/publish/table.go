// Package publish makes the tables of one warehouse run visible to readers
// all at once: as Parquet artifacts, in PostgreSQL, or in SQLite.
package publish

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// ColumnType is the storage-neutral type of a column.
type ColumnType int

const (
	TypeInt ColumnType = iota
	TypeFloat
	TypeText
	TypeBool
	TypeDate
	TypeTimestamp
)

func (t ColumnType) String() string {
	return [...]string{"int", "float", "text", "bool", "date", "timestamp"}[t]
}

type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"-"`
	TypeName string     `json:"type"`
	Nullable bool       `json:"nullable"`
}

// Table is one named, immutable row set. Rows are held both as the typed
// Parquet structs and as flattened values for SQL and JSON readers.
type Table struct {
	Name    string
	Columns []Column
	values  [][]any
	write   func(io.Writer) error
}

var timeType = reflect.TypeOf(time.Time{})

// NewTable builds a table from flat structs whose exported fields carry
// parquet tags. Supported field types are ints, float64, string, bool and
// time.Time, or pointers to them for nullable columns.
func NewTable[T any](name string, rows []T) (*Table, error) {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("table %s: row type %s is not a struct", name, rt)
	}

	var cols []Column
	var fields []int
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("parquet")
		if !f.IsExported() || tag == "" || tag == "-" {
			continue
		}
		col, err := columnOf(f, tag)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		cols = append(cols, col)
		fields = append(fields, i)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s: row type %s has no parquet columns", name, rt)
	}

	values := make([][]any, len(rows))
	for r := range rows {
		rv := reflect.ValueOf(rows[r])
		vals := make([]any, len(fields))
		for c, fi := range fields {
			fv := rv.Field(fi)
			if fv.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				fv = fv.Elem()
			}
			vals[c] = fv.Interface()
		}
		values[r] = vals
	}

	return &Table{
		Name:    name,
		Columns: cols,
		values:  values,
		write: func(w io.Writer) error {
			pw := parquet.NewGenericWriter[T](w,
				parquet.Compression(&zstd.Codec{Level: zstd.SpeedDefault}),
				parquet.PageBufferSize(8*1024),
				parquet.DataPageStatistics(true),
				parquet.CreatedBy("hospitalwh", "1.0", ""),
			)
			if _, err := pw.Write(rows); err != nil {
				return fmt.Errorf("write parquet rows: %w", err)
			}
			if err := pw.Close(); err != nil {
				return fmt.Errorf("close parquet writer: %w", err)
			}
			return nil
		},
	}, nil
}

func columnOf(f reflect.StructField, tag string) (Column, error) {
	parts := strings.Split(tag, ",")
	col := Column{Name: parts[0]}
	if col.Name == "" {
		col.Name = strings.ToLower(f.Name)
	}

	ft := f.Type
	if ft.Kind() == reflect.Pointer {
		col.Nullable = true
		ft = ft.Elem()
	}

	var dateTag, tsTag bool
	for _, opt := range parts[1:] {
		switch {
		case opt == "date":
			dateTag = true
		case strings.HasPrefix(opt, "timestamp"):
			tsTag = true
		}
	}

	switch {
	case ft == timeType && dateTag:
		col.Type = TypeDate
	case ft == timeType && tsTag:
		col.Type = TypeTimestamp
	case ft == timeType:
		return col, fmt.Errorf("column %s: time.Time needs a date or timestamp tag", col.Name)
	default:
		switch ft.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
			col.Type = TypeInt
		case reflect.Float64:
			col.Type = TypeFloat
		case reflect.String:
			col.Type = TypeText
		case reflect.Bool:
			col.Type = TypeBool
		default:
			return col, fmt.Errorf("column %s: unsupported type %s", col.Name, f.Type)
		}
	}
	col.TypeName = col.Type.String()
	return col, nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.values) }

// ColumnNames returns the column names in order.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Values returns the flattened rows. Null columns hold nil. Callers must not
// modify the result.
func (t *Table) Values() [][]any { return t.values }

// Records renders rows [offset, offset+limit) as column-keyed maps. Dates
// render as YYYY-MM-DD.
func (t *Table) Records(offset, limit int) []map[string]any {
	if offset < 0 {
		offset = 0
	}
	if offset > len(t.values) {
		offset = len(t.values)
	}
	end := len(t.values)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]map[string]any, 0, end-offset)
	for _, row := range t.values[offset:end] {
		rec := make(map[string]any, len(t.Columns))
		for i, c := range t.Columns {
			v := row[i]
			if ts, ok := v.(time.Time); ok && c.Type == TypeDate {
				v = ts.Format("2006-01-02")
			}
			rec[c.Name] = v
		}
		out = append(out, rec)
	}
	return out
}

// WriteParquet encodes the table as one zstd-compressed Parquet file.
func (t *Table) WriteParquet(w io.Writer) error { return t.write(w) }
