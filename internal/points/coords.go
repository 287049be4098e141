package points

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"imgreg/internal/transform"
)

// Table is a coordinate CSV: arbitrary columns, of which one x and one
// y column carry pixel coordinates. All other cells pass through a
// warp untouched.
type Table struct {
	Header []string
	Rows   [][]string

	xCol int
	yCol int
}

// coordinate column names accepted, checked case-insensitively in
// order of preference.
var xNames = []string{"x", "x_source", "pos_x", "centroid-x"}
var yNames = []string{"y", "y_source", "pos_y", "centroid-y"}

// ReadTable loads a coordinate CSV and locates its x/y columns.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse coordinates %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("coordinates %s: empty file", path)
	}
	t := &Table{Header: records[0], Rows: records[1:]}
	t.xCol, err = findColumn(t.Header, xNames)
	if err != nil {
		return nil, fmt.Errorf("coordinates %s: %w", path, err)
	}
	t.yCol, err = findColumn(t.Header, yNames)
	if err != nil {
		return nil, fmt.Errorf("coordinates %s: %w", path, err)
	}
	return t, nil
}

func findColumn(header []string, names []string) (int, error) {
	for _, name := range names {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i, nil
			}
		}
	}
	return -1, fmt.Errorf("no column named %s", strings.Join(names, ", "))
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Point parses the coordinates of row i.
func (t *Table) Point(i int) (transform.Point, error) {
	row := t.Rows[i]
	if t.xCol >= len(row) || t.yCol >= len(row) {
		return transform.Point{}, fmt.Errorf("row %d: too few cells", i+2)
	}
	x, err := strconv.ParseFloat(row[t.xCol], 64)
	if err != nil {
		return transform.Point{}, fmt.Errorf("row %d: bad x value %q", i+2, row[t.xCol])
	}
	y, err := strconv.ParseFloat(row[t.yCol], 64)
	if err != nil {
		return transform.Point{}, fmt.Errorf("row %d: bad y value %q", i+2, row[t.yCol])
	}
	return transform.Point{X: x, Y: y}, nil
}

// Warp maps every row's coordinates through m in place. Cells outside
// the x/y columns are left exactly as read.
func (t *Table) Warp(m transform.Matrix) error {
	for i := range t.Rows {
		p, err := t.Point(i)
		if err != nil {
			return err
		}
		q := m.Apply(p)
		t.Rows[i][t.xCol] = formatCoord(q.X)
		t.Rows[i][t.yCol] = formatCoord(q.Y)
	}
	return nil
}

// Write saves the table as CSV, atomically.
func (t *Table) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(t.Header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
