package points

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"imgreg/internal/transform"
)

// ControlPoint is a single landmark placed on one image.
type ControlPoint struct {
	ID int64   `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Set holds the control points of one side (source or target image),
// keyed by point ID.
type Set map[int64]ControlPoint

// Add inserts or replaces a point.
func (s Set) Add(p ControlPoint) {
	s[p.ID] = p
}

// Delete removes a point by ID.
func (s Set) Delete(id int64) {
	delete(s, id)
}

// NextID returns the smallest ID greater than every existing one,
// starting at 1.
func (s Set) NextID() int64 {
	var max int64
	for id := range s {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// Sorted returns the points ordered by ID.
func (s Set) Sorted() []ControlPoint {
	out := make([]ControlPoint, 0, len(s))
	for _, p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pair is a matched source/target control point sharing one ID.
type Pair struct {
	ID     int64
	Source transform.Point
	Target transform.Point
}

// Match inner-joins two sets on shared IDs, ordered by ID. Points
// present on only one side are excluded.
func Match(source, target Set) []Pair {
	var pairs []Pair
	for id, sp := range source {
		tp, ok := target[id]
		if !ok {
			continue
		}
		pairs = append(pairs, Pair{
			ID:     id,
			Source: transform.Point{X: sp.X, Y: sp.Y},
			Target: transform.Point{X: tp.X, Y: tp.Y},
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID < pairs[j].ID })
	return pairs
}

// Split separates matched pairs back into aligned coordinate slices.
func Split(pairs []Pair) (src, dst []transform.Point) {
	src = make([]transform.Point, len(pairs))
	dst = make([]transform.Point, len(pairs))
	for i, p := range pairs {
		src[i] = p.Source
		dst[i] = p.Target
	}
	return src, dst
}

var matchedHeader = []string{"id", "x_source", "y_source", "x_target", "y_target"}

// WriteMatched writes both sides to a single CSV keyed by ID, the
// layout external annotation tools read and edit. Points missing a
// counterpart are still written with empty cells on the absent side so
// no annotation is lost across a save/load cycle.
func WriteMatched(path string, source, target Set) error {
	ids := map[int64]struct{}{}
	for id := range source {
		ids[id] = struct{}{}
	}
	for id := range target {
		ids[id] = struct{}{}
	}
	ordered := make([]int64, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(matchedHeader); err != nil {
		f.Close()
		return err
	}
	for _, id := range ordered {
		row := []string{strconv.FormatInt(id, 10), "", "", "", ""}
		if p, ok := source[id]; ok {
			row[1] = formatCoord(p.X)
			row[2] = formatCoord(p.Y)
		}
		if p, ok := target[id]; ok {
			row[3] = formatCoord(p.X)
			row[4] = formatCoord(p.Y)
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadMatched parses a CSV written by WriteMatched back into the two
// per-side sets.
func ReadMatched(path string) (source, target Set, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse control points %s: %w", path, err)
	}
	source = Set{}
	target = Set{}
	if len(records) == 0 {
		return source, target, nil
	}
	cols, err := matchedColumns(records[0])
	if err != nil {
		return nil, nil, fmt.Errorf("control points %s: %w", path, err)
	}
	for i, rec := range records[1:] {
		id, err := strconv.ParseInt(rec[cols.id], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("control points %s row %d: bad id %q", path, i+2, rec[cols.id])
		}
		if err := parseSide(rec, cols.xs, cols.ys, id, source); err != nil {
			return nil, nil, fmt.Errorf("control points %s row %d: %w", path, i+2, err)
		}
		if err := parseSide(rec, cols.xt, cols.yt, id, target); err != nil {
			return nil, nil, fmt.Errorf("control points %s row %d: %w", path, i+2, err)
		}
	}
	return source, target, nil
}

type matchedCols struct {
	id, xs, ys, xt, yt int
}

func matchedColumns(header []string) (matchedCols, error) {
	idx := map[string]int{}
	for i, name := range header {
		idx[name] = i
	}
	cols := matchedCols{id: -1, xs: -1, ys: -1, xt: -1, yt: -1}
	lookup := []struct {
		name string
		dst  *int
	}{
		{"id", &cols.id},
		{"x_source", &cols.xs},
		{"y_source", &cols.ys},
		{"x_target", &cols.xt},
		{"y_target", &cols.yt},
	}
	for _, l := range lookup {
		i, ok := idx[l.name]
		if !ok {
			return cols, fmt.Errorf("missing column %q", l.name)
		}
		*l.dst = i
	}
	return cols, nil
}

func parseSide(rec []string, xCol, yCol int, id int64, dst Set) error {
	if xCol >= len(rec) || yCol >= len(rec) {
		return fmt.Errorf("short row")
	}
	xs, ys := rec[xCol], rec[yCol]
	if xs == "" && ys == "" {
		return nil
	}
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return fmt.Errorf("bad x value %q", xs)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return fmt.Errorf("bad y value %q", ys)
	}
	dst[id] = ControlPoint{ID: id, X: x, Y: y}
	return nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
