package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// Type enumerates the supported transform families.
type Type string

const (
	Euclidean  Type = "euclidean"
	Similarity Type = "similarity"
	Affine     Type = "affine"
)

// ParseType validates a transform type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case Euclidean, Similarity, Affine:
		return Type(s), nil
	}
	return "", fmt.Errorf("unsupported transform type: %q", s)
}

// Point is a 2D coordinate in image pixel space (x = column, y = row).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Matrix is a 3x3 homogeneous transform in row-major order. The last
// row is always [0 0 1] for the transform families supported here.
type Matrix [9]float64

// Identity returns the identity transform.
func Identity() Matrix {
	return Matrix{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Apply maps a single point through m.
func (m Matrix) Apply(p Point) Point {
	return Point{
		X: m[0]*p.X + m[1]*p.Y + m[2],
		Y: m[3]*p.X + m[4]*p.Y + m[5],
	}
}

// ApplyAll maps every point through m.
func (m Matrix) ApplyAll(pts []Point) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = m.Apply(p)
	}
	return out
}

// Compose returns the transform equivalent to applying m first, then n.
func (m Matrix) Compose(n Matrix) Matrix {
	a := m.dense()
	b := n.dense()
	var c mat.Dense
	c.Mul(b, a)
	return fromDense(&c)
}

// Invert returns the inverse transform.
func (m Matrix) Invert() (Matrix, error) {
	var inv mat.Dense
	if err := inv.Inverse(m.dense()); err != nil {
		return Matrix{}, fmt.Errorf("invert transform: %w", err)
	}
	return fromDense(&inv), nil
}

// Det returns the determinant of the linear part.
func (m Matrix) Det() float64 {
	return m[0]*m[4] - m[1]*m[3]
}

// Scale returns the x and y scale factors of the linear part.
func (m Matrix) Scale() (sx, sy float64) {
	sx = math.Hypot(m[0], m[3])
	sy = math.Hypot(m[1], m[4])
	return sx, sy
}

// Rotation returns the rotation angle of the linear part in radians.
func (m Matrix) Rotation() float64 {
	return math.Atan2(m[3], m[0])
}

// Translation returns the translation components.
func (m Matrix) Translation() (tx, ty float64) {
	return m[2], m[5]
}

func (m Matrix) dense() *mat.Dense {
	return mat.NewDense(3, 3, m[:])
}

func fromDense(d *mat.Dense) Matrix {
	var m Matrix
	copy(m[:], d.RawMatrix().Data)
	return m
}

// File is the on-disk representation of a fitted transform.
type File struct {
	Type   Type   `json:"type"`
	Matrix Matrix `json:"matrix"`
}

// Save writes the transform as JSON, atomically.
func Save(path string, t Type, m Matrix) error {
	data, err := json.MarshalIndent(File{Type: t, Matrix: m}, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads a transform JSON written by Save.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse transform %s: %w", path, err)
	}
	if f.Type != "" {
		if _, err := ParseType(string(f.Type)); err != nil {
			return File{}, err
		}
	}
	return f, nil
}
