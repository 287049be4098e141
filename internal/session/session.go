// Package session holds the mutable state of registering one image
// pair: its control points, the fitted transform, and the artifacts
// written back to disk.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"imgreg/internal/fsutil"
	"imgreg/internal/navigator"
	"imgreg/internal/points"
	"imgreg/internal/transform"
)

// Side selects which image of a pair a control point belongs to.
type Side string

const (
	SourceSide Side = "source"
	TargetSide Side = "target"
)

// ParseSide validates a side string.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SourceSide, TargetSide:
		return Side(s), nil
	}
	return "", fmt.Errorf("unknown side: %q", s)
}

// Options configure fitting for a session.
type Options struct {
	TransformType transform.Type

	// Pre is applied to source coordinates before the fitted
	// transform, Post after it. Either may be nil.
	Pre  *transform.Matrix
	Post *transform.Matrix
}

// Session is the in-memory registration state of one image pair.
type Session struct {
	Pair  navigator.Pair
	Paths navigator.Paths

	Source points.Set
	Target points.Set

	opts      Options
	fitted    *transform.Matrix
	residuals map[int64]float64
	rmse      float64

	logger *slog.Logger
}

// Open loads the pair's control point artifact if it exists and fits a
// transform from whatever matched points it holds.
func Open(pair navigator.Pair, paths navigator.Paths, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.TransformType == "" {
		opts.TransformType = transform.Similarity
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		Pair:   pair,
		Paths:  paths,
		Source: points.Set{},
		Target: points.Set{},
		opts:   opts,
		logger: logger,
	}
	if fsutil.FirstExisting(paths.ControlPoints) != "" {
		source, target, err := points.ReadMatched(paths.ControlPoints)
		if err != nil {
			return nil, err
		}
		s.Source = source
		s.Target = target
	}
	s.refit()
	return s, nil
}

// Reload re-reads the control point artifact from disk, replacing all
// in-memory points. Used when an external editor rewrote the file.
func (s *Session) Reload() error {
	if fsutil.FirstExisting(s.Paths.ControlPoints) == "" {
		s.Source = points.Set{}
		s.Target = points.Set{}
		s.refit()
		return nil
	}
	source, target, err := points.ReadMatched(s.Paths.ControlPoints)
	if err != nil {
		return err
	}
	s.Source = source
	s.Target = target
	s.refit()
	return nil
}

func (s *Session) side(side Side) (points.Set, error) {
	switch side {
	case SourceSide:
		return s.Source, nil
	case TargetSide:
		return s.Target, nil
	}
	return nil, fmt.Errorf("unknown side: %q", side)
}

// AddPoint places a new point on one side and returns its ID. IDs are
// shared across sides so a new point pairs with an existing
// counterpart of the same ID once both are placed.
func (s *Session) AddPoint(side Side, x, y float64) (int64, error) {
	set, err := s.side(side)
	if err != nil {
		return 0, err
	}
	id := s.Source.NextID()
	if tid := s.Target.NextID(); tid > id {
		id = tid
	}
	set.Add(points.ControlPoint{ID: id, X: x, Y: y})
	s.refit()
	return id, nil
}

// SetPoint places or replaces a point under a caller-chosen ID. Used
// to put the counterpart of an existing point on the other side.
func (s *Session) SetPoint(side Side, id int64, x, y float64) error {
	set, err := s.side(side)
	if err != nil {
		return err
	}
	if id <= 0 {
		return fmt.Errorf("point id must be positive, got %d", id)
	}
	set.Add(points.ControlPoint{ID: id, X: x, Y: y})
	s.refit()
	return nil
}

// MovePoint updates the coordinates of an existing point.
func (s *Session) MovePoint(side Side, id int64, x, y float64) error {
	set, err := s.side(side)
	if err != nil {
		return err
	}
	if _, ok := set[id]; !ok {
		return fmt.Errorf("no point with id %d on %s side", id, side)
	}
	set.Add(points.ControlPoint{ID: id, X: x, Y: y})
	s.refit()
	return nil
}

// DeletePoint removes a point from one side.
func (s *Session) DeletePoint(side Side, id int64) error {
	set, err := s.side(side)
	if err != nil {
		return err
	}
	if _, ok := set[id]; !ok {
		return fmt.Errorf("no point with id %d on %s side", id, side)
	}
	set.Delete(id)
	s.refit()
	return nil
}

// refit recomputes the transform from the currently matched points.
// With fewer than the minimum pair count the fit is cleared rather
// than kept stale.
func (s *Session) refit() {
	s.fitted = nil
	s.residuals = nil
	s.rmse = 0

	pairs := points.Match(s.Source, s.Target)
	if len(pairs) < transform.MinPoints {
		return
	}
	src, dst := points.Split(pairs)
	m, err := transform.Estimate(s.opts.TransformType, src, dst)
	if err != nil {
		s.logger.Warn("transform fit failed",
			"pair", s.Pair.Name(),
			"point_count", len(pairs),
			"error", err)
		return
	}
	res := transform.Residuals(m, src, dst)
	s.fitted = &m
	s.residuals = make(map[int64]float64, len(pairs))
	for i, p := range pairs {
		s.residuals[p.ID] = res[i]
	}
	s.rmse = transform.RMSE(res)
}

// Fitted returns the transform fit from the matched control points, or
// false when too few points are matched.
func (s *Session) Fitted() (transform.Matrix, bool) {
	if s.fitted == nil {
		return transform.Matrix{}, false
	}
	return *s.fitted, true
}

// Joint returns the full source-to-target transform with the optional
// pre and post transforms composed around the fitted one.
func (s *Session) Joint() (transform.Matrix, bool) {
	m, ok := s.Fitted()
	if !ok {
		return transform.Matrix{}, false
	}
	if s.opts.Pre != nil {
		m = s.opts.Pre.Compose(m)
	}
	if s.opts.Post != nil {
		m = m.Compose(*s.opts.Post)
	}
	return m, true
}

// Residuals returns the per-point fit error keyed by point ID.
func (s *Session) Residuals() map[int64]float64 {
	return s.residuals
}

// RMSE returns the root-mean-square fit error, 0 without a fit.
func (s *Session) RMSE() float64 {
	return s.rmse
}

// MatchedCount returns how many point pairs share an ID across sides.
func (s *Session) MatchedCount() int {
	return len(points.Match(s.Source, s.Target))
}

// ErrNoTransform is returned when an operation needs a fitted
// transform but too few points are matched.
var ErrNoTransform = errors.New("no transform fitted")

// Save writes all artifacts: the control point CSV, the joint
// transform JSON, and, when the pair carries a coordinate file, the
// warped coordinates. Without a fit only the control points are
// written and any stale derived artifacts are removed.
func (s *Session) Save() error {
	if err := points.WriteMatched(s.Paths.ControlPoints, s.Source, s.Target); err != nil {
		return fmt.Errorf("save control points: %w", err)
	}
	return s.SaveDerived()
}

// SaveDerived rewrites the artifacts computed from the control points,
// the transform JSON and warped coordinates, without touching the
// control point CSV itself. Used after the CSV was rewritten by an
// external editor, so the reload does not echo the file back.
func (s *Session) SaveDerived() error {
	joint, ok := s.Joint()
	if !ok {
		if err := removeIfExists(s.Paths.Transform); err != nil {
			return fmt.Errorf("remove stale transform: %w", err)
		}
		if s.Paths.Coords != "" {
			if err := removeIfExists(s.Paths.Coords); err != nil {
				return fmt.Errorf("remove stale coordinates: %w", err)
			}
		}
		return nil
	}
	if err := transform.Save(s.Paths.Transform, s.opts.TransformType, joint); err != nil {
		return fmt.Errorf("save transform: %w", err)
	}

	if s.Pair.Coords != "" && s.Paths.Coords != "" {
		if err := warpCoords(s.Pair.Coords, s.Paths.Coords, joint); err != nil {
			return err
		}
	}

	s.logger.Info("session saved",
		"pair", s.Pair.Name(),
		"point_count", s.MatchedCount(),
		"rmse", s.rmse)
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func warpCoords(inPath, outPath string, m transform.Matrix) error {
	tab, err := points.ReadTable(inPath)
	if err != nil {
		return fmt.Errorf("warp coordinates: %w", err)
	}
	if err := tab.Warp(m); err != nil {
		return fmt.Errorf("warp coordinates %s: %w", inPath, err)
	}
	if err := tab.Write(outPath); err != nil {
		return fmt.Errorf("warp coordinates: %w", err)
	}
	return nil
}
