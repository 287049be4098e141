package session

import (
	"errors"
	"log/slog"
	"sync"

	"imgreg/internal/navigator"
	"imgreg/internal/points"
	"imgreg/internal/storage"
	"imgreg/internal/transform"
)

// ErrNoBatch is returned by manager operations before a batch is
// loaded.
var ErrNoBatch = errors.New("no batch loaded")

// Manager serializes access to the active editing session for
// concurrent API handlers. Every mutation saves the session's
// artifacts and notifies subscribers.
type Manager struct {
	mu sync.Mutex

	nav     *navigator.Navigator
	dirs    Dirs
	opts    Options
	current *Session

	store  *storage.Store
	logger *slog.Logger

	onChange func(State)
}

// NewManager returns a manager without a loaded batch.
func NewManager(store *storage.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// OnChange registers a callback invoked with the new state after every
// mutation. Must be set before the batch is loaded.
func (m *Manager) OnChange(fn func(State)) {
	m.onChange = fn
}

// State is a snapshot of the active session, safe to serialize.
type State struct {
	PairName   string             `json:"pair_name"`
	Source     string             `json:"source"`
	Target     string             `json:"target"`
	Index      int                `json:"index"`
	PairCount  int                `json:"pair_count"`
	Points     PointsState        `json:"points"`
	Fitted     bool               `json:"fitted"`
	Matrix     transform.Matrix   `json:"matrix,omitempty"`
	RMSE       float64            `json:"rmse"`
	Residuals  map[int64]float64  `json:"residuals,omitempty"`
	PointCount int                `json:"point_count"`
}

// PointsState carries both sides' control points.
type PointsState struct {
	Source []PointState `json:"source"`
	Target []PointState `json:"target"`
}

// PointState is one control point with its fit residual, when the
// point is matched and a transform is fitted.
type PointState struct {
	ID       int64    `json:"id"`
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Residual *float64 `json:"residual,omitempty"`
}

// LoadBatch matches nothing itself; it takes already matched pairs,
// positions on the first and opens its session.
func (m *Manager) LoadBatch(pairs []navigator.Pair, dirs Dirs, opts Options) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.TransformType == "" {
		opts.TransformType = transform.Similarity
	}
	nav, err := navigator.New(pairs)
	if err != nil {
		return State{}, err
	}
	m.nav = nav
	m.dirs = dirs
	m.opts = opts
	if err := m.openCurrentLocked(); err != nil {
		m.nav = nil
		m.current = nil
		return State{}, err
	}
	return m.notifyLocked(), nil
}

func (m *Manager) openCurrentLocked() error {
	pair := m.nav.Current()
	paths := navigator.ArtifactPaths(pair, m.dirs.ControlPoints, m.dirs.Transforms, m.dirs.Coords)
	s, err := Open(pair, paths, m.opts, m.logger)
	if err != nil {
		return err
	}
	m.current = s
	return nil
}

func (m *Manager) stateLocked() State {
	if m.current == nil {
		return State{}
	}
	s := m.current
	st := State{
		PairName:   s.Pair.Name(),
		Source:     s.Pair.Source,
		Target:     s.Pair.Target,
		Index:      m.nav.Index(),
		PairCount:  m.nav.Len(),
		RMSE:       s.RMSE(),
		Residuals:  s.Residuals(),
		PointCount: s.MatchedCount(),
	}
	if fitted, ok := s.Joint(); ok {
		st.Fitted = true
		st.Matrix = fitted
	}
	st.Points.Source = pointStates(s.Source.Sorted(), s.Residuals())
	st.Points.Target = pointStates(s.Target.Sorted(), s.Residuals())
	return st
}

func pointStates(pts []points.ControlPoint, residuals map[int64]float64) []PointState {
	out := make([]PointState, len(pts))
	for i, p := range pts {
		out[i] = PointState{ID: p.ID, X: p.X, Y: p.Y}
		if r, ok := residuals[p.ID]; ok {
			r := r
			out[i].Residual = &r
		}
	}
	return out
}

func (m *Manager) notifyLocked() State {
	st := m.stateLocked()
	if m.onChange != nil {
		m.onChange(st)
	}
	return st
}

// State returns a snapshot of the active session.
func (m *Manager) State() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return State{}, ErrNoBatch
	}
	return m.stateLocked(), nil
}

// Next saves the active session and moves to the following pair,
// wrapping around at the end.
func (m *Manager) Next() (State, error) {
	return m.step(func() { m.nav.Next() })
}

// Prev saves the active session and moves to the preceding pair,
// wrapping around at the start.
func (m *Manager) Prev() (State, error) {
	return m.step(func() { m.nav.Prev() })
}

func (m *Manager) step(move func()) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return State{}, ErrNoBatch
	}
	if err := m.current.Save(); err != nil {
		return State{}, err
	}
	move()
	if err := m.openCurrentLocked(); err != nil {
		return State{}, err
	}
	return m.notifyLocked(), nil
}

// AddPoint adds a control point to the active session and persists the
// change.
func (m *Manager) AddPoint(side Side, x, y float64) (State, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return State{}, 0, ErrNoBatch
	}
	id, err := m.current.AddPoint(side, x, y)
	if err != nil {
		return State{}, 0, err
	}
	if err := m.saveAndRecordLocked(); err != nil {
		return State{}, 0, err
	}
	return m.notifyLocked(), id, nil
}

// SetPoint places or replaces a point under a given ID and persists
// the change.
func (m *Manager) SetPoint(side Side, id int64, x, y float64) (State, error) {
	return m.mutate(func(s *Session) error { return s.SetPoint(side, id, x, y) })
}

// MovePoint moves a control point and persists the change.
func (m *Manager) MovePoint(side Side, id int64, x, y float64) (State, error) {
	return m.mutate(func(s *Session) error { return s.MovePoint(side, id, x, y) })
}

// DeletePoint removes a control point and persists the change.
func (m *Manager) DeletePoint(side Side, id int64) (State, error) {
	return m.mutate(func(s *Session) error { return s.DeletePoint(side, id) })
}

// ReloadCurrent re-reads the active pair's control points from disk
// after an external edit, refits, and rewrites the derived artifacts.
// The control point CSV itself is left alone so the external editor's
// write is not echoed back.
func (m *Manager) ReloadCurrent() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return State{}, ErrNoBatch
	}
	if err := m.current.Reload(); err != nil {
		return State{}, err
	}
	if err := m.current.SaveDerived(); err != nil {
		return State{}, err
	}
	m.recordFitLocked()
	return m.notifyLocked(), nil
}

// CurrentControlPointsPath returns the control point artifact of the
// active pair, for watchers.
func (m *Manager) CurrentControlPointsPath() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", ErrNoBatch
	}
	return m.current.Paths.ControlPoints, nil
}

func (m *Manager) mutate(fn func(*Session) error) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return State{}, ErrNoBatch
	}
	if err := fn(m.current); err != nil {
		return State{}, err
	}
	if err := m.saveAndRecordLocked(); err != nil {
		return State{}, err
	}
	return m.notifyLocked(), nil
}

func (m *Manager) saveAndRecordLocked() error {
	if err := m.current.Save(); err != nil {
		return err
	}
	m.recordFitLocked()
	return nil
}

func (m *Manager) recordFitLocked() {
	fitted, ok := m.current.Fitted()
	if !ok || m.store == nil {
		return
	}
	err := m.store.RecordFit(storage.FitRecord{
		PairName:      m.current.Pair.Name(),
		SourcePath:    m.current.Pair.Source,
		TargetPath:    m.current.Pair.Target,
		TransformType: string(m.opts.TransformType),
		PointCount:    m.current.MatchedCount(),
		RMSE:          m.current.RMSE(),
		Matrix:        fitted,
	})
	if err != nil {
		m.logger.Warn("failed to record fit", "pair", m.current.Pair.Name(), "error", err)
	}
}
