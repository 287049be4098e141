package session

import (
	"log/slog"

	"imgreg/internal/navigator"
	"imgreg/internal/storage"
)

// PairReport summarizes the fit outcome of one pair in a batch run.
type PairReport struct {
	Name       string  `json:"name"`
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Fitted     bool    `json:"fitted"`
	PointCount int     `json:"point_count"`
	RMSE       float64 `json:"rmse"`
	Error      string  `json:"error,omitempty"`
}

// Dirs groups the batch output directories.
type Dirs struct {
	ControlPoints string
	Transforms    string
	Coords        string
}

// RunBatch opens a session for every pair, saves the artifacts of each
// pair that has enough matched points, and reports per-pair outcomes.
// Pairs without a fit are reported but not treated as failures. A fit
// is also recorded in the store when one is provided.
func RunBatch(pairs []navigator.Pair, dirs Dirs, opts Options, store *storage.Store, logger *slog.Logger) []PairReport {
	if logger == nil {
		logger = slog.Default()
	}
	reports := make([]PairReport, 0, len(pairs))
	for _, pair := range pairs {
		report := PairReport{
			Name:   pair.Name(),
			Source: pair.Source,
			Target: pair.Target,
		}
		paths := navigator.ArtifactPaths(pair, dirs.ControlPoints, dirs.Transforms, dirs.Coords)

		s, err := Open(pair, paths, opts, logger)
		if err != nil {
			report.Error = err.Error()
			reports = append(reports, report)
			continue
		}
		report.PointCount = s.MatchedCount()

		if _, ok := s.Fitted(); !ok {
			logger.Info("pair skipped, not enough matched points",
				"pair", report.Name,
				"point_count", report.PointCount)
			reports = append(reports, report)
			continue
		}

		if err := s.Save(); err != nil {
			report.Error = err.Error()
			reports = append(reports, report)
			continue
		}
		report.Fitted = true
		report.RMSE = s.RMSE()

		if store != nil {
			m, _ := s.Fitted()
			err := store.RecordFit(storage.FitRecord{
				PairName:      report.Name,
				SourcePath:    pair.Source,
				TargetPath:    pair.Target,
				TransformType: string(opts.TransformType),
				PointCount:    report.PointCount,
				RMSE:          report.RMSE,
				Matrix:        m,
			})
			if err != nil {
				logger.Warn("failed to record fit", "pair", report.Name, "error", err)
			}
		}
		reports = append(reports, report)
	}
	return reports
}
