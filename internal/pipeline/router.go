package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"imgreg/internal/config"
	"imgreg/internal/fsutil"
	"imgreg/internal/logging"
	"imgreg/internal/navigator"
	"imgreg/internal/points"
	"imgreg/internal/session"
	"imgreg/internal/storage"
	"imgreg/internal/transform"
	"imgreg/internal/warp"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log    *slog.Logger
	store  *storage.Store
	regCfg *config.Registration
	warpFn func(ctx context.Context, req warp.Request) (warp.Result, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, regCfg *config.Registration) Processor {
	if regCfg == nil {
		regCfg = &config.Registration{}
	}
	return &router{
		log:    logger,
		store:  store,
		regCfg: regCfg,
		warpFn: warp.Image,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobFit:
		return r.handleFit(ctx, job)
	case JobBatch:
		return r.handleBatch(ctx, job)
	case JobWarp:
		return r.handleWarp(ctx, job)
	case JobCoords:
		return r.handleCoords(ctx, job)
	case JobMatch:
		return r.handleMatch(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// transformOptions resolves the transform family and optional pre/post
// transforms shared by the fit-style handlers.
func (r *router) transformOptions(options map[string]any) (transform.Type, *transform.Matrix, *transform.Matrix, error) {
	typeStr := getStringOption(options, "type")
	if typeStr == "" {
		typeStr = r.regCfg.TransformType
	}
	if typeStr == "" {
		typeStr = string(transform.Similarity)
	}
	typ, err := transform.ParseType(typeStr)
	if err != nil {
		return "", nil, nil, err
	}

	loadOptional := func(key, cfgPath string) (*transform.Matrix, error) {
		path := getStringOption(options, key)
		if path == "" {
			path = cfgPath
		}
		if path == "" {
			return nil, nil
		}
		f, err := transform.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load %s transform: %w", key, err)
		}
		m := f.Matrix
		return &m, nil
	}
	pre, err := loadOptional("pre", r.regCfg.PreTransformPath)
	if err != nil {
		return "", nil, nil, err
	}
	post, err := loadOptional("post", r.regCfg.PostTransformPath)
	if err != nil {
		return "", nil, nil, err
	}
	return typ, pre, post, nil
}

// handleFit fits a transform from one control point CSV and writes the
// transform artifact.
func (r *router) handleFit(ctx context.Context, job Job) Result {
	typ, pre, post, err := r.transformOptions(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	source, target, err := points.ReadMatched(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	pairs := points.Match(source, target)
	src, dst := points.Split(pairs)

	m, err := transform.Estimate(typ, src, dst)
	if err != nil {
		return Result{Job: job, Error: err, Meta: map[string]any{"point_count": len(pairs)}}
	}
	rmse := transform.RMSE(transform.Residuals(m, src, dst))

	joint := m
	if pre != nil {
		joint = pre.Compose(joint)
	}
	if post != nil {
		joint = joint.Compose(*post)
	}
	if err := transform.Save(job.Output, typ, joint); err != nil {
		return Result{Job: job, Error: err}
	}

	pairName := fsutil.Stem(job.Output)
	logging.LogFitResult(r.log, pairName, string(typ), len(pairs), rmse)
	if r.store != nil {
		_ = r.store.RecordFit(storage.FitRecord{
			PairName:      pairName,
			SourcePath:    job.InputPath,
			TargetPath:    job.Output,
			TransformType: string(typ),
			PointCount:    len(pairs),
			RMSE:          rmse,
			Matrix:        m,
		})
	}

	meta := map[string]any{
		"transform_type": string(typ),
		"point_count":    len(pairs),
		"rmse":           rmse,
		"output":         job.Output,
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

// handleBatch matches two image directories and fits every pair that
// has a control point artifact with enough matched points.
func (r *router) handleBatch(ctx context.Context, job Job) Result {
	pairs, setID, err := r.matchFromOptions(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	typ, pre, post, err := r.transformOptions(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	dirs := session.Dirs{
		ControlPoints: getStringOption(job.Options, "controlDir"),
		Transforms:    job.Output,
		Coords:        getStringOption(job.Options, "outCoordsDir"),
	}
	if dirs.ControlPoints == "" {
		return Result{Job: job, Error: fmt.Errorf("batch job needs a control point directory")}
	}

	reports := session.RunBatch(pairs, dirs, session.Options{
		TransformType: typ,
		Pre:           pre,
		Post:          post,
	}, r.store, r.log)

	fitted := 0
	for _, rep := range reports {
		if rep.Fitted {
			fitted++
		}
	}
	meta := map[string]any{
		"pair_set_id": setID,
		"pair_count":  len(pairs),
		"fitted":      fitted,
		"reports":     reports,
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

// handleWarp resamples an image through a fitted transform.
func (r *router) handleWarp(ctx context.Context, job Job) Result {
	tfPath := getStringOption(job.Options, "transform")
	if tfPath == "" {
		return Result{Job: job, Error: fmt.Errorf("warp job needs a transform path")}
	}
	f, err := transform.Load(tfPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	width := getIntOption(job.Options, "width")
	height := getIntOption(job.Options, "height")
	if targetPath := getStringOption(job.Options, "target"); targetPath != "" && (width == 0 || height == 0) {
		w, h, err := fsutil.ImageSize(targetPath)
		if err != nil {
			// Microscopy formats the standard decoders reject are
			// probed through ImageMagick instead.
			w, h, err = warp.Size(targetPath)
		}
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("probe target size: %w", err)}
		}
		width, height = w, h
	}

	res, err := r.warpFn(ctx, warp.Request{
		Input:      job.InputPath,
		Output:     job.Output,
		Matrix:     f.Matrix,
		Width:      width,
		Height:     height,
		Background: getStringOption(job.Options, "background"),
	})
	meta := map[string]any{
		"output": res.Output,
		"width":  res.Width,
		"height": res.Height,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// handleCoords warps the coordinate columns of a CSV through a fitted
// transform, leaving all other columns untouched.
func (r *router) handleCoords(ctx context.Context, job Job) Result {
	tfPath := getStringOption(job.Options, "transform")
	if tfPath == "" {
		return Result{Job: job, Error: fmt.Errorf("coords job needs a transform path")}
	}
	f, err := transform.Load(tfPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	tab, err := points.ReadTable(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := tab.Warp(f.Matrix); err != nil {
		return Result{Job: job, Error: err}
	}
	if err := tab.Write(job.Output); err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"rows":   tab.Len(),
		"output": job.Output,
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

// handleMatch pairs two image directories and reports the result
// without fitting anything.
func (r *router) handleMatch(ctx context.Context, job Job) Result {
	pairs, setID, err := r.matchFromOptions(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	pairList := make([]map[string]any, len(pairs))
	for i, p := range pairs {
		pairList[i] = map[string]any{
			"name":   p.Name(),
			"source": p.Source,
			"target": p.Target,
		}
		if p.Coords != "" {
			pairList[i]["coords"] = p.Coords
		}
	}
	meta := map[string]any{
		"pair_set_id": setID,
		"pair_count":  len(pairs),
		"pairs":       pairList,
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

// matchFromOptions runs directory matching for jobs whose input is a
// source directory, and records the pair set.
func (r *router) matchFromOptions(job Job) ([]navigator.Pair, string, error) {
	targetDir := getStringOption(job.Options, "targetDir")
	if targetDir == "" {
		return nil, "", fmt.Errorf("job needs a target directory")
	}
	strategyStr := getStringOption(job.Options, "strategy")
	if strategyStr == "" {
		strategyStr = r.regCfg.MatchingStrategy
	}
	if strategyStr == "" {
		strategyStr = string(navigator.Filename)
	}
	strategy, err := navigator.ParseStrategy(strategyStr)
	if err != nil {
		return nil, "", err
	}
	pattern := getStringOption(job.Options, "pattern")
	if pattern == "" {
		pattern = r.regCfg.MatchingPattern
	}

	pairs, err := navigator.MatchDirs(strategy, pattern, job.InputPath, targetDir,
		getStringOption(job.Options, "coordsDir"))
	if err != nil {
		return nil, "", err
	}

	var setID string
	if r.store != nil {
		setID, err = r.store.RecordPairSet(string(strategy), job.InputPath, targetDir, len(pairs))
		if err != nil {
			r.log.Warn("failed to record pair set", "error", err)
		}
	}
	return pairs, setID, nil
}

// Helper functions to safely extract typed options from job.Options map
func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getIntOption(options map[string]any, key string) int {
	switch val := options[key].(type) {
	case int:
		return val
	case float64:
		return int(val)
	}
	return 0
}
