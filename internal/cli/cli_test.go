package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"imgreg/internal/config"
	"imgreg/internal/pipeline"
	"imgreg/internal/storage"
)

func TestRunDispatchesJobCommands(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	temp := t.TempDir()

	cases := []struct {
		name       string
		args       []string
		expectType pipeline.JobType
	}{
		{"fit", []string{"fit", filepath.Join(temp, "slide01.csv"), "--type", "euclidean"}, pipeline.JobFit},
		{"batch", []string{"batch", temp, "--target", temp, "--control", temp, "--strategy", "alphabetical"}, pipeline.JobBatch},
		{"warp", []string{"warp", filepath.Join(temp, "slide01.tif"), "--transform", filepath.Join(temp, "tf.json"), "--width", "640", "--height", "480"}, pipeline.JobWarp},
		{"coords", []string{"coords", filepath.Join(temp, "cells.csv"), "--transform", filepath.Join(temp, "tf.json")}, pipeline.JobCoords},
		{"match", []string{"match", temp, "--target", temp}, pipeline.JobMatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fakePipe.reset()
			out := captureOutput(t, func() {
				if err := root.Run(context.Background(), tc.args); err != nil {
					t.Fatalf("run failed: %v", err)
				}
			})
			_ = out
			if len(fakePipe.jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
			}
			if fakePipe.jobs[0].Type != tc.expectType {
				t.Fatalf("expected type %s, got %s", tc.expectType, fakePipe.jobs[0].Type)
			}
		})
	}
}

func TestFitDefaultsOutputNextToInput(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	temp := t.TempDir()

	captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"fit", filepath.Join(temp, "slide01.csv")}); err != nil {
			t.Fatalf("run failed: %v", err)
		}
	})
	want := filepath.Join(temp, "slide01.json")
	if got := fakePipe.jobs[0].Output; got != want {
		t.Fatalf("output = %s, want %s", got, want)
	}
}

func TestRunValidatesArguments(t *testing.T) {
	root, _ := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"fit"}); err == nil {
		t.Fatalf("expected error for missing fit input")
	}
	if err := root.Run(context.Background(), []string{"batch", "src"}); err == nil {
		t.Fatalf("expected error for batch without target")
	}
	if err := root.Run(context.Background(), []string{"warp", "img.tif"}); err == nil {
		t.Fatalf("expected error for warp without transform")
	}
	if err := root.Run(context.Background(), []string{"coords", "cells.csv"}); err == nil {
		t.Fatalf("expected error for coords without transform")
	}
	if err := root.Run(context.Background(), []string{"nonsense"}); err == nil {
		t.Fatalf("expected error for unknown command")
	}
	captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{}); err != nil {
			t.Fatalf("expected nil for empty args showing usage, got %v", err)
		}
	})
}

func TestMatchPrintsPairs(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.meta[string(pipeline.JobMatch)] = map[string]any{
		"pair_count": 2,
		"pairs": []map[string]any{
			{"name": "slide01", "source": "/src/slide01.tif", "target": "/tgt/slide01.tif"},
			{"name": "slide02", "source": "/src/slide02.tif", "target": "/tgt/slide02.tif"},
		},
	}

	out := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"match", "/src", "--target", "/tgt"}); err != nil {
			t.Fatalf("run failed: %v", err)
		}
	})
	if !strings.Contains(out, "2 pairs matched") {
		t.Fatalf("expected pair count in output %q", out)
	}
	if !strings.Contains(out, "slide02") {
		t.Fatalf("expected pair names in output %q", out)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, addr string, watchDirs []string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		called = true
		if addr != ":9999" {
			t.Fatalf("unexpected addr %s", addr)
		}
		if len(watchDirs) != 1 || watchDirs[0] != "/points" {
			t.Fatalf("unexpected watch dirs %v", watchDirs)
		}
		return nil
	}
	if err := root.cmdServe(context.Background(), []string{"--addr", ":9999", "--watch", "/points"}); err != nil {
		t.Fatalf("cmdServe failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestServeDefaultsToConfiguredAddr(t *testing.T) {
	root, _ := newTestRoot(t)
	root.cfg.Server.Addr = ":7777"
	var got string
	root.serveFn = func(ctx context.Context, addr string, watchDirs []string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		got = addr
		return nil
	}
	if err := root.cmdServe(context.Background(), nil); err != nil {
		t.Fatalf("cmdServe failed: %v", err)
	}
	if got != ":7777" {
		t.Fatalf("addr = %s, want :7777", got)
	}
}

func TestServeCobraCommandThreadsExecuteContext(t *testing.T) {
	root, _ := newTestRoot(t)
	var got context.Context
	root.serveFn = func(ctx context.Context, addr string, watchDirs []string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		got = ctx
		return nil
	}

	cmd := newServeCmd(root)
	cmd.SetArgs([]string{"--addr", ":0"})
	ctx, cancel := context.WithCancel(context.Background())
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got == nil {
		t.Fatal("serve function was not invoked")
	}

	// Cancelling the execution context must reach the server, so
	// signal-driven shutdown works.
	cancel()
	select {
	case <-got.Done():
	default:
		t.Fatal("serve context does not follow the execution context")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	showOut := captureOutput(t, func() {
		if err := root.configShow(); err != nil {
			t.Fatalf("configShow failed: %v", err)
		}
	})
	if !strings.Contains(showOut, "Current configuration") {
		t.Fatalf("expected configuration output, got %q", showOut)
	}
	if !strings.Contains(showOut, "similarity") {
		t.Fatalf("expected default transform type listed, got %q", showOut)
	}

	captureOutput(t, func() {
		if err := root.configValidate(); err != nil {
			t.Fatalf("configValidate failed: %v", err)
		}
	})

	root.cfg.Registration.TransformType = "projective"
	if err := root.configValidate(); err == nil {
		t.Fatalf("expected error for unknown transform type")
	}

	versionOut := captureOutput(t, func() {
		if err := root.cmdVersion(); err != nil {
			t.Fatalf("cmdVersion failed: %v", err)
		}
	})
	if !strings.Contains(versionOut, "imgreg v1.0.0-dev") {
		t.Fatalf("expected version string, got %q", versionOut)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobFit}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if err := root.enqueueAndWait(context.Background(), job); err == nil {
		t.Fatalf("expected error from pipeline result")
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	t.Setenv("IMGREG_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "imgreg.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
		serveFn:  defaultServe,
	}
	return root, pipe
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
	meta      map[string]map[string]any
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
		meta:      make(map[string]map[string]any),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.errorFor(job)
	meta := f.metaFor(job)
	f.mu.Unlock()

	go func() {
		res := pipeline.Result{Job: job, Error: err, Meta: meta}
		for _, ch := range subs {
			ch <- res
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func (f *fakePipeline) metaFor(job pipeline.Job) map[string]any {
	if m, ok := f.meta[string(job.Type)]; ok {
		return m
	}
	return map[string]any{"ok": true}
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.jobErrors = make(map[string]error)
	f.meta = make(map[string]map[string]any)
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}
