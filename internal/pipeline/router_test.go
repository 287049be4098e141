package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"imgreg/internal/config"
	"imgreg/internal/points"
	"imgreg/internal/transform"
)

func testRouter(t *testing.T) Processor {
	t.Helper()
	return newRouter(slog.Default(), nil, &config.Registration{TransformType: "euclidean"})
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeControlPoints writes n matched pairs related by the given
// transform.
func writeControlPoints(t *testing.T, path string, m transform.Matrix, n int) {
	t.Helper()
	coords := []transform.Point{{X: 10, Y: 10}, {X: 200, Y: 40}, {X: 60, Y: 150}, {X: 240, Y: 220}}
	source := points.Set{}
	target := points.Set{}
	for i := 0; i < n; i++ {
		id := int64(i + 1)
		source.Add(points.ControlPoint{ID: id, X: coords[i].X, Y: coords[i].Y})
		q := m.Apply(coords[i])
		target.Add(points.ControlPoint{ID: id, X: q.X, Y: q.Y})
	}
	if err := points.WriteMatched(path, source, target); err != nil {
		t.Fatalf("write control points: %v", err)
	}
}

func TestFitJob(t *testing.T) {
	dir := t.TempDir()
	cpPath := filepath.Join(dir, "slide01.csv")
	outPath := filepath.Join(dir, "slide01.json")
	shift := transform.Matrix{1, 0, 15, 0, 1, -8, 0, 0, 1}
	writeControlPoints(t, cpPath, shift, 4)

	res := testRouter(t).Process(context.Background(), Job{
		ID:        "fit-1",
		Type:      JobFit,
		InputPath: cpPath,
		Output:    outPath,
	})
	if res.Error != nil {
		t.Fatalf("fit job: %v", res.Error)
	}
	if res.Meta["point_count"] != 4 {
		t.Errorf("point_count = %v", res.Meta["point_count"])
	}
	if rmse := res.Meta["rmse"].(float64); rmse > 1e-9 {
		t.Errorf("rmse = %v", rmse)
	}

	f, err := transform.Load(outPath)
	if err != nil {
		t.Fatalf("load transform: %v", err)
	}
	for i := range shift {
		if diff := f.Matrix[i] - shift[i]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("matrix[%d] = %v, want %v", i, f.Matrix[i], shift[i])
		}
	}
}

func TestFitJobWithPreTransform(t *testing.T) {
	dir := t.TempDir()
	cpPath := filepath.Join(dir, "cp.csv")
	prePath := filepath.Join(dir, "pre.json")
	outPath := filepath.Join(dir, "out.json")
	writeControlPoints(t, cpPath, transform.Identity(), 3)

	pre := transform.Matrix{2, 0, 0, 0, 2, 0, 0, 0, 1}
	if err := transform.Save(prePath, transform.Affine, pre); err != nil {
		t.Fatalf("save pre: %v", err)
	}

	res := testRouter(t).Process(context.Background(), Job{
		Type:      JobFit,
		InputPath: cpPath,
		Output:    outPath,
		Options:   map[string]any{"pre": prePath},
	})
	if res.Error != nil {
		t.Fatalf("fit job: %v", res.Error)
	}
	f, err := transform.Load(outPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Identity fit composed with the pre scale.
	got := f.Matrix.Apply(transform.Point{X: 3, Y: 5})
	if got.X != 6 || got.Y != 10 {
		t.Errorf("joint apply = %+v", got)
	}
}

func TestFitJobTooFewPoints(t *testing.T) {
	dir := t.TempDir()
	cpPath := filepath.Join(dir, "cp.csv")
	writeControlPoints(t, cpPath, transform.Identity(), 2)

	res := testRouter(t).Process(context.Background(), Job{
		Type:      JobFit,
		InputPath: cpPath,
		Output:    filepath.Join(dir, "out.json"),
	})
	if res.Error == nil {
		t.Fatal("expected error with two pairs")
	}
	if res.Meta["point_count"] != 2 {
		t.Errorf("point_count = %v", res.Meta["point_count"])
	}
}

func TestCoordsJob(t *testing.T) {
	dir := t.TempDir()
	tfPath := filepath.Join(dir, "tf.json")
	inPath := filepath.Join(dir, "coords.csv")
	outPath := filepath.Join(dir, "warped.csv")

	shift := transform.Matrix{1, 0, 100, 0, 1, 0, 0, 0, 1}
	if err := transform.Save(tfPath, transform.Euclidean, shift); err != nil {
		t.Fatalf("save transform: %v", err)
	}
	writeFile(t, inPath, "cell,x,y\nc1,1,2\n")

	res := testRouter(t).Process(context.Background(), Job{
		Type:      JobCoords,
		InputPath: inPath,
		Output:    outPath,
		Options:   map[string]any{"transform": tfPath},
	})
	if res.Error != nil {
		t.Fatalf("coords job: %v", res.Error)
	}
	out, err := points.ReadTable(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if out.Rows[0][1] != "101" || out.Rows[0][2] != "2" {
		t.Errorf("warped row = %v", out.Rows[0])
	}
}

func TestCoordsJobRequiresTransform(t *testing.T) {
	res := testRouter(t).Process(context.Background(), Job{Type: JobCoords})
	if res.Error == nil {
		t.Fatal("expected error without transform option")
	}
}

func TestWarpJobReportsUnreadableTarget(t *testing.T) {
	dir := t.TempDir()
	tfPath := filepath.Join(dir, "tf.json")
	if err := transform.Save(tfPath, transform.Euclidean, transform.Identity()); err != nil {
		t.Fatalf("save transform: %v", err)
	}
	// Neither the standard decoders nor the ImageMagick fallback can
	// read this, so probing the canvas size must fail.
	target := filepath.Join(dir, "target.tif")
	writeFile(t, target, "not an image")

	res := testRouter(t).Process(context.Background(), Job{
		Type:      JobWarp,
		InputPath: filepath.Join(dir, "in.tif"),
		Output:    filepath.Join(dir, "out.png"),
		Options:   map[string]any{"transform": tfPath, "target": target},
	})
	if res.Error == nil {
		t.Fatal("expected probe error for unreadable target")
	}
	if !strings.Contains(res.Error.Error(), "probe target size") {
		t.Errorf("error = %v", res.Error)
	}
}

func TestMatchJob(t *testing.T) {
	srcDir := t.TempDir()
	tgtDir := t.TempDir()
	for _, n := range []string{"roi_1.png", "roi_2.png"} {
		writeFile(t, filepath.Join(srcDir, n), "")
		writeFile(t, filepath.Join(tgtDir, n), "")
	}

	res := testRouter(t).Process(context.Background(), Job{
		Type:      JobMatch,
		InputPath: srcDir,
		Options:   map[string]any{"targetDir": tgtDir, "strategy": "filename"},
	})
	if res.Error != nil {
		t.Fatalf("match job: %v", res.Error)
	}
	if res.Meta["pair_count"] != 2 {
		t.Errorf("pair_count = %v", res.Meta["pair_count"])
	}
}

func TestBatchJob(t *testing.T) {
	srcDir := t.TempDir()
	tgtDir := t.TempDir()
	cpDir := t.TempDir()
	tfDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "roi_1.png"), "")
	writeFile(t, filepath.Join(tgtDir, "roi_1.png"), "")

	shift := transform.Matrix{1, 0, 3, 0, 1, 4, 0, 0, 1}
	writeControlPoints(t, filepath.Join(cpDir, "roi_1.csv"), shift, 3)

	res := testRouter(t).Process(context.Background(), Job{
		Type:      JobBatch,
		InputPath: srcDir,
		Output:    tfDir,
		Options: map[string]any{
			"targetDir":  tgtDir,
			"strategy":   "filename",
			"controlDir": cpDir,
		},
	})
	if res.Error != nil {
		t.Fatalf("batch job: %v", res.Error)
	}
	if res.Meta["fitted"] != 1 {
		t.Errorf("fitted = %v", res.Meta["fitted"])
	}
	if _, err := transform.Load(filepath.Join(tfDir, "roi_1.json")); err != nil {
		t.Errorf("transform artifact: %v", err)
	}
}

func TestBatchJobRequiresControlDir(t *testing.T) {
	srcDir := t.TempDir()
	tgtDir := t.TempDir()
	writeFile(t, filepath.Join(srcDir, "a.png"), "")
	writeFile(t, filepath.Join(tgtDir, "a.png"), "")

	res := testRouter(t).Process(context.Background(), Job{
		Type:      JobBatch,
		InputPath: srcDir,
		Output:    t.TempDir(),
		Options:   map[string]any{"targetDir": tgtDir},
	})
	if res.Error == nil {
		t.Fatal("expected error without control point directory")
	}
}

func TestUnknownJobType(t *testing.T) {
	res := testRouter(t).Process(context.Background(), Job{Type: "mystery"})
	if res.Error == nil {
		t.Fatal("expected error for unknown job type")
	}
}
