package navigator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func setupDirs(t *testing.T, sourceNames, targetNames []string) (sourceDir, targetDir string) {
	t.Helper()
	sourceDir = t.TempDir()
	targetDir = t.TempDir()
	for _, n := range sourceNames {
		touch(t, filepath.Join(sourceDir, n))
	}
	for _, n := range targetNames {
		touch(t, filepath.Join(targetDir, n))
	}
	return sourceDir, targetDir
}

func TestMatchAlphabetical(t *testing.T) {
	sourceDir, targetDir := setupDirs(t,
		[]string{"a1.tiff", "a2.tiff"},
		[]string{"scan_b.png", "scan_a.png"})

	pairs, err := MatchDirs(Alphabetical, "", sourceDir, targetDir, "")
	if err != nil {
		t.Fatalf("MatchDirs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs", len(pairs))
	}
	// Both sides sorted by name before zipping.
	if filepath.Base(pairs[0].Source) != "a1.tiff" || filepath.Base(pairs[0].Target) != "scan_a.png" {
		t.Errorf("pair 0 = %s / %s", pairs[0].Source, pairs[0].Target)
	}
}

func TestMatchAlphabeticalCountMismatch(t *testing.T) {
	sourceDir, targetDir := setupDirs(t,
		[]string{"a1.tiff", "a2.tiff"},
		[]string{"scan_a.png"})

	_, err := MatchDirs(Alphabetical, "", sourceDir, targetDir, "")
	if !errors.Is(err, ErrCountMismatch) {
		t.Fatalf("err = %v, want ErrCountMismatch", err)
	}
}

func TestMatchFilenameSkipsUnpaired(t *testing.T) {
	sourceDir, targetDir := setupDirs(t,
		[]string{"roi_1.tiff", "roi_2.tiff", "orphan.tiff"},
		[]string{"roi_2.png", "roi_1.png", "extra.png"})

	pairs, err := MatchDirs(Filename, "", sourceDir, targetDir, "")
	if err != nil {
		t.Fatalf("MatchDirs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}
	for _, p := range pairs {
		srcStem := filepath.Base(p.Source)
		tgtStem := filepath.Base(p.Target)
		if srcStem[:5] != tgtStem[:5] {
			t.Errorf("mismatched pair %s / %s", p.Source, p.Target)
		}
	}
}

func TestMatchRegexUsesFirstMatch(t *testing.T) {
	sourceDir, targetDir := setupDirs(t,
		[]string{"acq_slide03_hi.tiff", "acq_slide07_hi.tiff", "ignore_me.tiff"},
		[]string{"scan-slide07.png", "scan-slide03.png"})

	pairs, err := MatchDirs(Regex, `slide\d+`, sourceDir, targetDir, "")
	if err != nil {
		t.Fatalf("MatchDirs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}
	if filepath.Base(pairs[0].Source) != "acq_slide03_hi.tiff" ||
		filepath.Base(pairs[0].Target) != "scan-slide03.png" {
		t.Errorf("pair 0 = %s / %s", pairs[0].Source, pairs[0].Target)
	}
}

func TestMatchRegexRejectsBadPattern(t *testing.T) {
	sourceDir, targetDir := setupDirs(t, []string{"a.png"}, []string{"a.png"})
	if _, err := MatchDirs(Regex, `slide[`, sourceDir, targetDir, ""); err == nil {
		t.Fatal("expected pattern error")
	}
}

func TestMatchRejectsAmbiguousKey(t *testing.T) {
	sourceDir, targetDir := setupDirs(t,
		[]string{"s_slide01.tiff"},
		[]string{"t1_slide01.png", "t2_slide01.png"})

	if _, err := MatchDirs(Regex, `slide\d+`, sourceDir, targetDir, ""); err == nil {
		t.Fatal("expected ambiguity error")
	}
}

func TestMatchWithCoords(t *testing.T) {
	sourceDir, targetDir := setupDirs(t,
		[]string{"roi_1.tiff", "roi_2.tiff"},
		[]string{"roi_1.png", "roi_2.png"})
	coordsDir := t.TempDir()
	touch(t, filepath.Join(coordsDir, "roi_2.csv"))
	touch(t, filepath.Join(coordsDir, "roi_1.csv"))

	pairs, err := MatchDirs(Filename, "", sourceDir, targetDir, coordsDir)
	if err != nil {
		t.Fatalf("MatchDirs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs", len(pairs))
	}
	if filepath.Base(pairs[0].Coords) != "roi_1.csv" {
		t.Errorf("pair 0 coords = %s", pairs[0].Coords)
	}
}

func TestMatchWithCoordsSkipsSourcesWithoutCoordsFile(t *testing.T) {
	sourceDir, targetDir := setupDirs(t,
		[]string{"roi_1.tiff", "roi_2.tiff"},
		[]string{"roi_1.png", "roi_2.png"})
	coordsDir := t.TempDir()
	touch(t, filepath.Join(coordsDir, "roi_1.csv"))

	pairs, err := MatchDirs(Filename, "", sourceDir, targetDir, coordsDir)
	if err != nil {
		t.Fatalf("MatchDirs: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	if filepath.Base(pairs[0].Source) != "roi_1.tiff" || filepath.Base(pairs[0].Coords) != "roi_1.csv" {
		t.Errorf("pair 0 = %s / coords %s", pairs[0].Source, pairs[0].Coords)
	}

	pairs, err = MatchDirs(Regex, `roi_\d+`, sourceDir, targetDir, coordsDir)
	if err != nil {
		t.Fatalf("MatchDirs regex: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("regex got %d pairs, want 1", len(pairs))
	}
}

func TestArtifactPaths(t *testing.T) {
	p := Pair{
		Source: "/in/src/roi_1.tiff",
		Target: "/in/tgt/scan_1.ome.png",
		Coords: "/in/coords/roi_1.csv",
	}
	paths := ArtifactPaths(p, "/out/cp", "/out/tf", "/out/coords")
	if paths.ControlPoints != filepath.Join("/out/cp", "scan_1.ome.csv") {
		t.Errorf("control points path = %s", paths.ControlPoints)
	}
	if paths.Transform != filepath.Join("/out/tf", "scan_1.ome.json") {
		t.Errorf("transform path = %s", paths.Transform)
	}
	if paths.Coords != filepath.Join("/out/coords", "scan_1.ome.csv") {
		t.Errorf("coords path = %s", paths.Coords)
	}

	paths = ArtifactPaths(Pair{Target: "t.png"}, "/cp", "/tf", "/coords")
	if paths.Coords != "" {
		t.Errorf("coords path should be empty without an input CSV, got %s", paths.Coords)
	}
}

func TestNavigatorWraparound(t *testing.T) {
	pairs := []Pair{{Target: "a.png"}, {Target: "b.png"}, {Target: "c.png"}}
	nav, err := New(pairs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if nav.Current().Target != "a.png" {
		t.Errorf("start at %s", nav.Current().Target)
	}
	if got := nav.Prev(); got.Target != "c.png" {
		t.Errorf("Prev from first = %s, want c.png", got.Target)
	}
	if got := nav.Next(); got.Target != "a.png" {
		t.Errorf("Next from last = %s, want a.png", got.Target)
	}
	nav.Next()
	nav.Next()
	if got := nav.Next(); got.Target != "a.png" {
		t.Errorf("wrap forward = %s, want a.png", got.Target)
	}
	if err := nav.Seek(1); err != nil || nav.Current().Target != "b.png" {
		t.Errorf("Seek(1): %v, current %s", err, nav.Current().Target)
	}
	if err := nav.Seek(3); err == nil {
		t.Error("Seek out of range should fail")
	}
}

func TestNewRejectsEmpty(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty pair list")
	}
}
