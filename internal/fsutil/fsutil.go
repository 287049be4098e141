package fsutil

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
}

// IsImageFile checks if a file is a supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// ListImages returns all image files directly under dir, sorted by
// stem. Subdirectories are not descended into; a pair directory maps
// one flat listing to another.
func ListImages(dir string) ([]string, error) {
	return listByFilter(dir, IsImageFile)
}

// ListCSVs returns all .csv files directly under dir, sorted by stem.
func ListCSVs(dir string) ([]string, error) {
	return listByFilter(dir, func(path string) bool {
		return strings.EqualFold(filepath.Ext(path), ".csv")
	})
}

func listByFilter(dir string, keep func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if keep(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	// Sorting by stem keeps dotted names like a.ome.tif in the same
	// order as the keys the pairing strategies compare.
	sort.Slice(files, func(i, j int) bool {
		si, sj := Stem(files[i]), Stem(files[j])
		if si != sj {
			return si < sj
		}
		return files[i] < files[j]
	})
	return files, nil
}

// Stem returns the file name without directory or extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ImageSize reads an image's pixel dimensions without decoding pixel
// data.
func ImageSize(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("read image header %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// WriteFileAtomic writes data to path via a temp file and rename, so
// watchers never observe a half-written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
