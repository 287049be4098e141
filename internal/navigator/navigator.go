// Package navigator pairs source and target images for registration
// and walks through the pairs of a batch.
package navigator

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"imgreg/internal/fsutil"
)

// Strategy selects how files in the source and target directories are
// paired with each other.
type Strategy string

const (
	// Alphabetical pairs the n-th source file with the n-th target
	// file and requires equal counts.
	Alphabetical Strategy = "alphabetical"

	// Filename pairs files whose names match after stripping the
	// extension. Files without a counterpart are skipped.
	Filename Strategy = "filename"

	// Regex pairs files whose first regex match in the file name is
	// equal. Files the pattern does not match, or without a
	// counterpart, are skipped.
	Regex Strategy = "regex"
)

// ParseStrategy validates a matching strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Alphabetical, Filename, Regex:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unsupported matching strategy: %q", s)
}

// Pair is one source/target image pair, optionally with a coordinate
// CSV that shares the source image's pairing key.
type Pair struct {
	Source string
	Target string
	Coords string
}

// Name identifies the pair by the target image's stem. Output
// artifacts are named after it.
func (p Pair) Name() string {
	return fsutil.Stem(p.Target)
}

// ErrCountMismatch is returned by the alphabetical strategy when the
// two directories hold different numbers of images.
var ErrCountMismatch = errors.New("source and target image counts differ")

// MatchDirs pairs the images under sourceDir and targetDir using the
// given strategy. If coordsDir is non-empty, each pair additionally
// gets the coordinate CSV whose key matches the source image; sources
// without one are skipped, and the alphabetical strategy requires the
// CSV count to equal the image counts.
func MatchDirs(strategy Strategy, pattern, sourceDir, targetDir, coordsDir string) ([]Pair, error) {
	sources, err := fsutil.ListImages(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("list source images: %w", err)
	}
	targets, err := fsutil.ListImages(targetDir)
	if err != nil {
		return nil, fmt.Errorf("list target images: %w", err)
	}
	var coords []string
	if coordsDir != "" {
		coords, err = fsutil.ListCSVs(coordsDir)
		if err != nil {
			return nil, fmt.Errorf("list coordinate files: %w", err)
		}
	}

	switch strategy {
	case Alphabetical:
		return matchAlphabetical(sources, targets, coords, coordsDir != "")
	case Filename:
		return matchByKey(sources, targets, coords, coordsDir != "", fsutil.Stem)
	case Regex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("matching pattern: %w", err)
		}
		key := func(path string) string {
			return re.FindString(filepath.Base(path))
		}
		return matchByKey(sources, targets, coords, coordsDir != "", key)
	}
	return nil, fmt.Errorf("unsupported matching strategy: %q", strategy)
}

func matchAlphabetical(sources, targets, coords []string, withCoords bool) ([]Pair, error) {
	if len(sources) != len(targets) {
		return nil, fmt.Errorf("%w: %d source vs %d target",
			ErrCountMismatch, len(sources), len(targets))
	}
	if withCoords && len(coords) != len(sources) {
		return nil, fmt.Errorf("%w: %d images vs %d coordinate files",
			ErrCountMismatch, len(sources), len(coords))
	}
	pairs := make([]Pair, len(sources))
	for i := range sources {
		pairs[i] = Pair{Source: sources[i], Target: targets[i]}
		if withCoords {
			pairs[i].Coords = coords[i]
		}
	}
	return pairs, nil
}

func matchByKey(sources, targets, coords []string, requireCoords bool, key func(string) string) ([]Pair, error) {
	targetByKey := map[string]string{}
	for _, t := range targets {
		k := key(t)
		if k == "" {
			continue
		}
		if prev, dup := targetByKey[k]; dup {
			return nil, fmt.Errorf("ambiguous pairing key %q: %s and %s", k, prev, t)
		}
		targetByKey[k] = t
	}
	coordsByKey := map[string]string{}
	for _, c := range coords {
		if k := key(c); k != "" {
			coordsByKey[k] = c
		}
	}

	var pairs []Pair
	for _, s := range sources {
		k := key(s)
		if k == "" {
			continue
		}
		t, ok := targetByKey[k]
		if !ok {
			continue
		}
		c := coordsByKey[k]
		if requireCoords && c == "" {
			continue
		}
		pairs = append(pairs, Pair{Source: s, Target: t, Coords: c})
	}
	return pairs, nil
}

// Paths groups the output locations of one pair's artifacts. Each file
// is named after the pair.
type Paths struct {
	ControlPoints string
	Transform     string
	Coords        string
}

// ArtifactPaths derives a pair's artifact locations from the batch's
// output directories. outCoordsDir may be empty when the batch has no
// coordinate files.
func ArtifactPaths(p Pair, controlDir, transformDir, outCoordsDir string) Paths {
	paths := Paths{
		ControlPoints: filepath.Join(controlDir, p.Name()+".csv"),
		Transform:     filepath.Join(transformDir, p.Name()+".json"),
	}
	if outCoordsDir != "" && p.Coords != "" {
		paths.Coords = filepath.Join(outCoordsDir, p.Name()+".csv")
	}
	return paths
}

// Navigator walks a fixed list of pairs with wraparound.
type Navigator struct {
	pairs []Pair
	index int
}

// New returns a navigator positioned on the first pair.
func New(pairs []Pair) (*Navigator, error) {
	if len(pairs) == 0 {
		return nil, errors.New("no image pairs to navigate")
	}
	return &Navigator{pairs: pairs}, nil
}

// Len returns the number of pairs.
func (n *Navigator) Len() int {
	return len(n.pairs)
}

// Index returns the current position, zero-based.
func (n *Navigator) Index() int {
	return n.index
}

// Current returns the pair at the current position.
func (n *Navigator) Current() Pair {
	return n.pairs[n.index]
}

// Pairs returns all pairs in order.
func (n *Navigator) Pairs() []Pair {
	return n.pairs
}

// Next advances to the following pair, wrapping to the first after the
// last.
func (n *Navigator) Next() Pair {
	n.index = (n.index + 1) % len(n.pairs)
	return n.pairs[n.index]
}

// Prev steps back to the preceding pair, wrapping to the last before
// the first.
func (n *Navigator) Prev() Pair {
	n.index = (n.index - 1 + len(n.pairs)) % len(n.pairs)
	return n.pairs[n.index]
}

// Seek jumps to the given position.
func (n *Navigator) Seek(i int) error {
	if i < 0 || i >= len(n.pairs) {
		return fmt.Errorf("pair index %d out of range [0,%d)", i, len(n.pairs))
	}
	n.index = i
	return nil
}
