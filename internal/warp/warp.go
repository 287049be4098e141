// Package warp resamples images through fitted transforms using
// ImageMagick.
package warp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"imgreg/internal/transform"
)

// Request describes one image warp.
type Request struct {
	Input  string
	Output string
	Matrix transform.Matrix

	// Width and Height fix the output canvas, typically the target
	// image's dimensions. Zero keeps the input canvas.
	Width  int
	Height int

	// Background fills pixels the transform maps from outside the
	// input. Defaults to black.
	Background string
}

// Result reports the written image.
type Result struct {
	Output string
	Width  int
	Height int
}

var (
	initOnce    sync.Once
	initialized bool
)

// Init initializes the ImageMagick environment. Terminate must be
// called once at process exit.
func Init() {
	initOnce.Do(func() {
		imagick.Initialize()
		initialized = true
	})
}

// Terminate releases the ImageMagick environment. No-op when Init
// never ran.
func Terminate() {
	if initialized {
		imagick.Terminate()
	}
}

// Image warps the input through the request's transform onto a canvas
// of the requested size.
func Image(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if req.Input == "" || req.Output == "" {
		return Result{}, fmt.Errorf("warp needs input and output paths")
	}
	Init()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(req.Input); err != nil {
		return Result{}, fmt.Errorf("read image %s: %w", req.Input, err)
	}

	background := req.Background
	if background == "" {
		background = "black"
	}
	pw := imagick.NewPixelWand()
	defer pw.Destroy()
	if ok := pw.SetColor(background); !ok {
		return Result{}, fmt.Errorf("invalid background color: %q", background)
	}
	if err := mw.SetImageBackgroundColor(pw); err != nil {
		return Result{}, fmt.Errorf("set background: %w", err)
	}
	if err := mw.SetImageVirtualPixelMethod(imagick.VIRTUAL_PIXEL_BACKGROUND); err != nil {
		return Result{}, fmt.Errorf("set virtual pixel method: %w", err)
	}

	// AffineProjection takes the forward mapping as
	// {sx, rx, ry, sy, tx, ty} in column-major terms.
	m := req.Matrix
	args := []float64{m[0], m[3], m[1], m[4], m[2], m[5]}
	if err := mw.DistortImage(imagick.DISTORTION_AFFINE_PROJECTION, args, false); err != nil {
		return Result{}, fmt.Errorf("distort image: %w", err)
	}

	if req.Width > 0 && req.Height > 0 {
		if err := mw.ExtentImage(uint(req.Width), uint(req.Height), 0, 0); err != nil {
			return Result{}, fmt.Errorf("extent image: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return Result{}, err
	}
	if err := mw.WriteImage(req.Output); err != nil {
		return Result{}, fmt.Errorf("write image %s: %w", req.Output, err)
	}

	return Result{
		Output: req.Output,
		Width:  int(mw.GetImageWidth()),
		Height: int(mw.GetImageHeight()),
	}, nil
}

// Size probes an image's dimensions via ImageMagick, for formats the
// standard decoders cannot read.
func Size(path string) (width, height int, err error) {
	Init()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.PingImage(path); err != nil {
		return 0, 0, fmt.Errorf("ping image %s: %w", path, err)
	}
	return int(mw.GetImageWidth()), int(mw.GetImageHeight()), nil
}
