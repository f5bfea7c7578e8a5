package demons

import (
	"fmt"
	"runtime"

	"github.com/cwbudde/demonsreg/internal/grid"
	"golang.org/x/sync/errgroup"
)

// minRowsPerBand keeps small images on the calling goroutine.
const minRowsPerBand = 16

// Kernels runs the per-pixel passes of the pipeline. Rows are split into
// contiguous bands processed on up to Workers goroutines; Workers <= 0 uses
// GOMAXPROCS. Every output pixel depends only on already-final inputs, so
// the band split never changes the result.
type Kernels struct {
	Workers int
}

func (k Kernels) workers() int {
	if k.Workers > 0 {
		return k.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// forRows calls fn for disjoint [y0, y1) bands covering [0, height).
func (k Kernels) forRows(height int, fn func(y0, y1 int)) {
	workers := k.workers()
	bands := min(workers, (height+minRowsPerBand-1)/minRowsPerBand)
	if bands <= 1 {
		fn(0, height)
		return
	}

	rows := (height + bands - 1) / bands
	var g errgroup.Group
	g.SetLimit(workers)
	for y0 := 0; y0 < height; y0 += rows {
		y1 := min(y0+rows, height)
		g.Go(func() error {
			fn(y0, y1)
			return nil
		})
	}
	_ = g.Wait()
}

func mustShape(op, name string, b *grid.Buffer2D, width, height, channels int) {
	if b == nil {
		panic(fmt.Sprintf("demons: %s: %s buffer is nil", op, name))
	}
	if b.Width() != width || b.Height() != height || b.Channels() != channels {
		panic(fmt.Sprintf("demons: %s: %s buffer is %s, want %dx%dx%d",
			op, name, b.Shape(), width, height, channels))
	}
}

func mustNotAlias(op string, dst *grid.Buffer2D, srcs ...*grid.Buffer2D) {
	for _, src := range srcs {
		if dst.Aliases(src) {
			panic(fmt.Sprintf("demons: %s: destination aliases an input", op))
		}
	}
}
