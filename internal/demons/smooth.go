package demons

import (
	"math"

	"github.com/cwbudde/demonsreg/internal/grid"
)

// KernelSupport is the number of standard deviations covered on each side of
// a Gaussian kernel before it is truncated.
const KernelSupport = 3.0

// Axis selects the direction of a 1D convolution pass.
type Axis int

const (
	Horizontal Axis = iota
	Vertical
)

// GaussianKernel returns normalized weights of a discrete Gaussian with
// standard deviation std (in pixels). The kernel has 2*radius+1 taps with
// radius = max(1, ceil(KernelSupport*std)). A non-positive std yields the
// identity kernel.
func GaussianKernel(std float64) []float64 {
	if std <= 0 {
		return []float64{1}
	}
	radius := max(1, int(math.Ceil(KernelSupport*std)))
	kernel := make([]float64, 2*radius+1)

	var sum float64
	twoVar := 2 * std * std
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / twoVar)
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// SmoothAxis convolves every channel of src with kernel along axis and writes
// the result to dst. Samples outside the buffer repeat the nearest edge pixel.
func (k Kernels) SmoothAxis(dst, src *grid.Buffer2D, kernel []float64, axis Axis) {
	w, h, ch := src.Width(), src.Height(), src.Channels()
	mustShape("smooth", "destination", dst, w, h, ch)
	mustNotAlias("smooth", dst, src)

	radius := len(kernel) / 2
	k.forRows(h, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				out := dst.Offset(x, y)
				for c := 0; c < ch; c++ {
					var sum float64
					for t, weight := range kernel {
						d := t - radius
						if axis == Horizontal {
							sum += weight * src.AtClamped(x+d, y, c)
						} else {
							sum += weight * src.AtClamped(x, y+d, c)
						}
					}
					dst.Pix[out+c] = sum
				}
			}
		}
	})
}

type kernelKey struct {
	sigma float64
	delta float64
}

// Smoother applies separable Gaussian smoothing and caches kernels by
// (sigma, delta). It is not safe for concurrent use.
type Smoother struct {
	kernels Kernels
	cache   map[kernelKey][]float64
}

// NewSmoother returns a smoother that dispatches passes through k.
func NewSmoother(k Kernels) *Smoother {
	return &Smoother{kernels: k, cache: make(map[kernelKey][]float64)}
}

// Kernel returns the cached kernel for sigma in physical units and pixel
// spacing delta, i.e. a Gaussian with standard deviation sigma/delta pixels.
func (s *Smoother) Kernel(sigma, delta float64) []float64 {
	key := kernelKey{sigma: sigma, delta: delta}
	if kernel, ok := s.cache[key]; ok {
		return kernel
	}
	kernel := GaussianKernel(sigma / delta)
	s.cache[key] = kernel
	return kernel
}

// Smooth blurs buf in place: a horizontal pass from buf into scratch, then a
// vertical pass from scratch back into buf. sigma == 0 leaves buf untouched.
// scratch must have buf's shape and its contents are overwritten.
func (s *Smoother) Smooth(buf, scratch *grid.Buffer2D, sigma, delta float64) {
	if sigma == 0 {
		return
	}
	if delta <= 0 {
		panic("demons: smooth: pixel spacing must be positive")
	}
	kernel := s.Kernel(sigma, delta)
	s.kernels.SmoothAxis(scratch, buf, kernel, Horizontal)
	s.kernels.SmoothAxis(buf, scratch, kernel, Vertical)
}
