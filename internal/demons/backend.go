package demons

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/cpu"
)

// Backend describes the CPU the kernels run on.
type Backend struct {
	Arch    string `json:"arch"`
	AVX2    bool   `json:"avx2"`
	AVX512  bool   `json:"avx512"`
	ASIMD   bool   `json:"asimd"`
	Workers int    `json:"workers"`
}

// DetectBackend reports CPU vector features and the default kernel worker count.
func DetectBackend() Backend {
	return Backend{
		Arch:    runtime.GOARCH,
		AVX2:    cpu.X86.HasAVX2,
		AVX512:  cpu.X86.HasAVX512F,
		ASIMD:   cpu.ARM64.HasASIMD,
		Workers: runtime.GOMAXPROCS(0),
	}
}

func (b Backend) String() string {
	simd := "scalar"
	switch {
	case b.AVX512:
		simd = "AVX-512"
	case b.AVX2:
		simd = "AVX2"
	case b.ASIMD:
		simd = "NEON"
	}
	return fmt.Sprintf("%s/%s, %d workers", b.Arch, simd, b.Workers)
}
