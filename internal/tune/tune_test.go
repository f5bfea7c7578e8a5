package tune

import (
	"context"
	"errors"
	"testing"

	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/grid"
	"github.com/cwbudde/demonsreg/internal/opt"
)

// stripes returns a 12x12 image with a bright 3-pixel vertical stripe.
func stripes(from int) *grid.Buffer2D {
	b := grid.New(12, 12, 1)
	for y := 0; y < 12; y++ {
		for x := from; x < from+3; x++ {
			b.Set(x, y, 0, 200)
		}
	}
	return b
}

// gridSearch tries every corner and the centre of the box.
type gridSearch struct{ calls int }

func (g *gridSearch) Run(eval func([]float64) float64, lower, upper []float64) ([]float64, float64, error) {
	candidates := [][]float64{lower, upper}
	mid := make([]float64, len(lower))
	for i := range mid {
		mid[i] = (lower[i] + upper[i]) / 2
	}
	candidates = append(candidates, mid)

	var best []float64
	bestCost := PenaltyCost * 2
	for _, c := range candidates {
		g.calls++
		if cost := eval(c); cost < bestCost {
			best, bestCost = c, cost
		}
	}
	return best, bestCost, nil
}

func TestApply(t *testing.T) {
	space := DefaultSearchSpace()
	p := Apply(space, demons.DefaultParams(), []float64{0.5, 3, 2, 1})

	if p.Scale != 0.5 || p.DrSigma != 3 || p.RSigma != 2 || p.ImageSigma != 1 {
		t.Errorf("Unexpected params %+v", p)
	}
	if p.Delta != 1 || p.Epsilon != demons.DefaultEpsilon {
		t.Error("Untuned fields should keep base values")
	}
}

func TestTunerNeverWorseThanBase(t *testing.T) {
	search := &gridSearch{}
	tuner := &Tuner{
		Fixed:     stripes(2),
		Moving:    stripes(5),
		Base:      demons.DefaultParams(),
		EvalSteps: 10,
		Optimizer: search,
	}

	res, err := tuner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Cost > res.BaseCost {
		t.Errorf("Tuned cost %v worse than base %v", res.Cost, res.BaseCost)
	}
	if res.Evaluations != 3 || search.calls != 3 {
		t.Errorf("Expected 3 evaluations, got %d", res.Evaluations)
	}
	if err := res.Params.Validate(); err != nil {
		t.Errorf("Tuned params invalid: %v", err)
	}
}

func TestTunerWithMayfly(t *testing.T) {
	tuner := &Tuner{
		Fixed:     stripes(2),
		Moving:    stripes(4),
		Base:      demons.DefaultParams(),
		Space:     DefaultSearchSpace()[:2],
		EvalSteps: 5,
		Optimizer: opt.NewMayfly(3, 20, 1),
	}

	res, err := tuner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Cost > res.BaseCost {
		t.Errorf("Tuned cost %v worse than base %v", res.Cost, res.BaseCost)
	}
	if res.Evaluations == 0 {
		t.Error("Expected evaluations")
	}
}

func TestTunerRejectsZeroSteps(t *testing.T) {
	tuner := &Tuner{Fixed: stripes(0), Moving: stripes(0), Base: demons.DefaultParams(), Optimizer: &gridSearch{}}

	var cfgErr *demons.ConfigurationError
	if _, err := tuner.Run(context.Background()); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
}

func TestTunerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tuner := &Tuner{
		Fixed:     stripes(1),
		Moving:    stripes(3),
		Base:      demons.DefaultParams(),
		EvalSteps: 5,
		Optimizer: &gridSearch{},
	}
	if _, err := tuner.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestEvaluateFailsOnMismatchedImages(t *testing.T) {
	tuner := &Tuner{Fixed: grid.New(4, 4, 1), Moving: grid.New(5, 5, 1), EvalSteps: 1}
	if _, err := tuner.Evaluate(context.Background(), demons.DefaultParams()); err == nil {
		t.Error("Expected error for mismatched images")
	}
}
