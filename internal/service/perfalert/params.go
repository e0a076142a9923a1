package perfalert

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mozilla/treeherder/internal/model"
)

// Analyzer variant names.
const (
	VariantWelch       = "welch"
	VariantWelchLinear = "welch-linear"
)

// weightFn weights the i-th of n window values. Windows are ordered with
// the point under analysis first.
type weightFn func(i, n int) float64

func uniformWeights(int, int) float64 { return 1 }

// linearWeights falls off arithmetically away from the analyzed point.
func linearWeights(i, n int) float64 {
	if i >= n {
		return 0
	}
	return float64(n-i) / float64(n)
}

var variants = map[string]weightFn{
	VariantWelch:       uniformWeights,
	VariantWelchLinear: linearWeights,
}

// Variants lists the registered analyzer variants.
func Variants() []string {
	names := make([]string, 0, len(variants))
	for n := range variants {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CheckVariant reports an error if name is not a registered variant.
func CheckVariant(name string) error {
	_, err := lookupVariant(name)
	return err
}

func lookupVariant(name string) (weightFn, error) {
	if name == "" {
		name = VariantWelch
	}
	fn, ok := variants[name]
	if !ok {
		return nil, fmt.Errorf("perfalert: unknown analyzer variant %q", name)
	}
	return fn, nil
}

// Tests whose scores grow as performance improves, regardless of the
// signature's lower_is_better flag.
var reversedTests = []string{"V8 version", "Dromaeo", "Canvasmark", "Peacekeeper"}

// Tests whose magnitude gate is always absolute because their values sit
// near zero.
var ignorePercentageTests = []string{"Number of Constructors", "Trace Malloc Leaks"}

func matchesAny(name string, set []string) bool {
	for _, s := range set {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// Defaults for Params.
const (
	DefaultMinBackWindow      = 12
	DefaultMaxBackWindow      = 24
	DefaultForeWindow         = 12
	DefaultTThreshold         = 7.0
	DefaultMachineThreshold   = 15.0
	DefaultMachineHistorySize = 5
)

// Params tunes one analysis.
type Params struct {
	MinBackWindow      int
	MaxBackWindow      int
	ForeWindow         int
	TThreshold         float64
	MachineThreshold   float64
	MachineHistorySize int
	Variant            string

	LowerIsBetter bool
	// Test is matched against the reversed-meaning and ignore-percentage sets.
	Test string

	// MinChange, when positive, suppresses changes smaller than it. It is a
	// percentage of the back average unless ChangeType is absolute.
	MinChange  float64
	ChangeType model.AlertChangeType
}

// DefaultParams returns the default parameters for a lower-is-better series.
func DefaultParams() Params {
	return Params{
		MinBackWindow:      DefaultMinBackWindow,
		MaxBackWindow:      DefaultMaxBackWindow,
		ForeWindow:         DefaultForeWindow,
		TThreshold:         DefaultTThreshold,
		MachineThreshold:   DefaultMachineThreshold,
		MachineHistorySize: DefaultMachineHistorySize,
		Variant:            VariantWelch,
		LowerIsBetter:      true,
		ChangeType:         model.ChangeTypePercentage,
	}
}

// ParamsFor derives parameters from a signature's overrides.
func ParamsFor(sig model.PerformanceSignature, variant string) Params {
	p := DefaultParams()
	if variant != "" {
		p.Variant = variant
	}
	p.LowerIsBetter = sig.LowerIsBetter
	p.Test = sig.Suite
	if sig.Test != "" {
		p.Test = sig.Suite + " " + sig.Test
	}
	if sig.MinBackWindow != nil {
		p.MinBackWindow = *sig.MinBackWindow
	}
	if sig.MaxBackWindow != nil {
		p.MaxBackWindow = *sig.MaxBackWindow
	}
	if sig.ForeWindow != nil {
		p.ForeWindow = *sig.ForeWindow
	}
	if sig.AlertThreshold != nil {
		p.TThreshold = *sig.AlertThreshold
	}
	if sig.AlertChangeType != "" {
		p.ChangeType = sig.AlertChangeType
	}
	return p
}

func (p Params) validate() error {
	if p.MinBackWindow < 0 || p.MaxBackWindow <= 0 || p.ForeWindow <= 0 {
		return fmt.Errorf("perfalert: window sizes must be positive")
	}
	if p.MinBackWindow > p.MaxBackWindow {
		return fmt.Errorf("perfalert: min back window %d exceeds max %d", p.MinBackWindow, p.MaxBackWindow)
	}
	if p.TThreshold <= 0 {
		return fmt.Errorf("perfalert: t threshold must be positive")
	}
	return nil
}
