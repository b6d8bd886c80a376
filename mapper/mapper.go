// Package mapper provides the depth remapping curves applied to normalized
// depth before stereo warping. Every mapper takes and returns values in
// [0,1], is monotonically non-decreasing, and maps 0 to (approximately) 0.
package mapper

import (
	"fmt"
	"math"
)

// Func remaps a normalized depth value.
type Func func(float32) float32

// Names lists the supported mapper names in the order they are documented.
var Names = []string{"pow2", "none", "softplus", "softplus2"}

// Get returns the mapper registered under name.
func Get(name string) (Func, error) {
	switch name {
	case "pow2":
		return func(x float32) float32 { return x * x }, nil
	case "none":
		return func(x float32) float32 { return x }, nil
	case "softplus":
		return softplus01, nil
	case "softplus2":
		return func(x float32) float32 {
			v := softplus01(x)
			return v * v
		}, nil
	}
	return nil, fmt.Errorf("mapper: unknown mapper %q", name)
}

// softplus01 is a smooth version of `(x - 0.5) * 2 if x > 0.5 else 0`:
// near zero below the midpoint, rising smoothly above it.
func softplus01(x float32) float32 {
	return float32(math.Log(1+math.Exp(float64(x)*12-6)) / 6)
}
