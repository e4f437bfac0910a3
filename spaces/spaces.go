// Package spaces describes observation and action spaces.
//
// A Space is a declarative description of the values an environment
// produces or accepts: a bounded box of floats, a discrete choice, or a
// binary vector. The pool core treats spaces as opaque values; they are
// queried once from the first worker and handed to callers unchanged.
package spaces

import (
	"fmt"
	"strings"
)

// Kind discriminates the space variants.
type Kind string

const (
	// KindBox is a (possibly multi-dimensional) box of bounded floats.
	KindBox Kind = "box"
	// KindDiscrete is a single choice out of N values.
	KindDiscrete Kind = "discrete"
	// KindMultiBinary is a vector of N independent binary values.
	KindMultiBinary Kind = "multibinary"
)

// Space describes the shape and bounds of observations or actions.
// Exactly one interpretation applies depending on Kind:
//
//   - box: Shape gives the dimensions, Low/High the per-element bounds
//     (length 1 bounds broadcast to every element)
//   - discrete: N gives the number of choices
//   - multibinary: N gives the vector length
type Space struct {
	Kind  Kind      `json:"kind"`
	Shape []int     `json:"shape,omitempty"`
	Low   []float64 `json:"low,omitempty"`
	High  []float64 `json:"high,omitempty"`
	N     int       `json:"n,omitempty"`
}

// Box returns a box space with the given bounds and shape.
// If shape is omitted, the space is one-dimensional with len(low) elements.
// Bounds of length 1 broadcast to every element.
func Box(low, high []float64, shape ...int) Space {
	if len(shape) == 0 {
		shape = []int{len(low)}
	}
	return Space{Kind: KindBox, Shape: shape, Low: low, High: high}
}

// Discrete returns a discrete space with n choices.
func Discrete(n int) Space {
	return Space{Kind: KindDiscrete, N: n}
}

// MultiBinary returns a binary vector space of length n.
func MultiBinary(n int) Space {
	return Space{Kind: KindMultiBinary, N: n}
}

// FlatDim returns the number of scalar elements a value of this space
// occupies when flattened. Discrete spaces flatten to a single index.
func (s Space) FlatDim() int {
	switch s.Kind {
	case KindBox:
		dim := 1
		for _, d := range s.Shape {
			dim *= d
		}
		if len(s.Shape) == 0 {
			dim = 0
		}
		return dim
	case KindDiscrete:
		return 1
	case KindMultiBinary:
		return s.N
	default:
		return 0
	}
}

// Validate checks that the space is internally consistent.
func (s Space) Validate() error {
	switch s.Kind {
	case KindBox:
		if len(s.Shape) == 0 {
			return fmt.Errorf("box space requires a shape")
		}
		for _, d := range s.Shape {
			if d < 1 {
				return fmt.Errorf("box dimension must be >= 1, got %d", d)
			}
		}
		if len(s.Low) != len(s.High) {
			return fmt.Errorf("bounds length mismatch: low=%d high=%d", len(s.Low), len(s.High))
		}
		if n := len(s.Low); n != 1 && n != s.FlatDim() {
			return fmt.Errorf("bounds length %d does not match flat dimension %d", n, s.FlatDim())
		}
		for i := range s.Low {
			if s.Low[i] > s.High[i] {
				return fmt.Errorf("low bound %g exceeds high bound %g at index %d", s.Low[i], s.High[i], i)
			}
		}
		return nil
	case KindDiscrete:
		if s.N < 1 {
			return fmt.Errorf("discrete space requires n >= 1, got %d", s.N)
		}
		return nil
	case KindMultiBinary:
		if s.N < 1 {
			return fmt.Errorf("multibinary space requires n >= 1, got %d", s.N)
		}
		return nil
	default:
		return fmt.Errorf("unknown space kind %q", s.Kind)
	}
}

// String returns a short human-readable description of the space.
func (s Space) String() string {
	switch s.Kind {
	case KindBox:
		dims := make([]string, len(s.Shape))
		for i, d := range s.Shape {
			dims[i] = fmt.Sprintf("%d", d)
		}
		return fmt.Sprintf("Box(%s)", strings.Join(dims, "x"))
	case KindDiscrete:
		return fmt.Sprintf("Discrete(%d)", s.N)
	case KindMultiBinary:
		return fmt.Sprintf("MultiBinary(%d)", s.N)
	default:
		return fmt.Sprintf("Unknown(%q)", string(s.Kind))
	}
}
