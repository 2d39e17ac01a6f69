// Package model provides sky emission models and their parameter sets.
package model

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Sentinel errors for parameter access. Callers match with errors.Is.
var (
	// ErrNotFound is returned when a parameter name is not in the set.
	ErrNotFound = errors.New("parameter not found")
	// ErrNotAvailable is returned when a requested value has not been
	// computed, e.g. the error of a frozen parameter or of a set without
	// covariance.
	ErrNotAvailable = errors.New("value not available")
	// ErrShape is returned on vector or matrix dimension mismatches.
	ErrShape = errors.New("shape mismatch")
)

// Parameter is a single named model parameter with a physical unit,
// optional bounds and an optional fitted error.
type Parameter struct {
	// Name is the local name, unique within its owning set.
	Name string
	// Value is the current numeric value.
	Value float64
	// Unit is the physical unit, informational only.
	Unit string
	// Error is the 1-sigma uncertainty from the last fit, 0 if unset.
	Error float64
	// Frozen excludes the parameter from optimization.
	Frozen bool
	// Min and Max bound the value during a fit. Unbounded sides are
	// -Inf / +Inf.
	Min float64
	Max float64
}

// NewParameter creates an unbounded, thawed parameter.
func NewParameter(name string, value float64, unit string) *Parameter {
	return &Parameter{
		Name:  name,
		Value: value,
		Unit:  unit,
		Min:   math.Inf(-1),
		Max:   math.Inf(1),
	}
}

// SetBounds constrains the parameter to [min, max].
func (p *Parameter) SetBounds(min, max float64) {
	if min > max {
		panic(fmt.Sprintf("parameter %q: min %v > max %v", p.Name, min, max))
	}
	p.Min = min
	p.Max = max
}

// Bounded reports whether either side of the interval is finite.
func (p *Parameter) Bounded() bool {
	return !math.IsInf(p.Min, -1) || !math.IsInf(p.Max, 1)
}

// Clamp returns v forced into the parameter's bounds.
func (p *Parameter) Clamp(v float64) float64 {
	return math.Max(p.Min, math.Min(v, p.Max))
}

// Clone returns a deep copy of the parameter.
func (p *Parameter) Clone() *Parameter {
	q := *p
	return &q
}

func (p *Parameter) String() string {
	state := "free"
	if p.Frozen {
		state = "frozen"
	}
	return fmt.Sprintf("%s=%g %s (%s)", p.Name, p.Value, p.Unit, state)
}

// Parameters is an ordered, named collection of parameters. The order is
// the canonical parameter order of a fit: free-parameter vectors and the
// covariance matrix both follow it.
//
// Combined sets built by NewCombined share the underlying Parameter
// structs with the component sets, so value updates propagate to the
// component models.
type Parameters struct {
	list  []*Parameter
	names []string // qualified lookup names, parallel to list
	index map[string]int
	cov   *mat.SymDense // over the free subset, nil until computed
}

// NewParameters builds a set from the given parameters, keyed by their
// local names. Duplicate names panic: the set is always constructed from
// literals, so a duplicate is a programming error.
func NewParameters(ps ...*Parameter) *Parameters {
	set := &Parameters{index: make(map[string]int, len(ps))}
	for _, p := range ps {
		set.add(p.Name, p)
	}
	return set
}

// NewCombined concatenates component sets under qualifying prefixes
// ("spatial.lon_0"). The returned set shares the Parameter structs with
// the inputs.
func NewCombined(prefixes []string, sets []*Parameters) *Parameters {
	if len(prefixes) != len(sets) {
		panic("prefixes and sets must have equal length")
	}
	combined := &Parameters{index: make(map[string]int)}
	for i, sub := range sets {
		for j, p := range sub.list {
			combined.add(prefixes[i]+"."+sub.names[j], p)
		}
	}
	return combined
}

func (s *Parameters) add(name string, p *Parameter) {
	if _, dup := s.index[name]; dup {
		panic(fmt.Sprintf("duplicate parameter name %q", name))
	}
	s.index[name] = len(s.list)
	s.list = append(s.list, p)
	s.names = append(s.names, name)
}

// Len returns the number of parameters in the set.
func (s *Parameters) Len() int { return len(s.list) }

// Names returns the lookup names in declaration order.
func (s *Parameters) Names() []string {
	return append([]string(nil), s.names...)
}

// Get looks up a parameter by name. A bare local name also resolves
// against a combined set when it is unambiguous, so "lon_0" finds
// "spatial.lon_0" as long as no other component defines it.
func (s *Parameters) Get(name string) (*Parameter, error) {
	if i, ok := s.index[name]; ok {
		return s.list[i], nil
	}
	if !strings.Contains(name, ".") {
		found := -1
		for i, qualified := range s.names {
			if strings.HasSuffix(qualified, "."+name) {
				if found >= 0 {
					return nil, fmt.Errorf("%w: %q is ambiguous", ErrNotFound, name)
				}
				found = i
			}
		}
		if found >= 0 {
			return s.list[found], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// MustGet is Get for names known to exist; it panics otherwise.
func (s *Parameters) MustGet(name string) *Parameter {
	p, err := s.Get(name)
	if err != nil {
		panic(err)
	}
	return p
}

// All returns the parameters in declaration order. The slice is a copy
// but the elements are the live parameters.
func (s *Parameters) All() []*Parameter {
	return append([]*Parameter(nil), s.list...)
}

// Free returns the non-frozen parameters in declaration order.
func (s *Parameters) Free() []*Parameter {
	var free []*Parameter
	for _, p := range s.list {
		if !p.Frozen {
			free = append(free, p)
		}
	}
	return free
}

// FreeValues returns the current values of the free parameters as a flat
// vector in declaration order.
func (s *Parameters) FreeValues() []float64 {
	free := s.Free()
	values := make([]float64, len(free))
	for i, p := range free {
		values[i] = p.Value
	}
	return values
}

// FreeBounds returns the [min, max] interval per free parameter.
func (s *Parameters) FreeBounds() [][2]float64 {
	free := s.Free()
	bounds := make([][2]float64, len(free))
	for i, p := range free {
		bounds[i] = [2]float64{p.Min, p.Max}
	}
	return bounds
}

// SetFreeValues bulk-assigns the free parameters from a flat vector.
func (s *Parameters) SetFreeValues(values []float64) error {
	free := s.Free()
	if len(values) != len(free) {
		return fmt.Errorf("%w: got %d values for %d free parameters",
			ErrShape, len(values), len(free))
	}
	for i, p := range free {
		p.Value = values[i]
	}
	return nil
}

// SetCovariance attaches the covariance matrix over the free subset and
// populates each free parameter's Error from the diagonal. The matrix
// dimension must equal the current number of free parameters.
func (s *Parameters) SetCovariance(cov *mat.SymDense) error {
	free := s.Free()
	if cov != nil && cov.SymmetricDim() != len(free) {
		return fmt.Errorf("%w: covariance is %dx%d but %d parameters are free",
			ErrShape, cov.SymmetricDim(), cov.SymmetricDim(), len(free))
	}
	s.cov = cov
	if cov == nil {
		return nil
	}
	for i, p := range free {
		p.Error = math.Sqrt(math.Abs(cov.At(i, i)))
	}
	return nil
}

// Covariance returns the covariance over the free subset, nil when no fit
// has computed one.
func (s *Parameters) Covariance() *mat.SymDense { return s.cov }

// ParError returns the 1-sigma error of a free parameter from the
// covariance diagonal. It fails with ErrNotAvailable for frozen
// parameters and for sets without a computed covariance.
func (s *Parameters) ParError(name string) (float64, error) {
	p, err := s.Get(name)
	if err != nil {
		return 0, err
	}
	if p.Frozen {
		return 0, fmt.Errorf("%w: %q is frozen", ErrNotAvailable, name)
	}
	if s.cov == nil {
		return 0, fmt.Errorf("%w: covariance not computed", ErrNotAvailable)
	}
	for i, q := range s.Free() {
		if q == p {
			return math.Sqrt(math.Abs(s.cov.At(i, i))), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Clone deep-copies the set. The covariance is fit-specific and is not
// carried over; re-attach it with SetCovariance when needed.
func (s *Parameters) Clone() *Parameters {
	clone := &Parameters{index: make(map[string]int, len(s.list))}
	for i, p := range s.list {
		clone.add(s.names[i], p.Clone())
	}
	return clone
}
