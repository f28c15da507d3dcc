package tensor

import (
	"fmt"
	"sync"
)

// Var is a named, mutable tensor: a trainable parameter.
type Var struct {
	name string
	t    *Tensor
}

// NewVar wraps t as a parameter called name.
func NewVar(name string, t *Tensor) *Var {
	return &Var{name: name, t: t}
}

// Name returns the parameter name.
func (v *Var) Name() string { return v.name }

// Tensor returns the current value.
func (v *Var) Tensor() *Tensor { return v.t }

// Len returns the number of elements.
func (v *Var) Len() int { return v.t.Len() }

// Values returns a copy of the current elements.
func (v *Var) Values() []float64 { return v.t.Data() }

// Set overwrites the elements in place. The shape is unchanged.
func (v *Var) Set(data []float64) error {
	if len(data) != len(v.t.data) {
		return fmt.Errorf("%w: var %q has %d elements, got %d", ErrShape, v.name, len(v.t.data), len(data))
	}
	copy(v.t.data, data)
	if v.t.dtype == Float32 {
		roundFloat32(v.t.data)
	}
	return nil
}

// VarSnapshot is a serializable copy of a Var.
type VarSnapshot struct {
	Name  string    `json:"name" yaml:"name"`
	Shape Shape     `json:"shape" yaml:"shape"`
	Data  []float64 `json:"data" yaml:"data"`
}

// VarMap is an ordered collection of parameters. Vars are returned in
// insertion order. VarMap is safe for concurrent use, but the tensors it
// hands out are not.
type VarMap struct {
	mu    sync.RWMutex
	order []string
	vars  map[string]*Var
}

// NewVarMap creates an empty VarMap.
func NewVarMap() *VarMap {
	return &VarMap{vars: make(map[string]*Var)}
}

// GetOrInit returns the var called name, creating it from init when absent.
// An existing var must have the requested shape.
func (vm *VarMap) GetOrInit(name string, shape Shape, init func(i int) float64) (*Var, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if v, ok := vm.vars[name]; ok {
		if !v.t.shape.Equal(shape) {
			return nil, fmt.Errorf("%w: var %q has shape %v, requested %v", ErrShape, name, v.t.shape, shape)
		}
		return v, nil
	}

	if err := shape.Validate(); err != nil {
		return nil, err
	}
	data := make([]float64, shape.NumElements())
	if init != nil {
		for i := range data {
			data[i] = init(i)
		}
	}
	t, err := New(data, shape, Float64)
	if err != nil {
		return nil, err
	}
	v := NewVar(name, t)
	vm.vars[name] = v
	vm.order = append(vm.order, name)
	return v, nil
}

// Get returns the var called name.
func (vm *VarMap) Get(name string) (*Var, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	v, ok := vm.vars[name]
	return v, ok
}

// AllVars returns every var in insertion order.
func (vm *VarMap) AllVars() []*Var {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	out := make([]*Var, 0, len(vm.order))
	for _, name := range vm.order {
		out = append(out, vm.vars[name])
	}
	return out
}

// Len returns the total number of scalar parameters.
func (vm *VarMap) Len() int {
	return TotalLen(vm.AllVars())
}

// Snapshot copies every var.
func (vm *VarMap) Snapshot() []VarSnapshot {
	vars := vm.AllVars()
	out := make([]VarSnapshot, len(vars))
	for i, v := range vars {
		out[i] = VarSnapshot{Name: v.name, Shape: v.t.Shape(), Data: v.Values()}
	}
	return out
}

// Restore loads snapshot values into existing vars. Every snapshot must name
// a var of the same shape.
func (vm *VarMap) Restore(snaps []VarSnapshot) error {
	for _, s := range snaps {
		v, ok := vm.Get(s.Name)
		if !ok {
			return fmt.Errorf("restore: unknown var %q", s.Name)
		}
		if !v.t.shape.Equal(s.Shape) {
			return fmt.Errorf("%w: restore %q: shape %v, snapshot %v", ErrShape, s.Name, v.t.shape, s.Shape)
		}
		if err := v.Set(s.Data); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	return nil
}

// TotalLen returns the number of scalar parameters across vars.
func TotalLen(vars []*Var) int {
	n := 0
	for _, v := range vars {
		n += v.Len()
	}
	return n
}

// Flatten concatenates the values of vars into dst, which must hold
// TotalLen(vars) elements.
func Flatten(dst []float64, vars []*Var) {
	off := 0
	for _, v := range vars {
		off += copy(dst[off:], v.t.data)
	}
}

// Unflatten writes src back into vars, in order.
func Unflatten(vars []*Var, src []float64) error {
	if len(src) != TotalLen(vars) {
		return fmt.Errorf("%w: %d values for %d parameters", ErrShape, len(src), TotalLen(vars))
	}
	off := 0
	for _, v := range vars {
		n := v.Len()
		if err := v.Set(src[off : off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}
