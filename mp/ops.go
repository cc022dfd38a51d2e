package mp

import (
	"fmt"
	"math/cmplx"
	"slices"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
)

// Dot is the full contraction of two equal-length chains, accumulating a
// running boundary tensor from left to right. It is bilinear: neither
// operand is conjugated. Use Conj on one operand for an inner product.
func (c *Chain) Dot(other *Chain) (complex64, error) {
	if other == nil || len(c.sites) != len(other.sites) {
		return 0, errors.Wrap(ErrPrecondition, "chain lengths differ")
	}
	if len(c.sites) == 0 {
		return 0, errors.Wrap(ErrPrecondition, "empty chain")
	}
	if c.kind.Rank() != other.kind.Rank() {
		return 0, errors.Wrap(ErrPrecondition, fmt.Sprintf("rank %d against rank %d", c.kind.Rank(), other.kind.Rank()))
	}

	// f[i, j] runs over the open bonds of c and other respectively.
	f := tensor.Zeros(1, 1)
	f.SetAt([]int{0, 0}, 1)
	buf := tensor.Zeros(1)
	for i, m1 := range c.sites {
		m2 := other.sites[i]
		s1, s2 := m1.Shape(), m2.Shape()
		if !slices.Equal(s1[1:len(s1)-1], s2[1:len(s2)-1]) {
			return 0, errors.Wrap(ErrPrecondition, fmt.Sprintf("site %d: physical dims %v %v", i, s1, s2))
		}

		fm := tensor.Product(buf, f, m2, [][2]int{{1, 0}})
		axes := make([][2]int, 0, len(s1)-1)
		for ax := range len(s1) - 1 {
			axes = append(axes, [2]int{ax, ax})
		}
		f = tensor.Product(f, m1, fm, axes)
	}

	if !slices.Equal(f.Shape(), []int{1, 1}) {
		return 0, errors.Wrap(ErrPrecondition, fmt.Sprintf("open boundary %#v", f.Shape()))
	}
	return f.At(0, 0), nil
}

// Conj returns the element-wise complex conjugate as a new chain.
func (c *Chain) Conj() *Chain {
	n := c.Copy()
	for i, mt := range n.sites {
		n.sites[i] = resetCopy(tensor.Zeros(1), mt.Conj())
	}
	return n
}

// Scale multiplies the chain by v. Only the tensor at the orthogonality
// boundary is touched; the canonical form gauge makes this equivalent to
// scaling every element. A complex factor promotes the chain to complex
// storage first.
func (c *Chain) Scale(v complex64, inplace bool) *Chain {
	n := c
	if !inplace {
		n = c.Copy()
	}
	if imag(v) != 0 {
		n.elemType = Complex
	}
	idx := max(n.qnidx, 0)
	n.sites[idx] = resetCopy(tensor.Zeros(1), n.sites[idx]).Mul(v)
	return n
}

// ToComplex promotes the chain to complex storage. The promotion is
// irreversible for the chain's lifetime.
func (c *Chain) ToComplex(inplace bool) *Chain {
	n := c
	if !inplace {
		n = c.Copy()
	}
	n.elemType = Complex
	return n
}

// Angle returns |<c|other>|.
func (c *Chain) Angle(other *Chain) (float64, error) {
	d, err := c.Conj().Dot(other)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	return abs(d), nil
}

// Distance returns <c|c> - |<c|other>| - |<other|c>| + <other|other>, the
// convergence metric of a compression sweep.
func (c *Chain) Distance(other *Chain) (float64, error) {
	cc, oc := c.Conj(), other.Conj()
	aa, err := cc.Dot(c)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	ab, err := cc.Dot(other)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	ba, err := oc.Dot(c)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	bb, err := oc.Dot(other)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	return float64(real(aa)) - abs(ab) - abs(ba) + float64(real(bb)), nil
}

// DistanceRaw is Distance against a raw tensor sequence, auto-wrapped into
// a chain of the same kind and model.
func (c *Chain) DistanceRaw(raws []*tensor.Dense) (float64, error) {
	other, err := FromRaw(c.kind, c.mdl, raws)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	return c.Distance(other)
}

// ToRaw exports the site tensors as deep copies.
func (c *Chain) ToRaw() []*tensor.Dense {
	raws := make([]*tensor.Dense, len(c.sites))
	for i, mt := range c.sites {
		raws[i] = resetCopy(tensor.Zeros(1), mt)
	}
	return raws
}

// Equal reports element-wise equality within tol.
func (c *Chain) Equal(other *Chain, tol float64) bool {
	if other == nil || len(c.sites) != len(other.sites) {
		return false
	}
	for i, m1 := range c.sites {
		m2 := other.sites[i]
		if !slices.Equal(m1.Shape(), m2.Shape()) {
			return false
		}
		for ijk, v := range m1.All() {
			if abs(v-m2.At(ijk...)) > tol {
				return false
			}
		}
	}
	return true
}

func abs(x complex64) float64 {
	return cmplx.Abs(complex128(x))
}
