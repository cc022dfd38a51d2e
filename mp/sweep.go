package mp

import (
	"fmt"
	"slices"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"mpchain/svdqn"
)

// Canonicalize runs one renormalization sweep without truncation. The
// boundary must be in a canonical state; on return it has flipped to the
// opposite one, and the tensors behind it satisfy the orthogonality
// invariant.
func (c *Chain) Canonicalize() error {
	return c.sweep(false, false)
}

// Compress runs one renormalization sweep with the truncation policy
// applied at every bond. If checkCanonical is true, the canonical form
// invariant is verified before sweeping.
func (c *Chain) Compress(checkCanonical bool) error {
	if c.method != CompressSVD {
		return errors.Wrap(ErrPrecondition, "only svd compression is implemented")
	}
	return c.sweep(true, checkCanonical)
}

func (c *Chain) sweep(compressing, checkCanonical bool) error {
	if len(c.sites) == 0 {
		return errors.Wrap(ErrPrecondition, "empty chain")
	}
	if c.qn == nil {
		// First sweep establishes the trivial quantum number state.
		c.BuildEmptyQN()
	}

	descending := false
	switch {
	case c.IsLeftCanon():
		descending = true
	case c.IsRightCanon():
	default:
		return errors.Wrap(ErrPrecondition, fmt.Sprintf("boundary %d is not canonical", c.qnidx))
	}
	if checkCanonical {
		ok := c.CheckRightCanonical()
		if descending {
			ok = c.CheckLeftCanonical()
		}
		if !ok {
			return errors.Wrap(ErrPrecondition, "canonical form violated")
		}
	}

	if descending {
		for idx := len(c.sites) - 1; idx >= 1; idx-- {
			if err := c.renormalizeSite(idx, compressing, descending); err != nil {
				return errors.Wrap(err, fmt.Sprintf("site %d", idx))
			}
		}
	} else {
		for idx := 0; idx <= len(c.sites)-2; idx++ {
			if err := c.renormalizeSite(idx, compressing, descending); err != nil {
				return errors.Wrap(err, fmt.Sprintf("site %d", idx))
			}
		}
	}

	c.switchDomain(descending)
	c.SetPeakBytes()
	return nil
}

// renormalizeSite re-factors the tensor at idx and absorbs the
// non-isometric complement into the next site in the sweep direction.
func (c *Chain) renormalizeSite(idx int, compressing, descending bool) error {
	mt := c.sites[idx]
	if !anyNonZero(mt) {
		return errors.Wrap(ErrDegenerate, "site tensor is zero before factorization")
	}
	shape := slices.Clone(mt.Shape())
	last := len(shape) - 1
	pdim := prod(shape[1:last])

	// Merge the physical index into the bond away from the sweep
	// direction, and build the combined labels of the merged side.
	var view *tensor.Dense
	var qnbigl, qnbigr []int
	var side svdqn.Side
	if descending {
		view = mt.Reshape(shape[0], pdim*shape[last])
		qnbigl = slices.Clone(c.qn[idx])
		qnbigr = outerAdd(c.siteQN[idx], c.qn[idx+1])
		side = svdqn.Right
	} else {
		view = mt.Reshape(shape[0]*pdim, shape[last])
		qnbigl = outerAdd(c.qn[idx], c.siteQN[idx])
		qnbigr = slices.Clone(c.qn[idx+1])
		side = svdqn.Left
	}

	mode := svdqn.QR
	if compressing {
		mode = svdqn.SVD
	}
	qntot, qnset := c.QNTot()
	res, err := svdqn.Factorize(view, qnbigl, qnbigr, qntot, qnset, mode, side)
	if err != nil {
		return errors.Wrap(err, "")
	}

	m := res.U.Shape()[1]
	if compressing {
		m, err = truncRank(res.Sigma, c.threshold)
		if err != nil {
			return errors.Wrap(err, "")
		}
	}
	u := resetCopy(tensor.Zeros(1), res.U.Slice([][2]int{{0, res.U.Shape()[0]}, {0, m}}))
	vt := resetCopy(tensor.Zeros(1), res.Vt.Slice([][2]int{{0, m}, {0, res.Vt.Shape()[1]}}))
	if compressing {
		// Fold the singular values into the non-isometric side.
		if descending {
			scaleColumns(u, res.Sigma)
		} else {
			scaleRows(vt, res.Sigma)
		}
	}

	var site *tensor.Dense
	if descending {
		newShape := append([]int{m}, shape[1:last]...)
		site = vt.Reshape(append(newShape, vt.Shape()[1]/pdim)...)
	} else {
		newShape := append([]int{shape[0]}, shape[1:last]...)
		site = u.Reshape(append(newShape, m)...)
	}
	if !anyNonZero(site) {
		return errors.Wrap(ErrDegenerate, "site tensor is zero after factorization")
	}

	if descending {
		prev := c.sites[idx-1]
		rank := len(prev.Shape())
		c.sites[idx-1] = tensor.Product(tensor.Zeros(1), prev, u, [][2]int{{rank - 1, 0}})
		c.qn[idx] = slices.Clone(res.QNRight[:m])
	} else {
		next := c.sites[idx+1]
		c.sites[idx+1] = tensor.Product(tensor.Zeros(1), vt, next, [][2]int{{1, 0}})
		c.qn[idx+1] = slices.Clone(res.QNLeft[:m])
	}
	c.sites[idx] = site
	c.SetPeakBytes()
	return nil
}

func (c *Chain) switchDomain(descending bool) {
	if descending {
		c.qnidx = 0
	} else {
		c.qnidx = len(c.sites) - 1
	}
}

// truncRank applies the truncation policy to a descending singular value
// spectrum and returns the kept rank.
func truncRank(sigma []float64, threshold float64) (int, error) {
	if len(sigma) == 0 {
		return 0, errors.Wrap(ErrPrecondition, "empty spectrum")
	}
	m := 0
	if threshold < 1 {
		norm := floats.Norm(sigma, 2)
		if norm == 0 {
			return 0, errors.Wrap(ErrPrecondition, "zero-valued spectrum")
		}
		for _, s := range sigma {
			if s/norm > threshold {
				m++
			}
		}
	} else {
		m = min(int(threshold), len(sigma))
	}
	if m == 0 {
		return 0, errors.Wrap(ErrPrecondition, "truncation keeps zero singular values")
	}
	return m, nil
}

// outerAdd is the flattened outer sum of two label vectors, in row-major
// order matching the corresponding index merge.
func outerAdd(a, b []int) []int {
	out := make([]int, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			out = append(out, x+y)
		}
	}
	return out
}

func scaleColumns(t *tensor.Dense, sigma []float64) {
	for ijk, v := range t.All() {
		t.SetAt(ijk, v*complex(float32(sigma[ijk[1]]), 0))
	}
}

func scaleRows(t *tensor.Dense, sigma []float64) {
	for ijk, v := range t.All() {
		t.SetAt(ijk, v*complex(float32(sigma[ijk[0]]), 0))
	}
}
