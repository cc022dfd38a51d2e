// Package svdqn factorizes two-index tensor views block by block under a
// quantum number conservation constraint.
//
// Rows and columns of the input are grouped into sectors where the left
// label plus the right label equals the total quantum number. Each sector
// is factorized on its own and scattered back, so the returned factors
// never mix disallowed sectors.
package svdqn

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
)

// Mode selects the kind of factorization.
type Mode int

const (
	// QR returns an isometric factor and its complement.
	QR Mode = iota + 1
	// SVD returns a truncatable singular value decomposition.
	SVD
)

// Side is the side that ends up orthonormalized in QR mode.
type Side int

const (
	Left Side = iota + 1
	Right
)

// Result is the outcome of a constrained factorization,
// a = U @ diag(Sigma) @ Vt in SVD mode, or a = U @ Vt in QR mode.
// QNLeft and QNRight label the new internal index; for every column k,
// QNLeft[k] + QNRight[k] equals the total quantum number.
type Result struct {
	U     *tensor.Dense
	Sigma []float64 // SVD mode only, descending.
	Vt    *tensor.Dense

	QNLeft  []int
	QNRight []int
}

type block struct {
	q    int
	rows []int
	cols []int

	u     *tensor.Dense
	sigma []float64
	vt    *tensor.Dense
}

// Factorize decomposes the matrix a whose rows carry the labels qnbigl and
// whose columns carry qnbigr. If constrained is false, the labels are
// ignored and a single unconstrained sector is factorized.
func Factorize(a *tensor.Dense, qnbigl, qnbigr []int, qntot int, constrained bool, mode Mode, side Side) (Result, error) {
	shape := a.Shape()
	if len(shape) != 2 {
		return Result{}, errors.Errorf("not a matrix: %#v", shape)
	}
	if len(qnbigl) != shape[0] || len(qnbigr) != shape[1] {
		return Result{}, errors.Errorf("labels %d %d, shape %#v", len(qnbigl), len(qnbigr), shape)
	}

	blocks := partition(qnbigl, qnbigr, qntot, constrained)
	if len(blocks) == 0 {
		return Result{}, errors.Errorf("no sector satisfies total quantum number %d", qntot)
	}

	for i := range blocks {
		if err := factorizeBlock(a, &blocks[i], mode, side); err != nil {
			return Result{}, errors.Wrap(err, fmt.Sprintf("sector %d", blocks[i].q))
		}
	}

	return assemble(shape, blocks, qntot, constrained, mode), nil
}

func partition(qnbigl, qnbigr []int, qntot int, constrained bool) []block {
	if !constrained {
		return []block{{rows: irange(len(qnbigl)), cols: irange(len(qnbigr))}}
	}

	rowsByQ := make(map[int][]int)
	for i, q := range qnbigl {
		rowsByQ[q] = append(rowsByQ[q], i)
	}
	colsByQ := make(map[int][]int)
	for j, q := range qnbigr {
		colsByQ[q] = append(colsByQ[q], j)
	}

	qs := make([]int, 0, len(rowsByQ))
	for q := range rowsByQ {
		if len(colsByQ[qntot-q]) > 0 {
			qs = append(qs, q)
		}
	}
	slices.Sort(qs)

	blocks := make([]block, 0, len(qs))
	for _, q := range qs {
		blocks = append(blocks, block{q: q, rows: rowsByQ[q], cols: colsByQ[qntot-q]})
	}
	return blocks
}

func factorizeBlock(a *tensor.Dense, b *block, mode Mode, side Side) error {
	blk := tensor.Zeros(len(b.rows), len(b.cols))
	for p, i := range b.rows {
		for q, j := range b.cols {
			blk.SetAt([]int{p, q}, a.At(i, j))
		}
	}

	switch mode {
	case SVD:
		b.u, b.sigma, b.vt = jacobiSVD(blk)
	case QR:
		bufs := [2]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1)}
		q := tensor.Zeros(1)
		switch side {
		case Left:
			r := tensor.QR(q, blk, bufs)
			b.u, b.vt = q, clone(r)
		case Right:
			// LQ via QR of the adjoint.
			r := tensor.QR(q, clone(blk.H()), bufs)
			b.u, b.vt = clone(r.H()), clone(q.H())
		default:
			return errors.Errorf("side %d", side)
		}
	default:
		return errors.Errorf("mode %d", mode)
	}
	return nil
}

func assemble(shape []int, blocks []block, qntot int, constrained bool, mode Mode) Result {
	type column struct {
		b, k  int
		sigma float64
	}
	columns := make([]column, 0)
	for bi := range blocks {
		for k := range blocks[bi].u.Shape()[1] {
			c := column{b: bi, k: k}
			if mode == SVD {
				c.sigma = blocks[bi].sigma[k]
			}
			columns = append(columns, c)
		}
	}
	if mode == SVD {
		slices.SortStableFunc(columns, func(x, y column) int { return cmp.Compare(y.sigma, x.sigma) })
	}

	res := Result{
		U:       tensor.Zeros(shape[0], len(columns)),
		Vt:      tensor.Zeros(len(columns), shape[1]),
		QNLeft:  make([]int, len(columns)),
		QNRight: make([]int, len(columns)),
	}
	if mode == SVD {
		res.Sigma = make([]float64, len(columns))
	}
	for k, c := range columns {
		b := blocks[c.b]
		for p, i := range b.rows {
			res.U.SetAt([]int{i, k}, b.u.At(p, c.k))
		}
		for q, j := range b.cols {
			res.Vt.SetAt([]int{k, j}, b.vt.At(c.k, q))
		}
		res.QNLeft[k] = b.q
		if constrained {
			res.QNRight[k] = qntot - b.q
		}
		if mode == SVD {
			res.Sigma[k] = c.sigma
		}
	}
	return res
}

func clone(src *tensor.Dense) *tensor.Dense {
	dst := tensor.Zeros(1)
	dst.Reset(src.Shape()...).Set(make([]int, len(src.Shape())), src)
	return dst
}

func irange(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
