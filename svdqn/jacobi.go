package svdqn

import (
	"math"
	"math/cmplx"
	"slices"

	"github.com/fumin/tensor"
)

const (
	jacobiTol    = 1e-11
	jacobiSweeps = 64
)

// jacobiSVD computes the thin singular value decomposition
// a = u @ diag(sigma) @ vt using one-sided Jacobi rotations.
// Rotations are accumulated in float64 working precision.
// Singular values are returned in descending order.
func jacobiSVD(a *tensor.Dense) (*tensor.Dense, []float64, *tensor.Dense) {
	shape := a.Shape()
	m, n := shape[0], shape[1]
	if m < n {
		// Factorize the adjoint and swap the factors.
		uh, sigma, vth := jacobiSVD(clone(a.H()))
		return clone(vth.H()), sigma, clone(uh.H())
	}

	// b holds the columns of a, rotated until mutually orthogonal.
	b := make([][]complex128, n)
	for j := range b {
		b[j] = make([]complex128, m)
		for i := range m {
			b[j][i] = complex128(a.At(i, j))
		}
	}
	// v accumulates the applied rotations, so that b = a @ v.
	v := make([][]complex128, n)
	for j := range v {
		v[j] = make([]complex128, n)
		v[j][j] = 1
	}

	for range jacobiSweeps {
		changed := false
		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				alpha, beta := norm2(b[p]), norm2(b[q])
				gamma := dot(b[p], b[q])
				r := cmplx.Abs(gamma)
				if r <= jacobiTol*math.Sqrt(alpha*beta) {
					continue
				}
				changed = true

				// Diagonalize the Gram matrix [[alpha, gamma], [conj(gamma), beta]].
				phase := gamma / complex(r, 0)
				zeta := (beta - alpha) / (2 * r)
				t := math.Copysign(1, zeta) / (math.Abs(zeta) + math.Sqrt(1+zeta*zeta))
				c := 1 / math.Sqrt(1+t*t)
				s := c * t

				rotate(b[p], b[q], c, s, phase)
				rotate(v[p], v[q], c, s, phase)
			}
		}
		if !changed {
			break
		}
	}

	sigma := make([]float64, n)
	for j := range sigma {
		sigma[j] = math.Sqrt(norm2(b[j]))
	}
	perm := make([]int, n)
	for j := range perm {
		perm[j] = j
	}
	slices.SortStableFunc(perm, func(x, y int) int {
		switch {
		case sigma[x] > sigma[y]:
			return -1
		case sigma[x] < sigma[y]:
			return 1
		}
		return 0
	})

	u := tensor.Zeros(m, n)
	vt := tensor.Zeros(n, n)
	sorted := make([]float64, n)
	for k, j := range perm {
		sorted[k] = sigma[j]
		if sigma[j] > 0 {
			for i := range m {
				u.SetAt([]int{i, k}, complex64(b[j][i]/complex(sigma[j], 0)))
			}
		}
		for i := range n {
			vt.SetAt([]int{k, i}, complex64(cmplx.Conj(v[j][i])))
		}
	}
	return u, sorted, vt
}

// rotate applies the unitary [[c, s], [-s*conj(phase), c*conj(phase)]] to
// the column pair (x, y) from the right.
func rotate(x, y []complex128, c, s float64, phase complex128) {
	ph := cmplx.Conj(phase)
	for i := range x {
		xi, yi := x[i], y[i]
		x[i] = complex(c, 0)*xi - complex(s, 0)*ph*yi
		y[i] = complex(s, 0)*xi + complex(c, 0)*ph*yi
	}
}

func norm2(x []complex128) float64 {
	var sum float64
	for _, v := range x {
		sum += real(v)*real(v) + imag(v)*imag(v)
	}
	return sum
}

func dot(x, y []complex128) complex128 {
	var sum complex128
	for i := range x {
		sum += cmplx.Conj(x[i]) * y[i]
	}
	return sum
}
