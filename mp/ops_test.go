package mp

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"mpchain/model"
)

func TestDot(t *testing.T) {
	t.Parallel()
	a, _ := testChain(t, 3)
	b, err := FromRaw(State, wModel(), wState())
	require.NoError(t, err)

	got, err := a.Dot(b)
	require.NoError(t, err)

	// Reference value from the fully expanded states. Dot is bilinear, so
	// neither side is conjugated.
	ampA, ampB := amplitudes(a), amplitudes(b)
	var want complex128
	for k := range ampA {
		want += ampA[k] * ampB[k]
	}
	require.Less(t, cmplx.Abs(want-complex128(got)), 1e-4)
}

func TestDotErrors(t *testing.T) {
	t.Parallel()
	a, _ := testChain(t, 3)

	// Length mismatch.
	b, _ := testChain(t, 4)
	_, err := a.Dot(b)
	require.True(t, errors.Is(err, ErrPrecondition), "%v", err)

	// Empty chains.
	_, err = New(State, model.Uniform(2, 0)).Dot(New(State, model.Uniform(2, 0)))
	require.True(t, errors.Is(err, ErrPrecondition), "%v", err)

	// Rank mismatch.
	op := New(Operator, model.New([]int{2, 2, 2}, nil))
	for range 3 {
		require.NoError(t, op.Append(ones(1, 2, 2, 1)))
	}
	_, err = a.Dot(op)
	require.True(t, errors.Is(err, ErrPrecondition), "%v", err)

	// Physical dimension mismatch.
	c3 := New(State, model.Uniform(3, 3))
	require.NoError(t, c3.Append(ones(1, 3, 1)))
	require.NoError(t, c3.Append(ones(1, 3, 1)))
	require.NoError(t, c3.Append(ones(1, 3, 1)))
	_, err = a.Dot(c3)
	require.True(t, errors.Is(err, ErrPrecondition), "%v", err)
}

func TestAngle(t *testing.T) {
	t.Parallel()
	c, _ := testChain(t, 3)

	amps := amplitudes(c)
	var norm2 float64
	for _, a := range amps {
		norm2 += real(a)*real(a) + imag(a)*imag(a)
	}

	got, err := c.Angle(c)
	require.NoError(t, err)
	require.InDelta(t, norm2, got, 1e-4)
}

func TestConj(t *testing.T) {
	t.Parallel()
	c, _ := testChain(t, 3)
	c = c.Scale(complex(0, 1), true)
	require.Equal(t, Complex, c.ElementType())

	amps, conjAmps := amplitudes(c), amplitudes(c.Conj())
	for k := range amps {
		require.Less(t, cmplx.Abs(cmplx.Conj(amps[k])-conjAmps[k]), 1e-6, "k=%d", k)
	}
}

func TestScale(t *testing.T) {
	t.Parallel()
	c, _ := testChain(t, 3)
	amps := amplitudes(c)

	// A real factor keeps the chain real and scales every amplitude.
	scaled := c.Scale(2, false)
	require.Equal(t, Real, scaled.ElementType())
	for k, a := range amplitudes(scaled) {
		require.Less(t, cmplx.Abs(2*amps[k]-a), 1e-5, "k=%d", k)
	}
	// Not in place: the original is untouched.
	for k, a := range amplitudes(c) {
		require.Equal(t, amps[k], a, "k=%d", k)
	}

	// A complex factor promotes the element type.
	inplace := c.Scale(complex(0, 1), true)
	require.Same(t, c, inplace)
	require.Equal(t, Complex, c.ElementType())
	for k, a := range amplitudes(c) {
		require.Less(t, cmplx.Abs(complex(0, 1)*amps[k]-a), 1e-5, "k=%d", k)
	}
}

func TestToComplex(t *testing.T) {
	t.Parallel()
	c, _ := testChain(t, 3)
	n := c.ToComplex(false)
	require.Equal(t, Real, c.ElementType())
	require.Equal(t, Complex, n.ElementType())

	c.ToComplex(true)
	require.Equal(t, Complex, c.ElementType())
}

func TestDistanceSelf(t *testing.T) {
	t.Parallel()
	c, _ := testChain(t, 4)
	dist, err := c.Distance(c.Copy())
	require.NoError(t, err)
	require.Less(t, math.Abs(dist), 1e-4)
}

func TestDistanceRaw(t *testing.T) {
	t.Parallel()
	c, raws := testChain(t, 4)
	dist, err := c.DistanceRaw(raws)
	require.NoError(t, err)
	require.Less(t, math.Abs(dist), 1e-4)
}

func TestEqual(t *testing.T) {
	t.Parallel()
	c, _ := testChain(t, 3)
	n := c.Copy()
	require.True(t, c.Equal(n, 0))

	n.sites[1].SetAt([]int{0, 0, 0}, n.sites[1].At(0, 0, 0)+1e-3)
	require.True(t, c.Equal(n, 1e-2))
	require.False(t, c.Equal(n, 1e-4))

	require.False(t, c.Equal(nil, 1))
	short, _ := testChain(t, 2)
	require.False(t, c.Equal(short, 1))
}

// amplitudes expands a state chain into its full coefficient vector, one
// entry per physical basis state combination, in row-major order.
func amplitudes(c *Chain) []complex128 {
	n := c.SiteNum()
	dims := make([]int, n)
	total := 1
	for i := range n {
		dims[i] = c.Site(i).Shape()[1]
		total *= dims[i]
	}

	out := make([]complex128, 0, total)
	idx := make([]int, n)
	for range total {
		v := []complex128{1}
		for i := range n {
			mt := c.Site(i)
			s := mt.Shape()
			nv := make([]complex128, s[2])
			for b := range s[2] {
				for a := range s[0] {
					nv[b] += v[a] * complex128(mt.At(a, idx[i], b))
				}
			}
			v = nv
		}
		out = append(out, v[0])

		for i := n - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < dims[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}
