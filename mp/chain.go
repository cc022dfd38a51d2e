// Package mp implements matrix product chains (matrix product states and
// operators): ordered site tensors connected by shared bond indices, with
// conserved quantum number labels on every bond and renormalization sweeps
// that keep the chain in canonical form.
//
// References:
//   - The density-matrix renormalization group in the age of matrix product states, Ulrich Schollwock
package mp

import (
	"fmt"
	"math"
	"slices"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"mpchain/model"
)

const (
	defaultThreshold = 1e-3

	// orthoTol is the tolerance of canonical form checks, sized for
	// complex64 tensor storage.
	orthoTol = 1e-4
)

// Error kinds. Callers discriminate with errors.Is.
var (
	// ErrConfig is an invalid configuration value, rejected eagerly.
	ErrConfig = errors.New("invalid configuration")
	// ErrPrecondition is an operation invoked on a chain that does not
	// satisfy the operation's requirements.
	ErrPrecondition = errors.New("precondition violated")
	// ErrDegenerate is a numerically degenerate (all-zero) tensor.
	ErrDegenerate = errors.New("degenerate tensor")
)

// Kind is the closed set of chain variants.
type Kind int

const (
	// State is a matrix product state; site tensors have rank 3
	// (left bond, physical, right bond).
	State Kind = iota + 1
	// Operator is a matrix product operator; site tensors have rank 4
	// (left bond, physical row, physical column, right bond).
	Operator
	// Mixed is a matrix product density matrix; site tensors have rank 4.
	Mixed
)

// Rank returns the tensor rank of the kind's site tensors.
func (k Kind) Rank() int {
	if k == State {
		return 3
	}
	return 4
}

func (k Kind) String() string {
	switch k {
	case State:
		return "state"
	case Operator:
		return "operator"
	case Mixed:
		return "mixed"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ElementType is the numeric element type of a chain's tensors.
type ElementType int

const (
	Real ElementType = iota + 1
	Complex
)

// CompressMethod selects the compression algorithm.
type CompressMethod int

const (
	CompressSVD CompressMethod = iota + 1
	CompressVariational
)

// delegated is an attribute that either owns its value or delegates to the
// chain's model.
type delegated[T any] struct {
	value T
	owned bool
}

func (d delegated[T]) resolve(fromModel T) T {
	if d.owned {
		return d.value
	}
	return fromModel
}

// Chain is an ordered, mutable sequence of site tensors with per-bond
// quantum number labels and an orthogonality boundary. The chain owns its
// tensors: assignments copy, and tensors read out of the chain must not be
// mutated by callers.
//
// A Chain is not safe for concurrent mutation.
type Chain struct {
	kind Kind
	mdl  *model.Model

	sites  []*tensor.Dense
	siteQN [][]int // physical index labels, cached on insertion

	pbond  delegated[[]int]
	qnRule delegated[model.SiteQN]

	qn      [][]int
	qnidx   int // -1 until QN state is established
	qntot   int
	qnset   bool
	dummyQN bool

	elemType  ElementType
	method    CompressMethod
	threshold float64

	peakBytes int
	onPeak    func(oldBytes, newBytes int)
}

// New returns an empty chain of the given kind, built against mdl.
func New(kind Kind, mdl *model.Model) *Chain {
	return &Chain{
		kind:      kind,
		mdl:       mdl,
		qnidx:     -1,
		elemType:  Real,
		method:    CompressSVD,
		threshold: defaultThreshold,
	}
}

// FromRaw builds a chain from a raw tensor sequence. The tensors are deep
// copied; quantum number state stays unestablished until the first
// canonicalization, or until SetQN.
func FromRaw(kind Kind, mdl *model.Model, raws []*tensor.Dense) (*Chain, error) {
	c := New(kind, mdl)
	for i, raw := range raws {
		if err := c.Append(raw); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("site %d", i))
		}
	}
	return c, nil
}

// Append adds a site tensor at the end of the chain, deriving the physical
// index labels of the new site from the label rule.
func (c *Chain) Append(raw *tensor.Dense) error {
	return c.insert(len(c.sites), raw)
}

// SetSite replaces the tensor at site idx. The tensor is copied; the
// previously stored tensor object is left unmodified.
func (c *Chain) SetSite(idx int, raw *tensor.Dense) error {
	if idx < 0 || idx >= len(c.sites) {
		return errors.Wrap(ErrPrecondition, fmt.Sprintf("site %d of %d", idx, len(c.sites)))
	}
	return c.insert(idx, raw)
}

func (c *Chain) insert(idx int, raw *tensor.Dense) error {
	shape := raw.Shape()
	if len(shape) != c.kind.Rank() {
		return errors.Wrap(ErrPrecondition, fmt.Sprintf("rank %d tensor in %v chain", len(shape), c.kind))
	}
	if idx > 0 && idx <= len(c.sites) {
		prev := c.sites[idx-1].Shape()
		if shape[0] != prev[len(prev)-1] {
			return errors.Wrap(ErrPrecondition, fmt.Sprintf("bond %d after %d", shape[0], prev[len(prev)-1]))
		}
	}
	if pb := c.physDims(); idx < len(pb) && pb[idx] > 0 && shape[1] != pb[idx] {
		return errors.Wrap(ErrPrecondition, fmt.Sprintf("physical dim %d, model wants %d", shape[1], pb[idx]))
	}

	labels, err := c.siteLabels(idx, prod(shape[1:len(shape)-1]))
	if err != nil {
		return err
	}

	mt := resetCopy(tensor.Zeros(1), raw)
	if idx == len(c.sites) {
		c.sites = append(c.sites, mt)
		c.siteQN = append(c.siteQN, labels)
	} else {
		c.sites[idx] = mt
		c.siteQN[idx] = labels
	}
	c.SetPeakBytes()
	return nil
}

// Site returns the tensor at idx. The returned tensor is owned by the
// chain and must be treated as read only.
func (c *Chain) Site(idx int) *tensor.Dense { return c.sites[idx] }

// SiteNum returns the number of sites.
func (c *Chain) SiteNum() int { return len(c.sites) }

// Kind returns the chain's variant.
func (c *Chain) Kind() Kind { return c.kind }

// ElementType reports whether the chain holds real or complex data.
// Chains start real and are promoted to complex at most once.
func (c *Chain) ElementType() ElementType { return c.elemType }

// BondDims returns the bond dimensions, one per bond (SiteNum+1 entries).
func (c *Chain) BondDims() []int {
	if len(c.sites) == 0 {
		return nil
	}
	dims := make([]int, 0, len(c.sites)+1)
	for _, mt := range c.sites {
		dims = append(dims, mt.Shape()[0])
	}
	last := c.sites[len(c.sites)-1].Shape()
	return append(dims, last[len(last)-1])
}

// Threshold returns the compression threshold.
func (c *Chain) Threshold() float64 { return c.threshold }

// SetThreshold configures the truncation policy. Thresholds in (0, 1)
// keep normalized singular values strictly above the threshold; thresholds
// above 1 are floored to a fixed target rank. Non-finite, non-positive and
// exactly-1 values are rejected.
func (c *Chain) SetThreshold(v float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return errors.Wrap(ErrConfig, fmt.Sprintf("threshold %v", v))
	case v <= 0:
		return errors.Wrap(ErrConfig, fmt.Sprintf("non-positive threshold %v", v))
	case v == 1:
		return errors.Wrap(ErrConfig, "ambiguous threshold 1")
	}
	c.threshold = v
	return nil
}

// SetCompressMethod configures the compression method selector.
func (c *Chain) SetCompressMethod(m CompressMethod) error {
	switch m {
	case CompressSVD, CompressVariational:
		c.method = m
		return nil
	}
	return errors.Wrap(ErrConfig, fmt.Sprintf("compress method %d", int(m)))
}

// OwnPBond overrides the physical bond dimensions of the linked model.
func (c *Chain) OwnPBond(pbond []int) {
	c.pbond = delegated[[]int]{value: slices.Clone(pbond), owned: true}
}

// OwnSiteQN overrides the label rule of the linked model.
func (c *Chain) OwnSiteQN(rule model.SiteQN) {
	c.qnRule = delegated[model.SiteQN]{value: rule, owned: true}
}

func (c *Chain) physDims() []int {
	var mb []int
	if c.mdl != nil {
		mb = c.mdl.PBond
	}
	return c.pbond.resolve(mb)
}

func (c *Chain) labelRule() model.SiteQN {
	var mr model.SiteQN
	if c.mdl != nil {
		mr = c.mdl.SiteQN
	}
	return c.qnRule.resolve(mr)
}

func (c *Chain) siteLabels(idx, pdimProd int) ([]int, error) {
	rule := c.labelRule()
	if c.dummyQN || rule == nil {
		return make([]int, pdimProd), nil
	}
	labels := rule(idx)
	if len(labels) != pdimProd {
		return nil, errors.Wrap(ErrPrecondition, fmt.Sprintf("site %d: %d labels for physical dim %d", idx, len(labels), pdimProd))
	}
	return slices.Clone(labels), nil
}

// QN returns the per-bond label vectors. The returned slices are owned by
// the chain.
func (c *Chain) QN() [][]int { return c.qn }

// QNIdx returns the orthogonality boundary index, or -1 when the quantum
// number state is not established yet.
func (c *Chain) QNIdx() int { return c.qnidx }

// QNTot returns the total quantum number of the chain, and whether it has
// been established.
func (c *Chain) QNTot() (int, bool) {
	if c.dummyQN {
		return 0, true
	}
	return c.qntot, c.qnset
}

// UseDummyQN disables symmetry tracking: all labels are forced to the
// neutral value and the total quantum number is pinned to zero.
func (c *Chain) UseDummyQN() {
	c.dummyQN = true
	c.qntot = 0
	for i := range c.siteQN {
		c.siteQN[i] = make([]int, len(c.siteQN[i]))
	}
	for i := range c.qn {
		c.qn[i] = make([]int, len(c.qn[i]))
	}
}

// BuildEmptyQN establishes the trivial quantum number state: all labels
// zero, total zero, boundary at site 0.
func (c *Chain) BuildEmptyQN() {
	c.qntot = 0
	c.qnset = true
	c.qnidx = 0
	dims := c.BondDims()
	c.qn = make([][]int, len(dims))
	for i, d := range dims {
		c.qn[i] = make([]int, d)
	}
}

// SetQN installs the per-bond labels, the boundary index and the total
// quantum number. The total is immutable once established, except in dummy
// QN mode.
func (c *Chain) SetQN(qn [][]int, qnidx, qntot int) error {
	dims := c.BondDims()
	if len(qn) != len(dims) {
		return errors.Wrap(ErrPrecondition, fmt.Sprintf("%d label vectors for %d bonds", len(qn), len(dims)))
	}
	for i, labels := range qn {
		if len(labels) != dims[i] {
			return errors.Wrap(ErrPrecondition, fmt.Sprintf("bond %d: %d labels for dimension %d", i, len(labels), dims[i]))
		}
	}
	if qnidx < 0 || qnidx >= len(c.sites) {
		return errors.Wrap(ErrPrecondition, fmt.Sprintf("boundary %d of %d sites", qnidx, len(c.sites)))
	}
	if c.qnset && !c.dummyQN && qntot != c.qntot {
		return errors.Wrap(ErrPrecondition, fmt.Sprintf("total quantum number already established as %d", c.qntot))
	}

	c.qn = make([][]int, len(qn))
	for i, labels := range qn {
		c.qn[i] = slices.Clone(labels)
	}
	c.qnidx = qnidx
	if !c.dummyQN {
		c.qntot = qntot
	}
	c.qnset = true
	return nil
}

// MoveQNIdx moves the orthogonality boundary to dst, rewriting the bond
// labels between the old and new boundary as the complement with respect to
// the total quantum number. Moving to the same target twice restores the
// original labels.
func (c *Chain) MoveQNIdx(dst int) error {
	if c.qn == nil {
		return errors.Wrap(ErrPrecondition, "quantum number state not established")
	}
	if dst < 0 || dst >= len(c.sites) {
		return errors.Wrap(ErrPrecondition, fmt.Sprintf("boundary %d of %d sites", dst, len(c.sites)))
	}

	for idx := c.qnidx + 1; idx < len(c.qn)-1; idx++ {
		c.complementBond(idx)
	}
	for idx := len(c.qn) - 2; idx > dst; idx-- {
		c.complementBond(idx)
	}
	c.qnidx = dst
	return nil
}

func (c *Chain) complementBond(idx int) {
	qntot, _ := c.QNTot()
	for j, q := range c.qn[idx] {
		c.qn[idx][j] = qntot - q
	}
}

// IsLeftCanon reports whether the boundary is at the rightmost site.
func (c *Chain) IsLeftCanon() bool { return len(c.sites) > 0 && c.qnidx == len(c.sites)-1 }

// IsRightCanon reports whether the boundary is at site 0.
func (c *Chain) IsRightCanon() bool { return len(c.sites) > 0 && c.qnidx == 0 }

// CheckLeftCanonical verifies that every tensor except the last is
// left orthogonal.
func (c *Chain) CheckLeftCanonical() bool {
	for _, mt := range c.sites[:len(c.sites)-1] {
		if !isOrtho(mt, true) {
			return false
		}
	}
	return true
}

// CheckRightCanonical verifies that every tensor except the first is
// right orthogonal.
func (c *Chain) CheckRightCanonical() bool {
	for _, mt := range c.sites[1:] {
		if !isOrtho(mt, false) {
			return false
		}
	}
	return true
}

// isOrtho contracts mt with its conjugate over all axes but the last
// (left orthogonality) or all but the first (right orthogonality), and
// compares the result with the identity.
func isOrtho(mt *tensor.Dense, left bool) bool {
	rank := len(mt.Shape())
	axes := make([][2]int, 0, rank-1)
	lo := 0
	if !left {
		lo = 1
	}
	for ax := lo; ax < lo+rank-1; ax++ {
		axes = append(axes, [2]int{ax, ax})
	}
	g := tensor.Product(tensor.Zeros(1), mt.Conj(), mt, axes)

	shape := g.Shape()
	if len(shape) != 2 || shape[0] != shape[1] {
		return false
	}
	for i := range shape[0] {
		for j := range shape[1] {
			want := complex64(0)
			if i == j {
				want = 1
			}
			if abs(g.At(i, j)-want) > orthoTol {
				return false
			}
		}
	}
	return true
}

// Copy returns a deep copy. The copy shares no tensor with the original.
func (c *Chain) Copy() *Chain {
	n := &Chain{
		kind:      c.kind,
		mdl:       c.mdl,
		pbond:     c.pbond,
		qnRule:    c.qnRule,
		qnidx:     c.qnidx,
		qntot:     c.qntot,
		qnset:     c.qnset,
		dummyQN:   c.dummyQN,
		elemType:  c.elemType,
		method:    c.method,
		threshold: c.threshold,
		peakBytes: c.peakBytes,
		onPeak:    c.onPeak,
	}
	n.sites = make([]*tensor.Dense, len(c.sites))
	for i, mt := range c.sites {
		n.sites[i] = resetCopy(tensor.Zeros(1), mt)
	}
	n.siteQN = make([][]int, len(c.siteQN))
	for i, labels := range c.siteQN {
		n.siteQN[i] = slices.Clone(labels)
	}
	if c.qn != nil {
		n.qn = make([][]int, len(c.qn))
		for i, labels := range c.qn {
			n.qn[i] = slices.Clone(labels)
		}
	}
	return n
}

// TotalBytes returns the current tensor storage of the chain.
func (c *Chain) TotalBytes() int {
	const elemBytes = 8 // complex64
	total := 0
	for _, mt := range c.sites {
		total += prod(mt.Shape()) * elemBytes
	}
	return total
}

// PeakBytes returns the storage high-water mark observed so far.
func (c *Chain) PeakBytes() int { return c.peakBytes }

// SetPeakBytes updates the high-water mark to the current total storage if
// larger. It never decreases.
func (c *Chain) SetPeakBytes() {
	total := c.TotalBytes()
	if total <= c.peakBytes {
		return
	}
	old := c.peakBytes
	c.peakBytes = total
	if c.onPeak != nil {
		c.onPeak(old, total)
	}
}

// OnPeakBytesUpdated injects an instrumentation callback invoked whenever
// the storage high-water mark grows.
func (c *Chain) OnPeakBytesUpdated(fn func(oldBytes, newBytes int)) {
	c.onPeak = fn
}

func (c *Chain) String() string {
	return fmt.Sprintf("%v chain with %d sites", c.kind, len(c.sites))
}

func resetCopy(dst, src *tensor.Dense) *tensor.Dense {
	shape := src.Shape()
	dst.Reset(shape...).Set(make([]int, len(shape)), src)
	return dst
}

func prod(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

func anyNonZero(t *tensor.Dense) bool {
	for _, v := range t.All() {
		if v != 0 {
			return true
		}
	}
	return false
}
