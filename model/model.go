// Package model describes the physical structure of a matrix product chain:
// the dimension of each physical bond, and the quantum number carried by
// every physical basis state of a site.
package model

// SiteQN returns the quantum number labels of the physical index of a site.
// The returned slice has one entry per physical basis state. For
// operator-type chains the labels cover the flattened row x column physical
// index, in row-major order.
type SiteQN func(site int) []int

// Model is the physical-model descriptor a chain is built against.
type Model struct {
	// PBond is the physical bond dimension of each site.
	PBond []int
	// SiteQN is the per-site label rule.
	SiteQN SiteQN
}

// New returns a model with the given physical bond dimensions and label rule.
func New(pbond []int, rule SiteQN) *Model {
	return &Model{PBond: pbond, SiteQN: rule}
}

// Trivial returns a model whose sites carry no conserved quantity.
// All labels are zero.
func Trivial(pbond ...int) *Model {
	m := &Model{PBond: pbond}
	m.SiteQN = func(site int) []int {
		return make([]int, m.PBond[site])
	}
	return m
}

// Uniform returns a trivial model of n sites with physical dimension d.
func Uniform(d, n int) *Model {
	pbond := make([]int, n)
	for i := range pbond {
		pbond[i] = d
	}
	return Trivial(pbond...)
}

// SiteNum returns the number of sites.
func (m *Model) SiteNum() int {
	return len(m.PBond)
}
