// Command run builds a random matrix product state, canonicalizes and
// compresses it, and reports bond dimensions, compression error and peak
// storage.
package main

import (
	"flag"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"mpchain/model"
	"mpchain/mp"
	"mpchain/store"
)

var (
	sites     = flag.Int("n", 12, "number of sites")
	physD     = flag.Int("d", 2, "physical bond dimension")
	bondD     = flag.Int("b", 16, "maximum initial bond dimension")
	threshold = flag.Float64("t", 1e-3, "compression threshold")
	runDir    = flag.String("dir", filepath.Join("runs", "mpchain"), "run directory")
)

func main() {
	flag.Parse()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := mainWithErr(log); err != nil {
		log.Fatal().Msgf("%+v", err)
	}
}

func mainWithErr(log zerolog.Logger) error {
	if err := os.MkdirAll(*runDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}

	chain, err := mp.FromRaw(mp.State, model.Uniform(*physD, *sites), randRaws(*sites, *physD, *bondD))
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := chain.SetThreshold(*threshold); err != nil {
		return errors.Wrap(err, "")
	}
	chain.OnPeakBytesUpdated(func(oldBytes, newBytes int) {
		log.Debug().Int("old", oldBytes).Int("new", newBytes).Msg("peak bytes")
	})
	original := chain.Copy()
	log.Info().Ints("bonds", chain.BondDims()).Msg("built")

	if err := chain.Canonicalize(); err != nil {
		return errors.Wrap(err, "")
	}
	log.Info().Ints("bonds", chain.BondDims()).Int("qnidx", chain.QNIdx()).Msg("canonicalized")

	if err := chain.Compress(true); err != nil {
		return errors.Wrap(err, "")
	}
	dist, err := chain.Distance(original)
	if err != nil {
		return errors.Wrap(err, "")
	}
	log.Info().
		Ints("bonds", chain.BondDims()).
		Float64("distance", dist).
		Int("peakBytes", chain.PeakBytes()).
		Msg("compressed")

	db, err := store.Open(filepath.Join(*runDir, "chain.sqlite"))
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer db.Close()
	if err := db.Save(chain.ToRaw()); err != nil {
		return errors.Wrap(err, "")
	}
	log.Info().Str("path", db.Path).Msg("saved")

	return nil
}

func randRaws(n, d, maxD int) []*tensor.Dense {
	rng := rand.New(rand.NewPCG(11, 13))
	raws := make([]*tensor.Dense, 0, n)
	leftD := 1
	for i := range n {
		rightD := min(bondDim(i+1, n, d), maxD)
		t := tensor.Zeros(leftD, d, rightD)
		for ijk := range t.All() {
			t.SetAt(ijk, complex(rng.Float32()*2-1, 0))
		}
		raws = append(raws, t)
		leftD = rightD
	}
	return raws
}

// bondDim is the exact bond dimension of an n-site state at bond i.
func bondDim(i, n, d int) int {
	left, right := i, n-i
	if left > right {
		left = right
	}
	return pow(d, left)
}

func pow(d, k int) int {
	p := 1
	for range k {
		p *= d
	}
	return p
}
