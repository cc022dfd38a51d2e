package store

import (
	"path/filepath"
	"testing"

	"github.com/fumin/tensor"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	db, err := Open(filepath.Join(t.TempDir(), "chain.sqlite"))
	require.NoError(t, err)
	defer db.Close()

	raws := testRaws()
	require.NoError(t, db.Save(raws))

	got, err := db.Load()
	require.NoError(t, err)
	requireEqualRaws(t, raws, got)
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()
	db, err := Open(filepath.Join(t.TempDir(), "chain.sqlite"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Save(testRaws()))

	// A second save fully replaces the first, including its zero slots.
	small := tensor.Zeros(2, 2)
	small.SetAt([]int{1, 0}, complex(3, -4))
	require.NoError(t, db.Save([]*tensor.Dense{small}))

	got, err := db.Load()
	require.NoError(t, err)
	requireEqualRaws(t, []*tensor.Dense{small}, got)
}

func TestReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "chain.sqlite")

	db, err := Open(path)
	require.NoError(t, err)
	raws := testRaws()
	require.NoError(t, db.Save(raws))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Load()
	require.NoError(t, err)
	requireEqualRaws(t, raws, got)
}

func TestLoadEmpty(t *testing.T) {
	t.Parallel()
	db, err := Open(filepath.Join(t.TempDir(), "chain.sqlite"))
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Load()
	require.NoError(t, err)
	require.Empty(t, got)
}

func testRaws() []*tensor.Dense {
	s0 := tensor.Zeros(1, 2, 2)
	s0.SetAt([]int{0, 0, 0}, 1)
	s0.SetAt([]int{0, 1, 1}, complex(0.5, -0.25))
	s1 := tensor.Zeros(2, 2, 1)
	s1.SetAt([]int{0, 1, 0}, -2)
	s1.SetAt([]int{1, 0, 0}, complex(0, 1))
	return []*tensor.Dense{s0, s1}
}

func requireEqualRaws(t *testing.T, want, got []*tensor.Dense) {
	t.Helper()
	require.Len(t, got, len(want))
	for site, w := range want {
		require.Equal(t, w.Shape(), got[site].Shape(), "site %d", site)
		for ijk, v := range w.All() {
			require.Equal(t, v, got[site].At(ijk...), "site %d index %v", site, ijk)
		}
	}
}
