// Package store persists the raw tensor sequence of a matrix product chain
// in a sqlite database. Zero elements are not stored.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fumin/tensor"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	tableShape = "shape"
	tableElem  = "elem"
)

// DB is a sqlite-backed store holding one tensor sequence.
type DB struct {
	Path string

	db *sql.DB
}

// Open opens or creates the store at dbPath.
func Open(dbPath string) (*DB, error) {
	s := &DB{Path: dbPath}
	var err error
	s.db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	if err := prepareDB(s.db); err != nil {
		s.db.Close()
		return nil, errors.Wrap(err, "")
	}
	return s, nil
}

// Close closes the underlying database.
func (s *DB) Close() error {
	return s.db.Close()
}

// Save replaces the stored sequence with raws.
func (s *DB) Save(raws []*tensor.Dense) error {
	ctx, cancel := context.WithTimeout(context.Background(), 48*time.Hour)
	defer cancel()

	for _, table := range []string{tableShape, tableElem} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return errors.Wrap(err, "")
		}
	}

	for site, raw := range raws {
		shape := raw.Shape()
		for axis, dim := range shape {
			sqlStr := fmt.Sprintf(`INSERT INTO %s (site, axis, dim) VALUES (?, ?, ?)`, tableShape)
			if _, err := s.db.ExecContext(ctx, sqlStr, site, axis, dim); err != nil {
				return errors.Wrap(err, "")
			}
		}

		strides := rowMajorStrides(shape)
		for ijk, v := range raw.All() {
			if v == 0 {
				continue
			}
			flat := 0
			for ax, i := range ijk {
				flat += i * strides[ax]
			}
			sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s (site, i, re, im) VALUES (?, ?, ?, ?)`, tableElem)
			if _, err := s.db.ExecContext(ctx, sqlStr, site, flat, real(v), imag(v)); err != nil {
				return errors.Wrap(err, fmt.Sprintf("site %d index %d", site, flat))
			}
		}
	}
	return nil
}

// Load reads back the stored sequence.
func (s *DB) Load() ([]*tensor.Dense, error) {
	shapes, err := s.loadShapes()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	raws := make([]*tensor.Dense, len(shapes))
	for site, shape := range shapes {
		raws[site] = tensor.Zeros(shape...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 48*time.Hour)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT site, i, re, im FROM %s ORDER BY site, i`, tableElem)
	rows, err := s.db.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()

	for rows.Next() {
		var site, flat int
		var re, im float32
		if err := rows.Scan(&site, &flat, &re, &im); err != nil {
			return nil, errors.Wrap(err, "")
		}
		if site < 0 || site >= len(raws) {
			return nil, errors.Errorf("site %d of %d", site, len(raws))
		}

		shape := shapes[site]
		ijk := make([]int, len(shape))
		for ax := len(shape) - 1; ax >= 0; ax-- {
			ijk[ax] = flat % shape[ax]
			flat /= shape[ax]
		}
		raws[site].SetAt(ijk, complex(re, im))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}

	return raws, nil
}

func (s *DB) loadShapes() ([][]int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT site, axis, dim FROM %s ORDER BY site, axis`, tableShape)
	rows, err := s.db.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()

	shapes := make([][]int, 0)
	for rows.Next() {
		var site, axis, dim int
		if err := rows.Scan(&site, &axis, &dim); err != nil {
			return nil, errors.Wrap(err, "")
		}
		if site != len(shapes)-1 {
			if site != len(shapes) {
				return nil, errors.Errorf("site %d after %d", site, len(shapes))
			}
			shapes = append(shapes, make([]int, 0))
		}
		if axis != len(shapes[site]) {
			return nil, errors.Errorf("site %d axis %d after %d", site, axis, len(shapes[site]))
		}
		shapes[site] = append(shapes[site], dim)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}

	return shapes, nil
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for ax := len(shape) - 1; ax >= 0; ax-- {
		strides[ax] = stride
		stride *= shape[ax]
	}
	return strides
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (site INTEGER, axis INTEGER, dim INTEGER, PRIMARY KEY (site, axis)) STRICT`, tableShape),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (site INTEGER, i INTEGER, re REAL, im REAL, PRIMARY KEY (site, i)) STRICT`, tableElem),
	}
	for _, sqlStr := range stmts {
		if _, err := db.ExecContext(ctx, sqlStr); err != nil {
			return errors.Wrap(err, "")
		}
	}
	return nil
}
