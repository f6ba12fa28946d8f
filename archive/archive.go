// Package archive stores operator matrices in sqlite.
//
// Each matrix is kept sparsely under a key: a row in the shape table,
// and one row per nonzero element in the element table.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/qcmpo/block"
	"github.com/fumin/qcmpo/expr"
)

const (
	tableShape   = "shape"
	tableElement = "element"

	timeout = 3 * time.Second
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("not found")

// Archive is a sqlite file of operator matrices.
type Archive struct {
	Path string

	db *sql.DB
}

// Open opens or creates the archive at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	// sqlite serializes writers.
	db.SetMaxOpenConns(1)
	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, path)
	}
	return &Archive{Path: path, db: db}, nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sqlStrs := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (k TEXT PRIMARY KEY, nrows INTEGER, ncols INTEGER, factor REAL) STRICT`, tableShape),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (k TEXT, i INTEGER, j INTEGER, v REAL, PRIMARY KEY (k, i, j)) STRICT`, tableElement),
	}
	for _, s := range sqlStrs {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, s)
		}
	}
	return nil
}

func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return errors.Wrap(err, a.Path)
	}
	return nil
}

// Put stores m under key, replacing what was there.
func (a *Archive) Put(ctx context.Context, key string, m *block.Matrix) (err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err := deleteKey(ctx, tx, key); err != nil {
		return errors.Wrap(err, "")
	}
	sqlStr := fmt.Sprintf(`INSERT INTO %s (k, nrows, ncols, factor) VALUES (?, ?, ?, ?)`, tableShape)
	if _, err := tx.ExecContext(ctx, sqlStr, key, m.Rows, m.Cols, m.Factor); err != nil {
		return errors.Wrap(err, fmt.Sprintf("%s %s", sqlStr, key))
	}
	sqlStr = fmt.Sprintf(`INSERT INTO %s (k, i, j, v) VALUES (?, ?, ?, ?)`, tableElement)
	stmt, err := tx.PrepareContext(ctx, sqlStr)
	if err != nil {
		return errors.Wrap(err, sqlStr)
	}
	defer stmt.Close()
	for i := range m.Rows {
		for j := range m.Cols {
			v := m.Data.At(i, j)
			if v == 0 {
				continue
			}
			if _, err := stmt.ExecContext(ctx, key, i, j, v); err != nil {
				return errors.Wrap(err, fmt.Sprintf("%s %d %d", key, i, j))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Get loads the matrix of key, with storage from alloc.
func (a *Archive) Get(ctx context.Context, key string, alloc block.Allocator) (*block.Matrix, error) {
	sqlStr := fmt.Sprintf(`SELECT nrows, ncols, factor FROM %s WHERE k=?`, tableShape)
	var rows, cols int
	var factor float64
	err := a.db.QueryRowContext(ctx, sqlStr, key).Scan(&rows, &cols, &factor)
	switch {
	case err == sql.ErrNoRows:
		return nil, errors.Wrap(ErrNotFound, key)
	case err != nil:
		return nil, errors.Wrap(err, key)
	}
	m := block.NewMatrix(rows, cols)
	m.Allocate(alloc)
	m.Factor = factor
	if err := a.load(ctx, key, m.Data); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return m, nil
}

func (a *Archive) load(ctx context.Context, key string, dst *mat.Dense) error {
	sqlStr := fmt.Sprintf(`SELECT i, j, v FROM %s WHERE k=? ORDER BY i, j`, tableElement)
	rows, err := a.db.QueryContext(ctx, sqlStr, key)
	if err != nil {
		return errors.Wrap(err, key)
	}
	defer rows.Close()

	for rows.Next() {
		var i, j int
		var v float64
		if err := rows.Scan(&i, &j, &v); err != nil {
			return errors.Wrap(err, key)
		}
		dst.Set(i, j, v)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, key)
	}
	return nil
}

// Keys returns the sorted keys with the given prefix.
func (a *Archive) Keys(ctx context.Context, prefix string) ([]string, error) {
	sqlStr := fmt.Sprintf(`SELECT k FROM %s WHERE substr(k, 1, ?)=? ORDER BY k`, tableShape)
	rows, err := a.db.QueryContext(ctx, sqlStr, len(prefix), prefix)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "")
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return keys, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (a *Archive) Delete(ctx context.Context, key string) error {
	if err := deleteKey(ctx, a.db, key); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func deleteKey(ctx context.Context, db execer, key string) error {
	for _, table := range []string{tableShape, tableElement} {
		sqlStr := fmt.Sprintf(`DELETE FROM %s WHERE k=?`, table)
		if _, err := db.ExecContext(ctx, sqlStr, key); err != nil {
			return errors.Wrap(err, fmt.Sprintf("%s %s", sqlStr, key))
		}
	}
	return nil
}

// TensorKey is the key of the operator l of the tensor saved under name.
func TensorKey(name string, l expr.Label) string {
	return name + "/" + l.String()
}

// SaveTensor stores the allocated operators of t under name.
func (a *Archive) SaveTensor(ctx context.Context, name string, t *block.OperatorTensor) error {
	if strings.Contains(name, "/") {
		return errors.Errorf("invalid name %q", name)
	}
	for _, l := range t.Labels() {
		m := t.Ops[l]
		if !m.Allocated() {
			continue
		}
		if err := a.Put(ctx, TensorKey(name, l), m); err != nil {
			return errors.Wrap(err, "")
		}
	}
	return nil
}

// LoadTensor fills the operators of t from those saved under name.
// Operators that were not saved stay unallocated.
// It returns the number of operators loaded.
func (a *Archive) LoadTensor(ctx context.Context, name string, t *block.OperatorTensor, alloc block.Allocator) (int, error) {
	var n int
	for _, l := range t.Labels() {
		m, err := a.Get(ctx, TensorKey(name, l), alloc)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, errors.Wrap(err, "")
		}
		shell := t.Ops[l]
		if shell.Rows != m.Rows || shell.Cols != m.Cols {
			return n, errors.Errorf("%s: %d %d, expected %d %d", l, m.Rows, m.Cols, shell.Rows, shell.Cols)
		}
		t.Ops[l] = m
		n++
	}
	return n, nil
}
