package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// SQLStore stores manifests in a MySQL table.
type SQLStore struct {
	DB        *sqlx.DB
	TableName string
}

// CreateTable creates the manifests table.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	// language=MariaDB
	const template = `CREATE TABLE IF NOT EXISTS %s (
	doc_key VARCHAR(512) NOT NULL PRIMARY KEY,
	version BIGINT NOT NULL,
	doc MEDIUMBLOB NOT NULL,
	updated_t DATETIME NOT NULL
);`
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, s.TableName))
	return err
}

type manifestRow struct {
	DocKey   string    `db:"doc_key"`
	Version  int64     `db:"version"`
	Doc      []byte    `db:"doc"`
	UpdatedT time.Time `db:"updated_t"`
}

const mysqlErrDuplicateEntry = 1062

// CreateIfAbsent implements Store.
func (s *SQLStore) CreateIfAbsent(ctx context.Context, key string, data []byte) error {
	// language=MariaDB
	const stmt = `INSERT INTO %s (doc_key, version, doc, updated_t)
VALUES (:doc_key, :version, :doc, :updated_t);`
	_, err := s.DB.NamedExecContext(ctx, fmt.Sprintf(stmt, s.TableName), manifestRow{
		DocKey:   key,
		Version:  1,
		Doc:      data,
		UpdatedT: time.Now(),
	})
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
		return ErrAlreadyExists
	}
	return err
}

// Update implements Store.
func (s *SQLStore) Update(ctx context.Context, key string, version int64, data []byte) error {
	// language=MariaDB
	const stmt = `UPDATE %s SET version = version + 1, doc = ?, updated_t = ?
WHERE doc_key = ? AND version = ?;`
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(stmt, s.TableName),
		data, time.Now(), key, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a stale version from a missing row.
		if _, err := s.Get(ctx, key); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key string) (Document, error) {
	// language=MariaDB
	const stmt = `SELECT doc_key, version, doc, updated_t FROM %s WHERE doc_key = ?;`
	var row manifestRow
	err := s.DB.GetContext(ctx, &row, fmt.Sprintf(stmt, s.TableName), key)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	} else if err != nil {
		return Document{}, err
	}
	return Document{Key: row.DocKey, Version: row.Version, Data: row.Doc}, nil
}

// ListPrefix implements Store.
func (s *SQLStore) ListPrefix(ctx context.Context, prefix string) ([]Document, error) {
	// language=MariaDB
	const stmt = `SELECT doc_key, version, doc, updated_t FROM %s
WHERE doc_key LIKE ? ORDER BY doc_key;`
	pattern := escapeLike(prefix) + "%"
	var rows []manifestRow
	if err := s.DB.SelectContext(ctx, &rows, fmt.Sprintf(stmt, s.TableName), pattern); err != nil {
		return nil, err
	}
	docs := make([]Document, len(rows))
	for i, row := range rows {
		docs[i] = Document{Key: row.DocKey, Version: row.Version, Data: row.Doc}
	}
	return docs, nil
}

// escapeLike escapes LIKE wildcards so prefixes match literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
