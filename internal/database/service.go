package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"migration-guard/internal/errors"
	"migration-guard/internal/logging"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// Service runs the read and write queries migration-guard needs against one
// open datastore handle. Queries are bounded by the caller's context only.
type Service struct {
	db     *sql.DB
	schema string
	logger *logging.Logger
}

// NewService wraps an open handle for the named schema
func NewService(db *sql.DB, schema string, logger *logging.Logger) *Service {
	return &Service{
		db:     db,
		schema: schema,
		logger: logger,
	}
}

// DB returns the underlying handle
func (s *Service) DB() *sql.DB {
	return s.db
}

// Schema returns the schema name the service was created for
func (s *Service) Schema() string {
	return s.schema
}

// Close gracefully closes the database connection
func (s *Service) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.WrapError(err, "failed to close database connection")
	}
	return nil
}

// Ping runs a trivial query to prove the handle can execute statements
func (s *Service) Ping(ctx context.Context) error {
	var one int
	if err := s.scanOne(ctx, "SELECT 1", nil, &one); err != nil {
		return errors.WrapError(err, "datastore did not answer a simple query")
	}
	return nil
}

// GetVersion retrieves the MySQL server version
func (s *Service) GetVersion(ctx context.Context) (string, error) {
	var version string
	if err := s.scanOne(ctx, "SELECT VERSION()", nil, &version); err != nil {
		return "", errors.WrapError(err, "failed to get database version")
	}
	return version, nil
}

// CountRows returns the number of rows in table
func (s *Service) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", QuoteIdent(table))
	if err := s.scanOne(ctx, query, nil, &n); err != nil {
		return 0, errors.WrapError(err, fmt.Sprintf("failed to count rows in %s", table)).(*errors.AppError).
			WithContext("table", table)
	}
	return n, nil
}

// DataSize returns the on-disk size of the schema's tables and indexes in bytes
func (s *Service) DataSize(ctx context.Context) (int64, error) {
	var size int64
	query := "SELECT COALESCE(SUM(data_length + index_length), 0) FROM information_schema.TABLES WHERE table_schema = ?"
	if err := s.scanOne(ctx, query, []interface{}{s.schema}, &size); err != nil {
		return 0, errors.WrapError(err, "failed to measure datastore size")
	}
	return size, nil
}

// ActiveSessions counts other client sessions connected to the schema
func (s *Service) ActiveSessions(ctx context.Context) (int, error) {
	var n int
	query := "SELECT COUNT(*) FROM information_schema.PROCESSLIST WHERE DB = ? AND ID <> CONNECTION_ID()"
	if err := s.scanOne(ctx, query, []interface{}{s.schema}, &n); err != nil {
		return 0, errors.WrapError(err, "failed to list active sessions")
	}
	return n, nil
}

// Columns returns the stored column names of table in ordinal order.
// Generated columns are left out; MySQL rejects explicit values for them.
func (s *Service) Columns(ctx context.Context, table string) ([]string, error) {
	query := "SELECT COLUMN_NAME FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? " +
		"AND EXTRA NOT LIKE '%GENERATED%' ORDER BY ORDINAL_POSITION"

	rows, err := s.db.QueryContext(ctx, query, s.schema, table)
	if err != nil {
		return nil, errors.WrapError(err, fmt.Sprintf("failed to list columns of %s", table))
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, errors.WrapError(err, fmt.Sprintf("failed to read columns of %s", table))
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, fmt.Sprintf("failed to read columns of %s", table))
	}
	if len(cols) == 0 {
		return nil, errors.NewAppError(errors.ErrorTypeValidation,
			fmt.Sprintf("table %s does not exist in schema %s", table, s.schema), nil)
	}
	return cols, nil
}

// StreamRows runs query and hands every row to fn as nullable text values
func (s *Service) StreamRows(ctx context.Context, query string, fn func(columns []string, values []*string) error, args ...interface{}) error {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.LogSQLExecution(query, time.Since(start), 0, err)
		return errors.WrapError(err, "query failed")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return errors.WrapError(err, "failed to read result columns")
	}

	var count int64
	for rows.Next() {
		raw := make([]sql.NullString, len(columns))
		dest := make([]interface{}, len(columns))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return errors.WrapError(err, "failed to scan row")
		}

		values := make([]*string, len(columns))
		for i, v := range raw {
			if v.Valid {
				val := v.String
				values[i] = &val
			}
		}
		if err := fn(columns, values); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return errors.WrapError(err, "row iteration failed")
	}

	s.logger.LogSQLExecution(query, time.Since(start), count, nil)
	return nil
}

// WithTx runs fn inside one transaction, rolling back when fn fails
func (s *Service) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapError(err, "failed to begin transaction")
	}

	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				s.logger.WithField("error", rollbackErr.Error()).Error("Failed to rollback transaction")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.WrapError(err, "failed to commit transaction")
	}
	return nil
}

// scanOne runs a single-row query
func (s *Service) scanOne(ctx context.Context, query string, args []interface{}, dest ...interface{}) error {
	start := time.Now()
	err := s.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	s.logger.LogSQLExecution(query, time.Since(start), 1, err)
	return err
}

// QuoteIdent quotes a MySQL identifier
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteIdents quotes and joins identifiers with commas
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}
