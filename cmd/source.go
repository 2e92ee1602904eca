package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/airframesio/data-exporter/cmd/formatters"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Database drivers accepted in db.driver
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Source executes one page query and returns its rows in result order.
type Source interface {
	Query(ctx context.Context, query string) ([]formatters.Row, error)
}

// SQLSource runs page queries through database/sql
type SQLSource struct {
	db *sql.DB
}

// NewSQLSource wraps an open database handle
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

// Query returns every row of query. Text-like byte slices are converted to
// strings; binary columns keep their bytes.
func (s *SQLSource) Query(ctx context.Context, query string) ([]formatters.Row, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}
	binary := make([]bool, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			switch strings.ToUpper(ct.DatabaseTypeName()) {
			case "BYTEA", "BLOB":
				binary[i] = true
			}
		}
	}

	var result []formatters.Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok && !binary[i] {
				values[i] = string(b)
			}
		}
		result = append(result, formatters.NewRow(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return result, nil
}

// OpenDatabase opens and pings the configured database
func OpenDatabase(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", cfg.Path)
		if err == nil {
			db.SetMaxOpenConns(1)
		}
	default:
		db, err = sql.Open("postgres", postgresConnString(cfg))
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func postgresConnString(cfg DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		sslMode,
	)
	if cfg.StatementTimeout > 0 {
		connStr += fmt.Sprintf(" statement_timeout=%d", cfg.StatementTimeout*1000)
	}
	return connStr
}
