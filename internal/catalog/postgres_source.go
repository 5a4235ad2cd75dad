package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// EntryStore abstracts DB queries for testability.
type EntryStore interface {
	ListEntries(ctx context.Context) ([]*entryRow, error)
}

type entryRow struct {
	SchemaName  string
	TableName   string
	Description sql.NullString
	Fields      string // JSONB object as string
}

// sqlEntryStore is the real implementation using *sql.DB.
type sqlEntryStore struct {
	db *sql.DB
}

func (s *sqlEntryStore) ListEntries(ctx context.Context) ([]*entryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT schema_name, table_name, description, fields
		FROM catalog_entries
		WHERE enabled
		ORDER BY position, schema_name, table_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entryRow
	for rows.Next() {
		var r entryRow
		if err := rows.Scan(&r.SchemaName, &r.TableName, &r.Description, &r.Fields); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PostgresSource loads the catalog from the catalog_entries table.
// The catalog is read once; later edits need a restart to take effect.
type PostgresSource struct {
	store  EntryStore
	logger *zap.Logger
}

// NewPostgresSource creates a PostgresSource over db.
func NewPostgresSource(db *sql.DB, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{
		store:  &sqlEntryStore{db: db},
		logger: logger,
	}
}

// newPostgresSourceWithStore creates a source with a custom store (for testing).
func newPostgresSourceWithStore(store EntryStore, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{store: store, logger: logger}
}

// Load fetches all enabled entries and builds an immutable Catalog.
func (s *PostgresSource) Load(ctx context.Context) (*Catalog, error) {
	rows, err := s.store.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("PostgresSource.Load: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("PostgresSource.Load: catalog_entries is empty")
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e, err := parseEntryRow(row)
		if err != nil {
			return nil, fmt.Errorf("PostgresSource.Load: %w", err)
		}
		entries = append(entries, e)
	}

	c, err := New(entries)
	if err != nil {
		return nil, fmt.Errorf("PostgresSource.Load: %w", err)
	}
	s.logger.Info("catalog loaded from postgres",
		zap.Int("tables", c.Len()),
		zap.Int("columns", len(c.columns)),
	)
	return c, nil
}

func parseEntryRow(row *entryRow) (Entry, error) {
	e := Entry{
		Schema: row.SchemaName,
		Table:  row.TableName,
	}
	if row.Description.Valid {
		e.Description = row.Description.String
	}
	if row.Fields != "" && row.Fields != "{}" {
		if err := json.Unmarshal([]byte(row.Fields), &e.Columns); err != nil {
			return Entry{}, fmt.Errorf("parseEntryRow: %s.%s fields: %w", row.SchemaName, row.TableName, err)
		}
	}
	return e, nil
}
