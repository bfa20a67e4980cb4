// Package schema introspects the analytics tables so operators can confirm the
// database matches what the prompt describes.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Cache holds the last introspected description of the watched tables.
type Cache struct {
	mu          sync.RWMutex
	want        []string
	tables      []Table
	lastRefresh time.Time
}

// Table represents a database table and its structure.
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreignKeys,omitempty"`
	RowEstimate int64        `json:"rowEstimate"`
}

// Column represents a table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	IsPK     bool   `json:"pk,omitempty"`
}

// ForeignKey represents a foreign key relationship.
type ForeignKey struct {
	Column        string `json:"column"`
	ForeignTable  string `json:"foreignTable"`
	ForeignColumn string `json:"foreignColumn"`
}

// NewCache creates an empty cache watching the given tables.
func NewCache(tables []string) *Cache {
	want := slices.Clone(tables)
	slices.Sort(want)
	return &Cache{want: want}
}

// Load reads the watched tables from the public schema and replaces the cache.
func (c *Cache) Load(ctx context.Context, db *sql.DB) error {
	tables, err := loadTables(ctx, db, c.want)
	if err != nil {
		return fmt.Errorf("load tables: %w", err)
	}

	c.mu.Lock()
	c.tables = tables
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	return nil
}

// Tables returns a copy of the cached tables.
func (c *Cache) Tables() []Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.tables)
}

// Table returns the cached table named name.
func (c *Cache) Table(name string) (Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lower := strings.ToLower(name)
	for _, t := range c.tables {
		if t.Name == lower {
			return t, true
		}
	}
	return Table{}, false
}

// Missing lists watched tables that were not found by the last Load.
func (c *Cache) Missing() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var missing []string
	for _, name := range c.want {
		found := false
		for _, t := range c.tables {
			if t.Name == name {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, name)
		}
	}
	return missing
}

// TableCount returns the number of cached tables.
func (c *Cache) TableCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables)
}

// LastRefresh returns when the cache was last loaded.
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// Text renders the cached tables one column per line.
func (c *Cache) Text() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.tables) == 0 {
		return "(no tables found)"
	}
	var sb strings.Builder
	for i, table := range c.tables {
		if i > 0 {
			sb.WriteString("\n")
		}
		writeTable(&sb, table)
	}
	return sb.String()
}

func writeTable(sb *strings.Builder, t Table) {
	fmt.Fprintf(sb, "TABLE: %s", t.Name)
	if t.RowEstimate > 0 {
		fmt.Fprintf(sb, " (~%d rows)", t.RowEstimate)
	}
	sb.WriteString("\n")

	for _, col := range t.Columns {
		fmt.Fprintf(sb, "  - %s: %s", col.Name, col.Type)

		var attrs []string
		if col.IsPK {
			attrs = append(attrs, "PK")
		}
		if !col.Nullable {
			attrs = append(attrs, "NOT NULL")
		}
		if len(attrs) > 0 {
			sb.WriteString(", " + strings.Join(attrs, ", "))
		}
		for _, fk := range t.ForeignKeys {
			if fk.Column == col.Name {
				fmt.Fprintf(sb, " -> %s.%s", fk.ForeignTable, fk.ForeignColumn)
				break
			}
		}
		sb.WriteString("\n")
	}
}

func loadTables(ctx context.Context, db *sql.DB, want []string) ([]Table, error) {
	names, err := tableNames(ctx, db, want)
	if err != nil {
		return nil, err
	}
	columns, err := tableColumns(ctx, db, want)
	if err != nil {
		return nil, err
	}
	primaryKeys, err := tablePrimaryKeys(ctx, db, want)
	if err != nil {
		return nil, err
	}
	foreignKeys, err := tableForeignKeys(ctx, db, want)
	if err != nil {
		return nil, err
	}
	rowEstimates, err := tableRowEstimates(ctx, db, want)
	if err != nil {
		// Non-fatal: continue without estimates
		rowEstimates = make(map[string]int64)
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		table := Table{
			Name:        name,
			Columns:     columns[name],
			ForeignKeys: foreignKeys[name],
			RowEstimate: rowEstimates[name],
		}
		for i := range table.Columns {
			table.Columns[i].IsPK = slices.Contains(primaryKeys[name], table.Columns[i].Name)
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func tableNames(ctx context.Context, db *sql.DB, want []string) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		  AND table_type = 'BASE TABLE'
		  AND table_name = ANY($1)
		ORDER BY table_name`

	rows, err := db.QueryContext(ctx, query, pq.Array(want))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func tableColumns(ctx context.Context, db *sql.DB, want []string) (map[string][]Column, error) {
	query := `
		SELECT table_name, column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = 'public'
		  AND table_name = ANY($1)
		ORDER BY table_name, ordinal_position`

	rows, err := db.QueryContext(ctx, query, pq.Array(want))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string][]Column)
	for rows.Next() {
		var table string
		var col Column
		if err := rows.Scan(&table, &col.Name, &col.Type, &col.Nullable); err != nil {
			return nil, err
		}
		columns[table] = append(columns[table], col)
	}
	return columns, rows.Err()
}

func tablePrimaryKeys(ctx context.Context, db *sql.DB, want []string) (map[string][]string, error) {
	query := `
		SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = 'public'
		  AND tc.table_name = ANY($1)
		ORDER BY tc.table_name, kcu.ordinal_position`

	rows, err := db.QueryContext(ctx, query, pq.Array(want))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pks := make(map[string][]string)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, err
		}
		pks[table] = append(pks[table], column)
	}
	return pks, rows.Err()
}

func tableForeignKeys(ctx context.Context, db *sql.DB, want []string) (map[string][]ForeignKey, error) {
	query := `
		SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = 'public'
		  AND tc.table_name = ANY($1)`

	rows, err := db.QueryContext(ctx, query, pq.Array(want))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fks := make(map[string][]ForeignKey)
	for rows.Next() {
		var table string
		var fk ForeignKey
		if err := rows.Scan(&table, &fk.Column, &fk.ForeignTable, &fk.ForeignColumn); err != nil {
			return nil, err
		}
		fks[table] = append(fks[table], fk)
	}
	return fks, rows.Err()
}

func tableRowEstimates(ctx context.Context, db *sql.DB, want []string) (map[string]int64, error) {
	query := `
		SELECT relname, reltuples::bigint
		FROM pg_class
		WHERE relnamespace = 'public'::regnamespace
		  AND relkind = 'r'
		  AND relname = ANY($1)`

	rows, err := db.QueryContext(ctx, query, pq.Array(want))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	estimates := make(map[string]int64)
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		// reltuples is -1 until the table is first analyzed.
		estimates[name] = max(count, 0)
	}
	return estimates, rows.Err()
}
