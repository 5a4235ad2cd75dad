package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrDuplicateTable is returned when two entries share a schema+table pair.
var ErrDuplicateTable = errors.New("duplicate schema+table pair")

// Catalog is the immutable registry of permitted schemas, tables and columns.
// All methods are safe for concurrent use.
type Catalog struct {
	entries []Entry
	schemas map[string]struct{}
	tables  map[string]struct{}
	columns map[string]struct{}
	pairs   map[string]map[string]struct{} // "schema.table" → columns
}

// New builds a Catalog from entries. The entries are copied.
func New(entries []Entry) (*Catalog, error) {
	c := &Catalog{
		entries: make([]Entry, 0, len(entries)),
		schemas: make(map[string]struct{}),
		tables:  make(map[string]struct{}),
		columns: make(map[string]struct{}),
		pairs:   make(map[string]map[string]struct{}),
	}

	for i, e := range entries {
		if strings.TrimSpace(e.Schema) == "" || strings.TrimSpace(e.Table) == "" {
			return nil, fmt.Errorf("catalog.New: entry %d: schema and table names are required", i)
		}
		key := pairKey(e.Schema, e.Table)
		if _, dup := c.pairs[key]; dup {
			return nil, fmt.Errorf("catalog.New: %s: %w", key, ErrDuplicateTable)
		}

		cols := make(map[string]string, len(e.Columns))
		colSet := make(map[string]struct{}, len(e.Columns))
		for name, desc := range e.Columns {
			if name == "" {
				return nil, fmt.Errorf("catalog.New: %s: empty column name", key)
			}
			cols[name] = desc
			colSet[name] = struct{}{}
			c.columns[name] = struct{}{}
		}

		c.entries = append(c.entries, Entry{
			Schema:      e.Schema,
			Table:       e.Table,
			Description: e.Description,
			Columns:     cols,
		})
		c.schemas[e.Schema] = struct{}{}
		c.tables[e.Table] = struct{}{}
		c.pairs[key] = colSet
	}

	return c, nil
}

// MustNew is New for static catalogs; it panics on invalid input.
func MustNew(entries []Entry) *Catalog {
	c, err := New(entries)
	if err != nil {
		panic(err)
	}
	return c
}

func pairKey(schema, table string) string {
	return schema + "." + table
}

// SchemaNames returns the set of permitted schema names.
func (c *Catalog) SchemaNames() map[string]struct{} { return copySet(c.schemas) }

// TableNames returns the set of permitted table names across all schemas.
func (c *Catalog) TableNames() map[string]struct{} { return copySet(c.tables) }

// ColumnNames returns the flattened set of permitted column names.
func (c *Catalog) ColumnNames() map[string]struct{} { return copySet(c.columns) }

// HasSchema reports whether schema is permitted.
func (c *Catalog) HasSchema(schema string) bool {
	_, ok := c.schemas[schema]
	return ok
}

// HasTableName reports whether any schema permits a table with this name.
func (c *Catalog) HasTableName(table string) bool {
	_, ok := c.tables[table]
	return ok
}

// HasColumn reports whether the flattened column set contains name.
func (c *Catalog) HasColumn(name string) bool {
	_, ok := c.columns[name]
	return ok
}

// HasTable reports whether the exact schema+table pair is registered.
func (c *Catalog) HasTable(schema, table string) bool {
	_, ok := c.pairs[pairKey(schema, table)]
	return ok
}

// TableHasColumn reports whether column belongs to the schema+table pair.
func (c *Catalog) TableHasColumn(schema, table, column string) bool {
	cols, ok := c.pairs[pairKey(schema, table)]
	if !ok {
		return false
	}
	_, ok = cols[column]
	return ok
}

// TableColumns returns the sorted column names of a schema+table pair, or nil.
func (c *Catalog) TableColumns(schema, table string) []string {
	cols, ok := c.pairs[pairKey(schema, table)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(cols))
	for col := range cols {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered tables.
func (c *Catalog) Len() int { return len(c.entries) }

// Describe returns the catalog description document in load order.
func (c *Catalog) Describe() []Description {
	out := make([]Description, 0, len(c.entries))
	for _, e := range c.entries {
		fields := make(map[string]string, len(e.Columns))
		for k, v := range e.Columns {
			fields[k] = v
		}
		out = append(out, Description{
			SchemaName:  e.Schema,
			TableName:   e.Table,
			Description: e.Description,
			Fields:      fields,
		})
	}
	return out
}

// DescribeJSON renders Describe as a JSON document.
func (c *Catalog) DescribeJSON() string {
	b, err := json.Marshal(c.Describe())
	if err != nil {
		// map[string]string and strings always marshal
		return "[]"
	}
	return string(b)
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
