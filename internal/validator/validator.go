package validator

import (
	"fmt"
	"strings"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/triage-ai/palisade/services/sql_guard/internal/catalog"
)

// Validator proves that a SQL statement references only whitelisted schema,
// table and column identifiers. It never executes anything.
// A Validator is immutable after New and safe for concurrent use.
type Validator struct {
	catalog      *catalog.Catalog
	strict       bool
	tenantColumn string
	cache        *VerdictCache
}

// Option configures a Validator.
type Option func(*Validator)

// WithStrictColumns binds column authority to the tables a statement actually
// references instead of the flattened catalog-wide column set. Table references
// must also name an existing schema+table pair.
func WithStrictColumns() Option {
	return func(v *Validator) { v.strict = true }
}

// WithTenantColumn requires every SELECT that reads a catalog table to carry a
// top-level `<column> = '<tenant>'` predicate when validated with ValidateTenant.
func WithTenantColumn(column string) Option {
	return func(v *Validator) { v.tenantColumn = column }
}

// WithCache memoizes verdicts for ttl. Verdicts depend only on the SQL text and
// tenant, so cached entries never go stale while the catalog is unchanged.
func WithCache(ttl time.Duration) Option {
	return func(v *Validator) {
		if ttl > 0 {
			v.cache = NewVerdictCache(ttl, defaultCacheEntries)
		}
	}
}

// New creates a Validator over an immutable catalog.
func New(c *catalog.Catalog, opts ...Option) *Validator {
	v := &Validator{catalog: c}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Strict reports whether strict column binding is enabled.
func (v *Validator) Strict() bool { return v.strict }

// TenantColumn returns the column used for tenant scoping, or "".
func (v *Validator) TenantColumn() string { return v.tenantColumn }

// Validate checks sql against the whitelist. The first unauthorized
// identifier in source order short-circuits the check.
func (v *Validator) Validate(sql string) Verdict {
	return v.cached(sql, "", false)
}

// ValidateTenant is Validate plus the tenant scope check when a tenant column
// is configured. Without a tenant column it behaves exactly like Validate.
func (v *Validator) ValidateTenant(sql, tenantID string) Verdict {
	if v.tenantColumn == "" {
		return v.Validate(sql)
	}
	return v.cached(sql, tenantID, true)
}

func (v *Validator) cached(sql, tenantID string, scoped bool) Verdict {
	if v.cache == nil {
		return v.validate(sql, tenantID, scoped)
	}
	key := cacheKey(sql, tenantID, scoped)
	if verdict, ok := v.cache.Get(key); ok {
		return verdict
	}
	verdict := v.validate(sql, tenantID, scoped)
	v.cache.Set(key, verdict)
	return verdict
}

func (v *Validator) validate(sql, tenantID string, scoped bool) Verdict {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return deny(KindSyntax, "", fmt.Sprintf("syntax error: %v", err))
	}

	if n := len(tree.Stmts); n != 1 {
		if n == 0 {
			return deny(KindStatement, "", "no SQL statement to execute")
		}
		return deny(KindStatement, "", fmt.Sprintf("exactly one statement is allowed, got %d", n))
	}

	stmt := tree.Stmts[0].Stmt
	if stmt == nil || stmt.GetSelectStmt() == nil {
		verb := "UNKNOWN"
		if stmt != nil {
			verb = statementVerb(stmt)
		}
		return deny(KindStatement, verb, fmt.Sprintf("only SELECT statements are allowed, got %s", verb))
	}

	a := analyze(stmt)

	if len(a.forbidden) > 0 {
		verb := a.forbidden[0].verb
		return deny(KindStatement, verb, fmt.Sprintf("only SELECT statements are allowed, found %s", verb))
	}
	if verdict := v.checkTables(a); !verdict.Authorized {
		return verdict
	}
	if verdict := v.checkColumns(a); !verdict.Authorized {
		return verdict
	}
	if verdict := checkFunctions(a); !verdict.Authorized {
		return verdict
	}
	if scoped {
		if verdict := v.checkTenant(a, tenantID); !verdict.Authorized {
			return verdict
		}
	}
	return allow()
}

// checkTables applies the table authority pattern select::<schema>::<table>.
func (v *Validator) checkTables(a *analysis) Verdict {
	for _, ref := range a.tables {
		if ref.cte {
			continue
		}
		if ref.catalog != "" {
			return tableDenied(ref.catalog, ref)
		}
		if ref.schema == "" {
			return tableDenied(ref.name, ref)
		}
		if !v.catalog.HasSchema(ref.schema) {
			return tableDenied(ref.schema, ref)
		}
		if v.strict {
			if !v.catalog.HasTable(ref.schema, ref.name) {
				return tableDenied(ref.name, ref)
			}
			continue
		}
		if !v.catalog.HasTableName(ref.name) {
			return tableDenied(ref.name, ref)
		}
	}
	return allow()
}

func tableDenied(identifier string, ref tableRef) Verdict {
	return deny(KindTable, identifier, fmt.Sprintf(
		"authority = %q is required in table whitelist to execute the query",
		"select::"+orNull(qualifiedSchema(ref))+"::"+ref.name,
	))
}

func qualifiedSchema(ref tableRef) string {
	if ref.catalog != "" {
		return ref.catalog + "." + ref.schema
	}
	return ref.schema
}

// checkColumns applies the column authority pattern select::null::<column>, or
// select::<table>::<column> in strict mode. Names that are not catalog columns
// are only accepted where they provably resolve to the output of a subquery,
// function or CTE, or to an output column named in ORDER BY.
func (v *Validator) checkColumns(a *analysis) Verdict {
	for _, col := range a.columns {
		if col.star {
			return columnDenied("*", "null")
		}
		if col.output {
			continue
		}
		var verdict Verdict
		if len(col.qualifier) == 0 {
			verdict = v.checkBareColumn(col)
		} else {
			verdict = v.checkQualifiedColumn(col)
		}
		if !verdict.Authorized {
			return verdict
		}
	}
	return allow()
}

// checkBareColumn resolves an unqualified name innermost scope first. The
// first scope that could supply the name decides: a derived relation that
// exports it authorizes it, a table read directly must own it in the catalog.
func (v *Validator) checkBareColumn(col columnRef) Verdict {
	if !v.strict && v.catalog.HasColumn(col.name) {
		return allow()
	}
	for _, view := range col.scopes {
		readsTable := false
		for _, rel := range view.visible() {
			if _, ok := rel.exports[col.name]; ok {
				return allow()
			}
			if rel.base == nil {
				continue
			}
			readsTable = true
			if v.strict && v.catalog.TableHasColumn(rel.base.schema, rel.base.name, col.name) {
				return allow()
			}
		}
		if readsTable {
			break
		}
	}
	return columnDenied(col.name, "null")
}

func (v *Validator) checkQualifiedColumn(col columnRef) Verdict {
	if len(col.qualifier) >= 2 {
		schema := col.qualifier[len(col.qualifier)-2]
		table := col.qualifier[len(col.qualifier)-1]
		if v.strict {
			if v.catalog.TableHasColumn(schema, table, col.name) {
				return allow()
			}
			return columnDenied(col.name, table)
		}
		if v.catalog.HasColumn(col.name) {
			return allow()
		}
		return columnDenied(col.name, "null")
	}

	q := col.qualifier[0]
	for _, view := range col.scopes {
		for _, rel := range view.visible() {
			if rel.name == q {
				return v.relationColumn(rel, col.name)
			}
		}
	}
	return columnDenied(col.name, q)
}

// relationColumn checks column of one named FROM item.
func (v *Validator) relationColumn(rel *relation, column string) Verdict {
	switch {
	case rel.base != nil:
		if v.strict {
			if v.catalog.TableHasColumn(rel.base.schema, rel.base.name, column) {
				return allow()
			}
			return columnDenied(column, rel.base.name)
		}
		if v.catalog.HasColumn(column) {
			return allow()
		}
		return columnDenied(column, "null")

	case rel.members != nil:
		for _, m := range rel.members {
			if verdict := v.relationColumn(m, column); verdict.Authorized {
				return verdict
			}
		}
		return columnDenied(column, rel.name)
	}

	if _, ok := rel.exports[column]; ok {
		return allow()
	}
	return columnDenied(column, rel.name)
}

func columnDenied(column, table string) Verdict {
	return deny(KindColumn, column, fmt.Sprintf(
		"authority = %q is required in column whitelist to execute the query",
		"select::"+table+"::"+column,
	))
}

// blockedFunctionPrefixes covers server administration, file access and
// cross-database functions that a read-only analytics query never needs.
var blockedFunctionPrefixes = []string{"pg_", "dblink", "lo_"}

var blockedFunctions = map[string]struct{}{
	"set_config":      {},
	"current_setting": {},
	"query_to_xml":    {},
	"table_to_xml":    {},
	"txid_current":    {},
}

func checkFunctions(a *analysis) Verdict {
	for _, fn := range a.funcs {
		name := strings.ToLower(fn.name)
		blocked := false
		if _, ok := blockedFunctions[name]; ok {
			blocked = true
		}
		for _, prefix := range blockedFunctionPrefixes {
			if strings.HasPrefix(name, prefix) {
				blocked = true
				break
			}
		}
		if blocked {
			return deny(KindFunction, fn.name, fmt.Sprintf("function %q is not allowed in queries", fn.name))
		}
	}
	return allow()
}

func orNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}
