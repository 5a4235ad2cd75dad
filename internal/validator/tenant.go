package validator

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// checkTenant requires every table a SELECT reads directly to be filtered by a
// top-level `<alias>.<column> = '<tenantID>'` conjunct in that SELECT's WHERE.
// The qualifier may be dropped when the SELECT reads exactly one table.
func (v *Validator) checkTenant(a *analysis, tenantID string) Verdict {
	if tenantID == "" {
		return deny(KindTenant, v.tenantColumn, "no tenant is bound to this request")
	}
	for _, sc := range a.scopes {
		var tables []*relation
		for _, rel := range sc.relations {
			if rel.base != nil {
				tables = append(tables, rel)
			}
		}
		for _, rel := range tables {
			if hasTenantPredicate(sc.stmt.WhereClause, tenantColumn{
				name:      v.tenantColumn,
				relation:  rel.name,
				allowBare: len(tables) == 1,
			}, tenantID) {
				continue
			}
			return deny(KindTenant, v.tenantColumn, fmt.Sprintf(
				"every query must filter %s on %s.%s = '%s'", rel.base.name, rel.name, v.tenantColumn, tenantID,
			))
		}
	}
	return allow()
}

// tenantColumn identifies the tenant column of one relation.
type tenantColumn struct {
	name      string
	relation  string
	allowBare bool
}

// hasTenantPredicate looks for `<column> = '<tenant>'` in where or any of its
// AND conjuncts. OR branches do not count.
func hasTenantPredicate(where *pg_query.Node, column tenantColumn, tenantID string) bool {
	if where == nil {
		return false
	}
	if b := where.GetBoolExpr(); b != nil {
		if b.Boolop != pg_query.BoolExprType_AND_EXPR {
			return false
		}
		for _, arg := range b.Args {
			if hasTenantPredicate(arg, column, tenantID) {
				return true
			}
		}
		return false
	}

	e := where.GetAExpr()
	if e == nil || e.Kind != pg_query.A_Expr_Kind_AEXPR_OP || lastString(e.Name) != "=" {
		return false
	}
	return (isColumn(e.Lexpr, column) && isLiteral(e.Rexpr, tenantID)) ||
		(isColumn(e.Rexpr, column) && isLiteral(e.Lexpr, tenantID))
}

func isColumn(n *pg_query.Node, column tenantColumn) bool {
	ref := n.GetColumnRef()
	if ref == nil {
		return false
	}
	col := columnFromFields(ref.Fields, ref.Location)
	if col.star || col.name != column.name {
		return false
	}
	if len(col.qualifier) == 0 {
		return column.allowBare
	}
	return col.qualifier[len(col.qualifier)-1] == column.relation
}

func isLiteral(n *pg_query.Node, value string) bool {
	if tc := n.GetTypeCast(); tc != nil {
		return isLiteral(tc.Arg, value)
	}
	c := n.GetAConst()
	if c == nil {
		return false
	}
	s := c.GetSval()
	return s != nil && s.Sval == value
}
