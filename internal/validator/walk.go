package validator

import (
	"fmt"
	"sort"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// tableRef is one relation reference found in the parse tree. cte is set
// when the unqualified name resolved to a CTE visible at that point.
type tableRef struct {
	catalog  string
	schema   string
	name     string
	cte      bool
	location int32
}

// columnRef is one column reference. qualifier holds the leading name
// components (alias, table or schema.table); name is the column itself.
// scopes is the FROM namespace chain seen from the reference, innermost first.
type columnRef struct {
	qualifier []string
	name      string
	star      bool
	location  int32

	scopes []scopeView
	// output is set for a bare ORDER BY name that matches an output column of
	// its own SELECT.
	output bool
}

type funcRef struct {
	name     string
	location int32
}

// forbiddenRef marks a statement kind that is never authorized, wherever it
// appears in the tree.
type forbiddenRef struct {
	verb string
}

// relation is one FROM item. Exactly one of base, exports or members
// describes where its columns come from.
type relation struct {
	name    string              // alias, or the relation name when unaliased
	base    *tableRef           // a table read directly
	exports map[string]struct{} // output columns of a subquery, function or CTE
	members []*relation         // relations joined under a join alias
}

// selectScope is the FROM namespace of one SELECT.
type selectScope struct {
	stmt      *pg_query.SelectStmt
	relations []*relation
	outputs   map[string]struct{}
}

// scopeView is a scope as seen from one reference. Only the first limit
// relations are visible: LATERAL items see their predecessors, plain
// subqueries in FROM see none of their siblings.
type scopeView struct {
	scope *selectScope
	limit int
}

func (v scopeView) visible() []*relation { return v.scope.relations[:v.limit] }

type cteDef struct {
	name  string
	names []string // output columns in order
}

// cteFrame holds the CTEs of one WITH clause. Only defs[:visible] can be
// referenced at the current point of the walk.
type cteFrame struct {
	defs    []cteDef
	visible int
}

// analysis is everything the checks need from one parsed SELECT.
type analysis struct {
	tables    []tableRef
	columns   []columnRef
	funcs     []funcRef
	forbidden []forbiddenRef
	scopes    []*selectScope // every non set-operation SELECT

	stack []scopeView // outermost first
	ctes  []*cteFrame // outermost first
}

func analyze(root protoreflect.ProtoMessage) *analysis {
	a := &analysis{}
	a.walk(root.ProtoReflect())

	sort.SliceStable(a.tables, func(i, j int) bool { return a.tables[i].location < a.tables[j].location })
	sort.SliceStable(a.columns, func(i, j int) bool { return a.columns[i].location < a.columns[j].location })
	sort.SliceStable(a.funcs, func(i, j int) bool { return a.funcs[i].location < a.funcs[j].location })
	return a
}

func (a *analysis) walk(m protoreflect.Message) {
	if !m.IsValid() {
		return
	}

	switch n := m.Interface().(type) {
	case *pg_query.RangeVar:
		a.tables = append(a.tables, tableRef{
			catalog:  n.Catalogname,
			schema:   n.Schemaname,
			name:     n.Relname,
			cte:      a.isCTE(n),
			location: n.Location,
		})
		return

	case *pg_query.ColumnRef:
		a.addColumn(columnFromFields(n.Fields, n.Location))
		return

	case *pg_query.FuncCall:
		if name := lastString(n.Funcname); name != "" {
			a.funcs = append(a.funcs, funcRef{name: name, location: n.Location})
		}

	case *pg_query.SelectStmt:
		a.walkSelect(n)
		return

	case *pg_query.InsertStmt:
		a.forbidden = append(a.forbidden, forbiddenRef{verb: "INSERT"})
		return
	case *pg_query.UpdateStmt:
		a.forbidden = append(a.forbidden, forbiddenRef{verb: "UPDATE"})
		return
	case *pg_query.DeleteStmt:
		a.forbidden = append(a.forbidden, forbiddenRef{verb: "DELETE"})
		return
	case *pg_query.MergeStmt:
		a.forbidden = append(a.forbidden, forbiddenRef{verb: "MERGE"})
		return
	case *pg_query.LockingClause:
		a.forbidden = append(a.forbidden, forbiddenRef{verb: "SELECT FOR UPDATE"})
		return
	}

	a.walkChildren(m)
}

func (a *analysis) walkNode(n *pg_query.Node) {
	if n != nil {
		a.walk(n.ProtoReflect())
	}
}

func (a *analysis) walkNodes(nodes []*pg_query.Node) {
	for _, n := range nodes {
		a.walkNode(n)
	}
}

// walkSelect visits one SELECT with its own CTE and FROM scopes in place.
// CTE bodies are walked before the FROM scope exists, since they cannot see it.
func (a *analysis) walkSelect(n *pg_query.SelectStmt) {
	if n == nil {
		return
	}
	if n.IntoClause != nil {
		a.forbidden = append(a.forbidden, forbiddenRef{verb: "SELECT INTO"})
	}
	a.walkNodes(n.LockingClause)

	popCTEs := a.pushCTEs(n.WithClause)
	defer popCTEs()

	sc := &selectScope{stmt: n, outputs: nameSet(outputNames(n))}
	if n.Larg != nil || n.Rarg != nil {
		a.walkSelect(n.Larg)
		a.walkSelect(n.Rarg)
		a.push(sc)
		a.walkSortClause(sc, n.SortClause)
		a.walkNode(n.LimitOffset)
		a.walkNode(n.LimitCount)
		a.pop()
		return
	}

	starts := make([]int, len(n.FromClause))
	for i, item := range n.FromClause {
		starts[i] = len(sc.relations)
		a.collectFrom(item, sc)
	}
	a.scopes = append(a.scopes, sc)

	a.push(sc)
	a.walkNodes(n.DistinctClause)
	a.walkNodes(n.TargetList)
	for i, item := range n.FromClause {
		a.walkFromItem(item, starts[i])
	}
	a.walkNode(n.WhereClause)
	a.walkNodes(n.GroupClause)
	a.walkNode(n.HavingClause)
	a.walkNodes(n.WindowClause)
	a.walkNodes(n.ValuesLists)
	a.walkSortClause(sc, n.SortClause)
	a.walkNode(n.LimitOffset)
	a.walkNode(n.LimitCount)
	a.pop()
}

// walkSortClause lets a bare ORDER BY name refer to an output column of the
// same SELECT. The planner resolves such names to the output column first.
func (a *analysis) walkSortClause(sc *selectScope, nodes []*pg_query.Node) {
	for _, n := range nodes {
		if by := n.GetSortBy(); by != nil {
			if ref := by.Node.GetColumnRef(); ref != nil {
				col := columnFromFields(ref.Fields, ref.Location)
				if _, ok := sc.outputs[col.name]; ok && len(col.qualifier) == 0 && !col.star {
					col.output = true
					a.columns = append(a.columns, col)
					continue
				}
			}
		}
		a.walkNode(n)
	}
}

// walkFromItem visits the expressions inside one FROM item. before is the
// number of relations declared ahead of it.
func (a *analysis) walkFromItem(n *pg_query.Node, before int) {
	if n == nil {
		return
	}
	switch {
	case n.GetRangeVar() != nil:
		a.walkNode(n)

	case n.GetJoinExpr() != nil:
		j := n.GetJoinExpr()
		a.walkFromItem(j.Larg, before)
		a.walkFromItem(j.Rarg, before)
		for _, u := range j.UsingClause {
			if s := u.GetString_(); s != nil {
				a.addColumn(columnRef{name: s.Sval, location: fromLocation(j.Rarg)})
			}
		}
		a.walkNode(j.Quals)

	case n.GetRangeSubselect() != nil:
		sub := n.GetRangeSubselect()
		limit := 0
		if sub.Lateral {
			limit = before
		}
		a.withLimit(limit, func() { a.walkNode(sub.Subquery) })

	case n.GetRangeFunction() != nil:
		// Functions in FROM are implicitly LATERAL.
		fn := n.GetRangeFunction()
		a.withLimit(before, func() { a.walkNodes(fn.Functions) })

	case n.GetRangeTableSample() != nil:
		ts := n.GetRangeTableSample()
		a.walkFromItem(ts.Relation, before)
		a.withLimit(before, func() {
			a.walkNodes(ts.Args)
			a.walkNode(ts.Repeatable)
		})

	default:
		a.withLimit(before, func() { a.walkNode(n) })
	}
}

// fromLocation is the source offset of the first table in a FROM item.
func fromLocation(n *pg_query.Node) int32 {
	switch {
	case n.GetRangeVar() != nil:
		return n.GetRangeVar().Location
	case n.GetJoinExpr() != nil:
		return fromLocation(n.GetJoinExpr().Larg)
	case n.GetRangeTableSample() != nil:
		return fromLocation(n.GetRangeTableSample().Relation)
	}
	return 0
}

// collectFrom declares the relations a FROM item makes visible.
func (a *analysis) collectFrom(n *pg_query.Node, sc *selectScope) {
	if n == nil {
		return
	}
	switch {
	case n.GetRangeVar() != nil:
		rv := n.GetRangeVar()
		name := rv.Relname
		if rv.Alias != nil && rv.Alias.Aliasname != "" {
			name = rv.Alias.Aliasname
		}
		if def, ok := a.lookupCTE(rv); ok {
			names := def.names
			if rv.Alias != nil {
				names = renameColumns(names, rv.Alias.Colnames)
			}
			sc.relations = append(sc.relations, &relation{name: name, exports: nameSet(names)})
			return
		}
		sc.relations = append(sc.relations, &relation{name: name, base: &tableRef{
			catalog:  rv.Catalogname,
			schema:   rv.Schemaname,
			name:     rv.Relname,
			location: rv.Location,
		}})

	case n.GetJoinExpr() != nil:
		j := n.GetJoinExpr()
		start := len(sc.relations)
		a.collectFrom(j.Larg, sc)
		a.collectFrom(j.Rarg, sc)
		if j.Alias != nil && j.Alias.Aliasname != "" {
			members := append([]*relation(nil), sc.relations[start:]...)
			sc.relations = append(sc.relations, &relation{name: j.Alias.Aliasname, members: members})
		}

	case n.GetRangeSubselect() != nil:
		sub := n.GetRangeSubselect()
		names := outputNames(sub.Subquery.GetSelectStmt())
		r := &relation{}
		if sub.Alias != nil {
			r.name = sub.Alias.Aliasname
			names = renameColumns(names, sub.Alias.Colnames)
		}
		r.exports = nameSet(names)
		sc.relations = append(sc.relations, r)

	case n.GetRangeFunction() != nil:
		fn := n.GetRangeFunction()
		r := &relation{exports: make(map[string]struct{})}
		if len(fn.Functions) > 0 {
			if list := fn.Functions[0].GetList(); list != nil && len(list.Items) > 0 {
				if call := list.Items[0].GetFuncCall(); call != nil {
					r.name = lastString(call.Funcname)
				}
			}
		}
		if fn.Alias != nil {
			r.name = fn.Alias.Aliasname
			for _, c := range fn.Alias.Colnames {
				if s := c.GetString_(); s != nil {
					r.exports[s.Sval] = struct{}{}
				}
			}
		}
		for _, c := range fn.Coldeflist {
			if def := c.GetColumnDef(); def != nil {
				r.exports[def.Colname] = struct{}{}
			}
		}
		if len(r.exports) == 0 && r.name != "" {
			// a scalar function yields one column named after its alias
			r.exports[r.name] = struct{}{}
		}
		sc.relations = append(sc.relations, r)

	case n.GetRangeTableSample() != nil:
		a.collectFrom(n.GetRangeTableSample().Relation, sc)

	default:
		// table functions and anything else expose nothing by name
		sc.relations = append(sc.relations, &relation{exports: map[string]struct{}{}})
	}
}

// pushCTEs declares the CTEs of w and walks their bodies. A recursive WITH
// sees all of its CTEs in every body; otherwise a body sees only earlier ones.
func (a *analysis) pushCTEs(w *pg_query.WithClause) func() {
	if w == nil {
		return func() {}
	}
	frame := &cteFrame{}
	var bodies []*pg_query.CommonTableExpr
	for _, n := range w.Ctes {
		cte := n.GetCommonTableExpr()
		if cte == nil {
			continue
		}
		names := renameColumns(outputNames(cte.Ctequery.GetSelectStmt()), cte.Aliascolnames)
		frame.defs = append(frame.defs, cteDef{name: cte.Ctename, names: names})
		bodies = append(bodies, cte)
	}
	a.ctes = append(a.ctes, frame)
	for i, cte := range bodies {
		frame.visible = i
		if w.Recursive {
			frame.visible = len(frame.defs)
		}
		a.walkNode(cte.Ctequery)
	}
	frame.visible = len(frame.defs)
	return func() { a.ctes = a.ctes[:len(a.ctes)-1] }
}

func (a *analysis) lookupCTE(rv *pg_query.RangeVar) (cteDef, bool) {
	if rv.Schemaname != "" || rv.Catalogname != "" {
		return cteDef{}, false
	}
	for i := len(a.ctes) - 1; i >= 0; i-- {
		f := a.ctes[i]
		for j := f.visible - 1; j >= 0; j-- {
			if f.defs[j].name == rv.Relname {
				return f.defs[j], true
			}
		}
	}
	return cteDef{}, false
}

func (a *analysis) isCTE(rv *pg_query.RangeVar) bool {
	_, ok := a.lookupCTE(rv)
	return ok
}

func (a *analysis) push(sc *selectScope) {
	a.stack = append(a.stack, scopeView{scope: sc, limit: len(sc.relations)})
}

func (a *analysis) pop() { a.stack = a.stack[:len(a.stack)-1] }

// withLimit narrows the innermost scope to its first limit relations for the
// duration of fn.
func (a *analysis) withLimit(limit int, fn func()) {
	if len(a.stack) == 0 {
		fn()
		return
	}
	top := &a.stack[len(a.stack)-1]
	saved := top.limit
	top.limit = limit
	fn()
	top.limit = saved
}

// addColumn records ref with a snapshot of the scopes visible from here.
func (a *analysis) addColumn(ref columnRef) {
	ref.scopes = make([]scopeView, 0, len(a.stack))
	for i := len(a.stack) - 1; i >= 0; i-- {
		ref.scopes = append(ref.scopes, a.stack[i])
	}
	a.columns = append(a.columns, ref)
}

// walkChildren visits message-typed fields in declaration order.
func (a *analysis) walkChildren(m protoreflect.Message) {
	fields := m.Descriptor().Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if fd.IsMap() {
			continue
		}
		if fd.Kind() != protoreflect.MessageKind && fd.Kind() != protoreflect.GroupKind {
			continue
		}
		if !m.Has(fd) {
			continue
		}
		if fd.IsList() {
			list := m.Get(fd).List()
			for j := 0; j < list.Len(); j++ {
				a.walk(list.Get(j).Message())
			}
			continue
		}
		a.walk(m.Get(fd).Message())
	}
}

// outputNames lists the output column names of a SELECT in order. Set
// operations take their names from the leftmost branch.
func outputNames(s *pg_query.SelectStmt) []string {
	if s == nil {
		return nil
	}
	if s.Larg != nil {
		return outputNames(s.Larg)
	}
	if len(s.ValuesLists) > 0 {
		items := s.ValuesLists[0].GetList()
		if items == nil {
			return nil
		}
		names := make([]string, len(items.Items))
		for i := range names {
			names[i] = fmt.Sprintf("column%d", i+1)
		}
		return names
	}
	names := make([]string, 0, len(s.TargetList))
	for _, t := range s.TargetList {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		if rt.Name != "" {
			names = append(names, rt.Name)
			continue
		}
		names = append(names, exprName(rt.Val))
	}
	return names
}

// exprName is the column name the planner gives an unaliased expression.
func exprName(n *pg_query.Node) string {
	switch {
	case n == nil:
		return "?column?"
	case n.GetColumnRef() != nil:
		ref := n.GetColumnRef()
		return columnFromFields(ref.Fields, ref.Location).name
	case n.GetTypeCast() != nil:
		return exprName(n.GetTypeCast().Arg)
	case n.GetFuncCall() != nil:
		return lastString(n.GetFuncCall().Funcname)
	}
	return "?column?"
}

// renameColumns applies an alias column list positionally.
func renameColumns(names []string, colnames []*pg_query.Node) []string {
	out := append([]string(nil), names...)
	for i, c := range colnames {
		s := c.GetString_()
		if s == nil {
			continue
		}
		if i < len(out) {
			out[i] = s.Sval
		} else {
			out = append(out, s.Sval)
		}
	}
	return out
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func columnFromFields(fields []*pg_query.Node, location int32) columnRef {
	ref := columnRef{location: location}
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.GetAStar() != nil {
			ref.star = true
			continue
		}
		if s := f.GetString_(); s != nil {
			names = append(names, s.Sval)
		}
	}
	if ref.star {
		ref.qualifier = names
		ref.name = "*"
		return ref
	}
	if len(names) > 0 {
		ref.name = names[len(names)-1]
		ref.qualifier = names[:len(names)-1]
	}
	return ref
}

func lastString(nodes []*pg_query.Node) string {
	for i := len(nodes) - 1; i >= 0; i-- {
		if s := nodes[i].GetString_(); s != nil {
			return s.Sval
		}
	}
	return ""
}

// statementVerb names the statement wrapped by a top-level Node,
// e.g. "DeleteStmt" → "DELETE".
func statementVerb(node *pg_query.Node) string {
	m := node.ProtoReflect()
	oneofs := m.Descriptor().Oneofs()
	if oneofs.Len() == 0 {
		return "UNKNOWN"
	}
	fd := m.WhichOneof(oneofs.Get(0))
	if fd == nil {
		return "UNKNOWN"
	}
	name := string(m.Get(fd).Message().Descriptor().Name())
	if verb, ok := knownVerbs[name]; ok {
		return verb
	}
	return name
}

var knownVerbs = map[string]string{
	"SelectStmt":        "SELECT",
	"InsertStmt":        "INSERT",
	"UpdateStmt":        "UPDATE",
	"DeleteStmt":        "DELETE",
	"MergeStmt":         "MERGE",
	"DropStmt":          "DROP",
	"TruncateStmt":      "TRUNCATE",
	"CreateStmt":        "CREATE",
	"CreateTableAsStmt": "CREATE TABLE AS",
	"ViewStmt":          "CREATE VIEW",
	"AlterTableStmt":    "ALTER",
	"GrantStmt":         "GRANT",
	"GrantRoleStmt":     "GRANT",
	"CopyStmt":          "COPY",
	"ExplainStmt":       "EXPLAIN",
	"VariableSetStmt":   "SET",
	"TransactionStmt":   "TRANSACTION",
	"CallStmt":          "CALL",
	"DoStmt":            "DO",
	"VacuumStmt":        "VACUUM",
}
