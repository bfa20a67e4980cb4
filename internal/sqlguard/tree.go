package sqlguard

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

func (v *Validator) checkTree(sql string) error {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return reject(ErrParse, "%v", err)
	}
	if len(result.Stmts) != 1 {
		return reject(ErrMultiStatement, "%d statements", len(result.Stmts))
	}
	sel, ok := result.Stmts[0].Stmt.GetNode().(*pg_query.Node_SelectStmt)
	if !ok {
		return reject(ErrNotSelect, "statement is %T", result.Stmts[0].Stmt.GetNode())
	}
	return v.walkSelect(sel.SelectStmt)
}

func (v *Validator) walkSelect(sel *pg_query.SelectStmt) error {
	if sel == nil {
		return nil
	}
	switch {
	case sel.IntoClause != nil:
		return reject(ErrStructure, "SELECT INTO")
	case len(sel.LockingClause) > 0:
		return reject(ErrStructure, "locking clause")
	case sel.WithClause != nil:
		return reject(ErrStructure, "WITH clause")
	case len(sel.ValuesLists) > 0:
		return reject(ErrStructure, "VALUES list")
	case len(sel.WindowClause) > 0:
		return reject(ErrStructure, "WINDOW clause")
	}

	// UNION / INTERSECT / EXCEPT
	if sel.Larg != nil || sel.Rarg != nil {
		if err := v.walkSelect(sel.Larg); err != nil {
			return err
		}
		return v.walkSelect(sel.Rarg)
	}

	for _, from := range sel.FromClause {
		if err := v.walkFrom(from); err != nil {
			return err
		}
	}

	exprs := make([]*pg_query.Node, 0, len(sel.TargetList)+len(sel.GroupClause)+len(sel.SortClause)+len(sel.DistinctClause)+4)
	exprs = append(exprs, sel.TargetList...)
	exprs = append(exprs, sel.DistinctClause...)
	exprs = append(exprs, sel.WhereClause, sel.HavingClause, sel.LimitCount, sel.LimitOffset)
	exprs = append(exprs, sel.GroupClause...)
	exprs = append(exprs, sel.SortClause...)
	return v.walkExprs(exprs)
}

func (v *Validator) walkFrom(node *pg_query.Node) error {
	if node == nil {
		return nil
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		return v.checkRelation(n.RangeVar)
	case *pg_query.Node_JoinExpr:
		if err := v.walkFrom(n.JoinExpr.Larg); err != nil {
			return err
		}
		if err := v.walkFrom(n.JoinExpr.Rarg); err != nil {
			return err
		}
		return v.walkExpr(n.JoinExpr.Quals)
	case *pg_query.Node_RangeSubselect:
		return v.walkSubquery(n.RangeSubselect.Subquery)
	default:
		return reject(ErrStructure, "FROM item %T", node.Node)
	}
}

func (v *Validator) checkRelation(rv *pg_query.RangeVar) error {
	name := strings.ToLower(rv.Relname)
	if rv.Catalogname != "" || (rv.Schemaname != "" && !strings.EqualFold(rv.Schemaname, "public")) {
		return reject(ErrTableNotAllowed, "%q", qualified(rv))
	}
	if _, ok := v.tables[name]; !ok {
		return reject(ErrTableNotAllowed, "%q", name)
	}
	return nil
}

func qualified(rv *pg_query.RangeVar) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{rv.Catalogname, rv.Schemaname, rv.Relname} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

func (v *Validator) walkSubquery(node *pg_query.Node) error {
	if node == nil {
		return nil
	}
	sel, ok := node.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		return reject(ErrStructure, "subquery %T", node.Node)
	}
	return v.walkSelect(sel.SelectStmt)
}

func (v *Validator) walkExprs(nodes []*pg_query.Node) error {
	for _, n := range nodes {
		if err := v.walkExpr(n); err != nil {
			return err
		}
	}
	return nil
}

// walkExpr accepts only the expression node kinds the prompt can reasonably
// elicit. Unknown kinds are rejected rather than skipped.
func (v *Validator) walkExpr(node *pg_query.Node) error {
	if node == nil || node.Node == nil {
		return nil
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_ColumnRef, *pg_query.Node_AConst, *pg_query.Node_AStar,
		*pg_query.Node_SqlvalueFunction, *pg_query.Node_String_:
		return nil
	case *pg_query.Node_ResTarget:
		return v.walkExpr(n.ResTarget.Val)
	case *pg_query.Node_AExpr:
		if err := v.walkExpr(n.AExpr.Lexpr); err != nil {
			return err
		}
		return v.walkExpr(n.AExpr.Rexpr)
	case *pg_query.Node_BoolExpr:
		return v.walkExprs(n.BoolExpr.Args)
	case *pg_query.Node_List:
		return v.walkExprs(n.List.Items)
	case *pg_query.Node_TypeCast:
		return v.walkExpr(n.TypeCast.Arg)
	case *pg_query.Node_NullTest:
		return v.walkExpr(n.NullTest.Arg)
	case *pg_query.Node_BooleanTest:
		return v.walkExpr(n.BooleanTest.Arg)
	case *pg_query.Node_AArrayExpr:
		return v.walkExprs(n.AArrayExpr.Elements)
	case *pg_query.Node_RowExpr:
		return v.walkExprs(n.RowExpr.Args)
	case *pg_query.Node_CollateClause:
		return v.walkExpr(n.CollateClause.Arg)
	case *pg_query.Node_CoalesceExpr:
		return v.walkExprs(n.CoalesceExpr.Args)
	case *pg_query.Node_MinMaxExpr:
		return v.walkExprs(n.MinMaxExpr.Args)
	case *pg_query.Node_CaseExpr:
		if err := v.walkExpr(n.CaseExpr.Arg); err != nil {
			return err
		}
		if err := v.walkExprs(n.CaseExpr.Args); err != nil {
			return err
		}
		return v.walkExpr(n.CaseExpr.Defresult)
	case *pg_query.Node_CaseWhen:
		if err := v.walkExpr(n.CaseWhen.Expr); err != nil {
			return err
		}
		return v.walkExpr(n.CaseWhen.Result)
	case *pg_query.Node_SortBy:
		return v.walkExpr(n.SortBy.Node)
	case *pg_query.Node_SubLink:
		if err := v.walkExpr(n.SubLink.Testexpr); err != nil {
			return err
		}
		return v.walkSubquery(n.SubLink.Subselect)
	case *pg_query.Node_FuncCall:
		return v.walkFunc(n.FuncCall)
	default:
		return reject(ErrStructure, "expression %T", node.Node)
	}
}

func (v *Validator) walkFunc(fc *pg_query.FuncCall) error {
	name, err := funcName(fc.Funcname)
	if err != nil {
		return err
	}
	if v.deniedFunc(name) {
		return reject(ErrFunctionNotAllowed, "%q", name)
	}
	if fc.Over != nil {
		return reject(ErrStructure, "window function %q", name)
	}
	if err := v.walkExprs(fc.Args); err != nil {
		return err
	}
	if err := v.walkExprs(fc.AggOrder); err != nil {
		return err
	}
	return v.walkExpr(fc.AggFilter)
}

func (v *Validator) deniedFunc(name string) bool {
	if _, ok := v.denied[name]; ok {
		return true
	}
	for _, p := range v.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// funcName returns the lower-cased function name. Qualified names are accepted
// only for pg_catalog, which is how the parser spells EXTRACT and friends.
func funcName(parts []*pg_query.Node) (string, error) {
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		s, ok := p.Node.(*pg_query.Node_String_)
		if !ok {
			return "", reject(ErrStructure, "function name %T", p.Node)
		}
		names = append(names, strings.ToLower(s.String_.Sval))
	}
	switch len(names) {
	case 1:
		return names[0], nil
	case 2:
		if names[0] == "pg_catalog" {
			return names[1], nil
		}
	}
	return "", reject(ErrFunctionNotAllowed, "%q", strings.Join(names, "."))
}

// String returns a short description of the validator's allow-lists.
func (v *Validator) String() string {
	return fmt.Sprintf("sqlguard(tables=%d denied_functions=%d keywords=%d)", len(v.tables), len(v.denied)+len(v.prefixes), len(v.keywords))
}
