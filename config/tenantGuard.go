package config

import (
	"context"
	"strings"

	"bitbucket.org/hcsaude/assessments_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantGuardPlugin enforces multi-tenant isolation by automatically scoping
// queries/updates/deletes to the session's tenant scope. A session is scoped
// either to a clinic (clinic_id) or to a direct contractor (contractor_id),
// never both; the guard applies whichever the context carries, and only to
// models that have the matching column.
//
// NOTE:
// - This does NOT apply to Raw SQL queries. Those must include the tenant
//   column manually.
// - Internal bypass is explicit via context flags.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	// Query
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", tenantGuardCallback); err != nil {
		return err
	}
	// Row (First/Take)
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", tenantGuardCallback); err != nil {
		return err
	}
	// Update
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", tenantGuardCallback); err != nil {
		return err
	}
	// Delete
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantGuardCallback); err != nil {
		return err
	}
	return nil
}

func tenantGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	if shouldBypassTenantScope(ctx) {
		return
	}
	column, value := tenantScopeFromContext(ctx)
	if column == "" {
		return
	}

	// Only apply if the current model/table includes the scope column.
	if db.Statement.Schema == nil {
		return
	}
	hasColumn := false
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, column) {
			hasColumn = true
			break
		}
	}
	if !hasColumn {
		return
	}

	// Don't duplicate an explicit tenant filter.
	if whereHasColumn(db.Statement.Clauses["WHERE"], column) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: column},
				Value:  value,
			},
		},
	})
}

func tenantScopeFromContext(ctx context.Context) (column string, value int) {
	if v, ok := ctx.Value(appctx.ContextKeyClinicId).(int); ok && v > 0 {
		return "clinic_id", v
	}
	if v, ok := ctx.Value(appctx.ContextKeyContractorId).(int); ok && v > 0 {
		return "contractor_id", v
	}
	return "", 0
}

func shouldBypassTenantScope(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeySkipTenantScope).(bool); ok && v {
		return true
	}
	if v, ok := ctx.Value(appctx.ContextKeyIsSystem).(bool); ok && v {
		return true
	}
	return false
}

func whereHasColumn(c clause.Clause, column string) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasColumn(e, column) {
			return true
		}
	}
	return false
}

func exprHasColumn(e clause.Expression, column string) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colMatches(v.Column, column)
	case clause.Neq:
		return colMatches(v.Column, column)
	case clause.Gt:
		return colMatches(v.Column, column)
	case clause.Gte:
		return colMatches(v.Column, column)
	case clause.Lt:
		return colMatches(v.Column, column)
	case clause.Lte:
		return colMatches(v.Column, column)
	case clause.IN:
		return colMatches(v.Column, column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasColumn(x, column) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasColumn(x, column) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), column)
	default:
		return false
	}
}

func colMatches(col any, column string) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, column)
	case clause.Column:
		return strings.EqualFold(c.Name, column)
	default:
		return false
	}
}
