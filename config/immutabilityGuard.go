package config

import (
	"errors"
	"reflect"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrImmutableState is returned for any write against issued/sent data.
// Defined here (not in utils) so the plugin can reject statements without an
// import cycle; utils re-exports it as ErrorImmutableState.
var ErrImmutableState = errors.New("immutable state violation")

// ImmutabilityGuardPlugin rejects UPDATE/DELETE statements against report,
// evaluation, answer and batch rows that are frozen by an issued report.
// It runs at the statement layer, below the model functions, so a caller
// that skips the application-level checks is still stopped here.
//
// Frozen means:
// - reports: status 'sent' (fully), status 'issued' (all but the
//   issued->sent transition columns)
// - evaluations, evaluation_answers: owning batch has a non-null issued_at
// - batches: issued_at non-null (all but status)
//
// NOTE: like the tenant guard, this does not cover Raw SQL. Schema migrations
// and repair tooling use Raw deliberately.
type ImmutabilityGuardPlugin struct{}

func NewImmutabilityGuardPlugin() *ImmutabilityGuardPlugin { return &ImmutabilityGuardPlugin{} }

func (p *ImmutabilityGuardPlugin) Name() string { return "immutability_guard" }

func (p *ImmutabilityGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:update").Register("immutability_guard:update", func(db *gorm.DB) {
		immutabilityGuardCallback(db, false)
	}); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("immutability_guard:delete", func(db *gorm.DB) {
		immutabilityGuardCallback(db, true)
	}); err != nil {
		return err
	}
	return nil
}

// Columns a report may still change while issued: the issued->sent
// transition and the upload confirmation it records.
var reportSentTransitionColumns = map[string]bool{
	"status":          true,
	"sent_at":         true,
	"remote_ref":      true,
	"uploaded_digest": true,
	"updated_at":      true,
}

// Columns a batch may still change after issuance (the forward status walk
// to sent). Everything else is frozen with the report.
var batchPostIssuanceColumns = map[string]bool{
	"status":     true,
	"updated_at": true,
}

func immutabilityGuardCallback(db *gorm.DB, isDelete bool) {
	if db == nil || db.Statement == nil || db.Error != nil {
		return
	}
	table := db.Statement.Table

	switch table {
	case "reports", "evaluations", "evaluation_answers", "batches":
	default:
		return
	}

	// Frozen-state lookups run as Raw SQL on the same connection/transaction
	// so they see uncommitted rows and skip the tenant guard.
	session := db.Session(&gorm.Session{NewDB: true, SkipHooks: true})

	ids := collectStatementIDs(db)
	if len(ids) == 0 {
		// The statement does not target rows by primary key (e.g. a
		// batch_id predicate). The guard must still hold, so the frozen
		// predicate is evaluated over the statement's own conditions.
		guardStatementConditions(db, session, table, isDelete)
		return
	}

	switch table {
	case "reports":
		var statuses []string
		if err := session.Raw("SELECT status FROM reports WHERE id IN ?", ids).Scan(&statuses).Error; err != nil {
			db.AddError(err)
			return
		}
		for _, status := range statuses {
			if status == "sent" {
				db.AddError(ErrImmutableState)
				return
			}
			if status == "issued" {
				if isDelete || !updateTouchesOnly(db, reportSentTransitionColumns) {
					db.AddError(ErrImmutableState)
					return
				}
			}
		}
	case "evaluations":
		var frozen int64
		err := session.Raw(
			"SELECT COUNT(*) FROM evaluations e JOIN batches b ON b.id = e.batch_id WHERE e.id IN ? AND b.issued_at IS NOT NULL",
			ids,
		).Scan(&frozen).Error
		if err != nil {
			db.AddError(err)
			return
		}
		if frozen > 0 {
			db.AddError(ErrImmutableState)
		}
	case "evaluation_answers":
		var frozen int64
		err := session.Raw(
			"SELECT COUNT(*) FROM evaluation_answers a JOIN evaluations e ON e.id = a.evaluation_id JOIN batches b ON b.id = e.batch_id WHERE a.id IN ? AND b.issued_at IS NOT NULL",
			ids,
		).Scan(&frozen).Error
		if err != nil {
			db.AddError(err)
			return
		}
		if frozen > 0 {
			db.AddError(ErrImmutableState)
		}
	case "batches":
		var frozen int64
		err := session.Raw(
			"SELECT COUNT(*) FROM batches WHERE id IN ? AND issued_at IS NOT NULL",
			ids,
		).Scan(&frozen).Error
		if err != nil {
			db.AddError(err)
			return
		}
		if frozen > 0 {
			if isDelete || !updateTouchesOnly(db, batchPostIssuanceColumns) {
				db.AddError(ErrImmutableState)
			}
		}
	}
}

// guardStatementConditions checks frozen state for statements whose target
// rows cannot be resolved to primary keys: the statement's WHERE conditions
// are replayed against the governed table joined with the frozen predicate.
// Statements with no conditions at all are left to gorm, which rejects
// global updates/deletes itself.
func guardStatementConditions(db *gorm.DB, session *gorm.DB, table string, isDelete bool) {
	exprs := statementWhereExprs(db)
	if len(exprs) == 0 {
		return
	}
	q := session.Table(table).Clauses(clause.Where{Exprs: exprs})

	switch table {
	case "reports":
		var statuses []string
		if err := q.Pluck("status", &statuses).Error; err != nil {
			db.AddError(err)
			return
		}
		for _, status := range statuses {
			if status == "sent" {
				db.AddError(ErrImmutableState)
				return
			}
			if status == "issued" {
				if isDelete || !updateTouchesOnly(db, reportSentTransitionColumns) {
					db.AddError(ErrImmutableState)
					return
				}
			}
		}
		return
	case "evaluations":
		q = q.Where("batch_id IN (SELECT id FROM batches WHERE issued_at IS NOT NULL)")
	case "evaluation_answers":
		q = q.Where("evaluation_id IN (SELECT e.id FROM evaluations e JOIN batches b ON b.id = e.batch_id WHERE b.issued_at IS NOT NULL)")
	case "batches":
		if !isDelete && updateTouchesOnly(db, batchPostIssuanceColumns) {
			return
		}
		q = q.Where("issued_at IS NOT NULL")
	}

	var frozen int64
	if err := q.Count(&frozen).Error; err != nil {
		db.AddError(err)
		return
	}
	if frozen > 0 {
		db.AddError(ErrImmutableState)
	}
}

func statementWhereExprs(db *gorm.DB) []clause.Expression {
	c, ok := db.Statement.Clauses["WHERE"]
	if !ok {
		return nil
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return nil
	}
	return w.Exprs
}

// collectStatementIDs resolves the primary keys targeted by the statement:
// WHERE clauses on id (Eq/IN) plus the destination model's own primary key.
func collectStatementIDs(db *gorm.DB) []interface{} {
	var ids []interface{}

	if c, ok := db.Statement.Clauses["WHERE"]; ok {
		if w, ok := c.Expression.(clause.Where); ok {
			for _, e := range w.Exprs {
				ids = append(ids, idsFromExpr(e)...)
			}
		}
	}

	// Model-based updates (tx.Model(&report).Updates(...)) carry the primary
	// key on the reflected model rather than in an explicit WHERE.
	if db.Statement.Schema != nil && db.Statement.ReflectValue.IsValid() && db.Statement.ReflectValue.Kind() == reflect.Struct {
		if field := db.Statement.Schema.LookUpField("id"); field != nil {
			if v, zero := field.ValueOf(db.Statement.Context, db.Statement.ReflectValue); !zero {
				ids = append(ids, v)
			}
		}
	}

	return ids
}

func idsFromExpr(e clause.Expression) []interface{} {
	switch v := e.(type) {
	case clause.Eq:
		if colMatches(v.Column, "id") {
			return []interface{}{v.Value}
		}
	case clause.IN:
		if colMatches(v.Column, "id") {
			return v.Values
		}
	case clause.AndConditions:
		var out []interface{}
		for _, x := range v.Exprs {
			out = append(out, idsFromExpr(x)...)
		}
		return out
	case clause.Expr:
		// "id = ?" / "id IN ?" written as raw conditions.
		sql := strings.ToLower(strings.TrimSpace(v.SQL))
		if strings.HasPrefix(sql, "id =") || strings.HasPrefix(sql, "id in") || strings.HasPrefix(sql, "id=") {
			return v.Vars
		}
	}
	return nil
}

func updateTouchesOnly(db *gorm.DB, allowed map[string]bool) bool {
	dest, ok := db.Statement.Dest.(map[string]interface{})
	if !ok {
		// Struct-based full updates touch every column.
		return false
	}
	for key := range dest {
		column := key
		if db.Statement.Schema != nil {
			if f := db.Statement.Schema.LookUpField(key); f != nil {
				column = f.DBName
			}
		}
		if !allowed[strings.ToLower(column)] {
			return false
		}
	}
	return true
}
