package workflow

import (
	"context"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/models"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Actor is who a unit of work runs as. Every lifecycle mutation goes through
// WithActorTransaction so audit attribution and tenant scoping can never be
// forgotten at a call site.
type Actor struct {
	Id           string
	Name         string
	Role         models.ActorRole
	ClinicId     *int
	ContractorId *int
	IsSystem     bool
}

// SystemActor is used for internally triggered work (immediate issuance on
// completion, the outbox dispatcher). Audit entries come out attributed to
// "system".
func SystemActor() Actor {
	return Actor{
		Id:       "system",
		Name:     "system",
		Role:     models.ActorRoleSystemInternal,
		IsSystem: true,
	}
}

// ActorFromContext rebuilds the actor bound by the session middleware.
func ActorFromContext(ctx context.Context) (Actor, error) {
	actorId, ok := utils.GetActorIdFromContext(ctx)
	if !ok || actorId == "" {
		return Actor{}, utils.ErrorMissingSession
	}
	actor := Actor{Id: actorId}
	if v, ok := utils.GetActorNameFromContext(ctx); ok {
		actor.Name = v
	}
	if v, ok := utils.GetActorRoleFromContext(ctx); ok {
		actor.Role = models.ActorRole(v)
	}
	if v, ok := utils.GetClinicIdFromContext(ctx); ok && v > 0 {
		actor.ClinicId = &v
	}
	if v, ok := utils.GetContractorIdFromContext(ctx); ok && v > 0 {
		actor.ContractorId = &v
	}
	if v, ok := utils.GetIsSystemFromContext(ctx); ok {
		actor.IsSystem = v
	}
	return actor, nil
}

func bindActor(ctx context.Context, actor Actor) context.Context {
	ctx = utils.SetActorIdInContext(ctx, actor.Id)
	ctx = utils.SetActorNameInContext(ctx, actor.Name)
	ctx = utils.SetActorRoleInContext(ctx, string(actor.Role))
	if actor.ClinicId != nil {
		ctx = utils.SetClinicIdInContext(ctx, *actor.ClinicId)
	}
	if actor.ContractorId != nil {
		ctx = utils.SetContractorIdInContext(ctx, *actor.ContractorId)
	}
	if actor.IsSystem {
		ctx = utils.SetIsSystemInContext(ctx, true)
		ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	}
	if _, ok := utils.GetCorrelationIdFromContext(ctx); !ok {
		ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())
	}
	return ctx
}

// WithActorTransaction validates the actor, binds it into the context, and
// runs fn inside one database transaction. The transaction pins one physical
// connection for its whole lifetime, which is what makes GET_LOCK usable
// inside fn; the connection goes back to the pool only after commit/rollback.
func WithActorTransaction(ctx context.Context, actor Actor, fn func(ctx context.Context, tx *gorm.DB) error) error {

	if actor.Id == "" {
		return utils.ErrorMissingSession
	}
	if !actor.IsSystem && actor.ClinicId == nil && actor.ContractorId == nil {
		return utils.ErrorMissingSession
	}

	ctx = bindActor(ctx, actor)

	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, tx)
	})
}
