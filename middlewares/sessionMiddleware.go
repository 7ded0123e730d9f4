package middlewares

import (
	"net/http"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/models"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SessionMiddleware resolves the redis-backed session and binds the actor's
// identity and tenant scope into the request context. Requests without a
// token pass through unbound; tenant-scoped operations then fail with a
// missing-session error instead of silently running unscoped.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		cpf, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		staff, err := models.FindStaffByCpf(c.Request.Context(), cpf)
		if err != nil || staff.IsActive == nil || !*staff.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetActorIdInContext(ctx, staff.Cpf)
		ctx = utils.SetActorNameInContext(ctx, staff.Name)
		ctx = utils.SetActorRoleInContext(ctx, string(staff.Role))
		if staff.ClinicId != nil {
			ctx = utils.SetClinicIdInContext(ctx, *staff.ClinicId)
		}
		if staff.ContractorId != nil {
			ctx = utils.SetContractorIdInContext(ctx, *staff.ContractorId)
		}

		correlationId := c.Request.Header.Get("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
