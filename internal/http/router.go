// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"housecall/internal/http/handlers"
	"housecall/internal/http/middleware"
	"housecall/internal/modules/availability"
	"housecall/internal/modules/dispute"
	"housecall/internal/modules/job"
	"housecall/internal/modules/ledger"
	"housecall/internal/modules/settlement"
)

type RouterDeps struct {
	DB           *pgxpool.Pool
	Redis        *redis.Client
	Jobs         *job.Service
	Availability *availability.Service
	Disputes     *dispute.Service
	Ledger       *ledger.Service
	Settlements  *settlement.Service
}

func NewRouter(deps RouterDeps) http.Handler {
	r := gin.New()
	r.Use(middleware.Logging(), middleware.Recovery())

	jobHandler := handlers.NewJobHandler(deps.Jobs)
	r.POST("/api/jobs", jobHandler.Create)
	r.GET("/api/jobs/:id", jobHandler.Get)
	r.POST("/api/jobs/:id/accept", jobHandler.Accept)
	r.POST("/api/jobs/:id/offer/accept", jobHandler.AcceptOffer)
	r.POST("/api/jobs/:id/confirm", jobHandler.Confirm)
	r.POST("/api/jobs/:id/decision", jobHandler.Decision)
	r.POST("/api/jobs/:id/hold", jobHandler.Hold)
	r.POST("/api/jobs/:id/hold/confirm", jobHandler.ConfirmHold)
	r.POST("/api/jobs/:id/start", jobHandler.Start)
	r.POST("/api/jobs/:id/complete", jobHandler.Complete)
	r.POST("/api/jobs/:id/close", jobHandler.Close)
	r.POST("/api/jobs/:id/extras", middleware.Idempotency(deps.Redis), jobHandler.AddExtra)
	r.POST("/api/jobs/:id/cancel", jobHandler.Cancel)

	availabilityHandler := handlers.NewAvailabilityHandler(deps.Availability)
	r.PUT("/api/providers/:id/location", availabilityHandler.Heartbeat)
	r.DELETE("/api/providers/:id/location", availabilityHandler.Offline)

	disputeHandler := handlers.NewDisputeHandler(deps.Disputes)
	r.POST("/api/disputes", disputeHandler.Open)
	r.GET("/api/disputes/:id", disputeHandler.Get)
	r.POST("/api/disputes/:id/respond", disputeHandler.Respond)
	r.POST("/api/disputes/:id/resolve", disputeHandler.Resolve)

	settlementHandler := handlers.NewSettlementHandler(deps.Settlements)
	r.POST("/api/admin/settlements/generate", settlementHandler.GenerateWeekly)
	r.GET("/api/admin/settlements/export", settlementHandler.ExportCSV)
	r.GET("/api/admin/settlements/integrity", settlementHandler.Integrity)
	r.GET("/api/admin/settlements/:id", settlementHandler.Get)
	r.POST("/api/admin/settlements/:id/approve", settlementHandler.Approve)
	r.POST("/api/admin/settlements/:id/pay", settlementHandler.Pay)
	r.POST("/api/admin/settlements/:id/cancel", settlementHandler.Cancel)

	webhookHandler := handlers.NewWebhookHandler(deps.DB, deps.Ledger, deps.Settlements)
	r.POST("/api/webhooks/charge-succeeded", webhookHandler.ChargeSucceeded)
	r.POST("/api/webhooks/charge-refunded", webhookHandler.ChargeRefunded)
	r.POST("/api/webhooks/payout-status", webhookHandler.PayoutStatus)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	return r
}
