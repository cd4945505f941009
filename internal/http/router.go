// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"roadassist/internal/http/handlers"
	"roadassist/internal/http/middleware"
	"roadassist/internal/infra"
	"roadassist/internal/modules/location"
	"roadassist/internal/modules/notify"
	"roadassist/internal/modules/payment"
	"roadassist/internal/modules/request"
)

// PaymentRole is the role claim carried by the payment collaborator's tokens.
const PaymentRole = "payment"

type RouterDeps struct {
	Requests *request.Service
	Location *location.Service
	Payments *payment.Service
	Hub      *notify.Hub
	Verifier infra.TokenVerifier
	Log      *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	requests := handlers.NewRequestHandler(deps.Requests, deps.Location)
	api.POST("/requests", requests.Create)
	api.GET("/requests", requests.List)
	api.GET("/requests/active", requests.Active)
	api.GET("/requests/nearby", requests.Nearby)
	api.GET("/requests/mine", requests.Mine)
	api.GET("/requests/:id", requests.Get)
	api.DELETE("/requests/:id", requests.Delete)
	api.GET("/requests/:id/events", requests.Events)
	api.POST("/requests/:id/offers", requests.Offer)
	api.DELETE("/requests/:id/offers/:helperId", requests.Reject)
	api.POST("/requests/:id/confirm", requests.Confirm)
	api.POST("/requests/:id/start", requests.Start)
	api.POST("/requests/:id/helper-complete", requests.HelperComplete)
	api.POST("/requests/:id/confirm-completion", requests.ConfirmCompletion)
	api.POST("/requests/:id/unassign", requests.Unassign)
	api.POST("/requests/:id/cancel", requests.Cancel)
	api.PUT("/requests/:id/helper-location", requests.HelperLocation)

	if deps.Payments != nil {
		payments := handlers.NewPaymentHandler(deps.Payments)
		api.POST("/requests/:id/payment", middleware.RequireRole(PaymentRole), payments.MarkPaid)
	}

	if deps.Location != nil {
		loc := handlers.NewLocationHandler(deps.Location)
		api.PUT("/location", loc.Update)
	}

	if deps.Hub != nil {
		stream := handlers.NewStreamHandler(deps.Hub, log)
		api.GET("/ws", stream.Stream)
	}

	return r
}
