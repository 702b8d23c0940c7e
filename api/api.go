package api

import (
	"github.com/gin-gonic/gin"

	"github.com/gatherpay/gatherpay"
)

type Api struct {
	gatherpay *gatherpay.Gatherpay
	router    *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/webhooks/stripe", a.HandleStripeWebhook)

	router.POST("/payouts/run", a.RunPayoutScheduler)
	router.GET("/payouts/:id", a.GetPayout)

	router.POST("/reconciliation/run", a.RunReconciliation)

	router.GET("/webhook-events/dead", a.GetDeadWebhookEvents)
	router.GET("/webhook-events/:event_id", a.GetWebhookEvent)

	router.GET("/events/:event_id/settlement", a.GetSettlement)
	return a.router
}

func NewAPI(g *gatherpay.Gatherpay) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{gatherpay: g, router: r}
}
