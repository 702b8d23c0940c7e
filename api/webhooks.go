package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/gatherpay/gatherpay"
	"github.com/gatherpay/gatherpay/config"
	"github.com/gatherpay/gatherpay/internal/apierror"
)

// Stripe caps event payloads well under this; anything larger is not a
// legitimate delivery.
const maxWebhookBodyBytes = 1 << 16

// HandleStripeWebhook is the processor-facing intake endpoint. The response
// code is the contract with Stripe's retry machinery: 2xx acknowledges the
// delivery as terminally handled (including lattice no-ops and dead-letters),
// 400 rejects a delivery that fails authentication, and 5xx asks Stripe to
// redeliver later.
func (a Api) HandleStripeWebhook(c *gin.Context) {
	cfg, err := config.Fetch()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "configuration unavailable"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}

	tolerance := time.Duration(cfg.Stripe.SignatureToleranceSec) * time.Second
	event, _, err := gatherpay.VerifyNotification(payload, c.GetHeader("Stripe-Signature"), cfg.Stripe.WebhookSecrets, tolerance)
	if err != nil {
		logrus.WithField("remote_addr", c.ClientIP()).Warnf("webhook signature rejected: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
		return
	}

	result, err := a.gatherpay.ProcessEvent(c.Request.Context(), event)
	if err != nil {
		// Not durable yet; a 5xx makes Stripe redeliver.
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetWebhookEvent returns one idempotency record for operator inspection.
func (a Api) GetWebhookEvent(c *gin.Context) {
	eventID := c.Param("event_id")
	if eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required. pass id in the route /:event_id"})
		return
	}

	event, err := a.gatherpay.GetWebhookEvent(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, event)
}

// GetDeadWebhookEvents pages through the dead-letter queue.
func (a Api) GetDeadWebhookEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	events, err := a.gatherpay.GetDeadWebhookEvents(c.Request.Context(), limit, offset)
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch dead webhook events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dead_events": events, "limit": limit, "offset": offset})
}

// GetSettlement returns the settlement snapshot for an event, generating it
// if none has been stored yet.
func (a Api) GetSettlement(c *gin.Context) {
	eventID := c.Param("event_id")
	if eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required. pass id in the route /:event_id"})
		return
	}

	snapshot, err := a.gatherpay.GetSettlement(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}
