package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/gatherpay/gatherpay/internal/apierror"
)

// RunPayoutScheduler triggers one scheduler run. With ?dry_run=true the run
// reports what it would pay without creating payouts or moving money. A run
// skipped because another worker holds the lock still returns 200 with the
// skipped run log.
func (a Api) RunPayoutScheduler(c *gin.Context) {
	dryRun, err := strconv.ParseBool(c.DefaultQuery("dry_run", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dry_run must be a boolean"})
		return
	}

	runLog, err := a.gatherpay.RunPayoutScheduler(c.Request.Context(), dryRun)
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to run payout scheduler"})
		return
	}

	c.JSON(http.StatusOK, runLog)
}

// GetPayout returns one payout row.
func (a Api) GetPayout(c *gin.Context) {
	payoutID := c.Param("id")
	if payoutID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	payout, err := a.gatherpay.GetPayout(c.Request.Context(), payoutID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, payout)
}

// RunReconciliation triggers one convergence pass over stuck payouts.
func (a Api) RunReconciliation(c *gin.Context) {
	report, err := a.gatherpay.ReconcileStuckPayouts(c.Request.Context())
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to run reconciliation"})
		return
	}

	c.JSON(http.StatusOK, report)
}
