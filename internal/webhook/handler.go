package webhook

import (
	"errors"
	"io"
	"net/http"

	"telecrm/internal/telephony"
	"telecrm/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxBodyBytes = 64 << 10

// StatusHandler converts provider status callbacks into StatusEvents and
// hands them to the Reconciler. No call logic here.
type StatusHandler struct {
	Reconciler *Reconciler
	Verifier   telephony.Verifier
}

// Handle serves POST /webhooks/provider/status.
func (h StatusHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Reconciler == nil || h.Verifier == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "webhook not configured"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	cb, err := telephony.ParseStatusCallback(c.ContentType(), body)
	if err != nil {
		log.Warn("status callback parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if err := h.Verifier.Verify(c.Request, body, cb); err != nil {
		log.Warn("status callback rejected", "provider_call_id", cb.ProviderCallID, "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	out, err := h.Reconciler.HandleStatusEvent(c.Request.Context(), EventFromCallback(cb))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, c.Request.Context().Err()) {
			status = http.StatusServiceUnavailable
		}
		c.AbortWithStatusJSON(status, gin.H{"error": "temporarily unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"outcome": out})
}
