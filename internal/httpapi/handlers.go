package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"telecrm/internal/audit"
	"telecrm/internal/auth"
	"telecrm/internal/calls"
	"telecrm/internal/rbac"
	"telecrm/internal/reporting"
	"telecrm/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallService is the slice of calls.Manager the API exposes.
type CallService interface {
	Initiate(ctx context.Context, req calls.InitiateRequest) (calls.InitiateResult, error)
	Get(ctx context.Context, callID string) (calls.CallRecord, error)
	End(ctx context.Context, callID, endedBy, source string) (calls.CallRecord, error)
	UpdateDetails(ctx context.Context, callID string, d calls.DetailsPatch) (calls.CallRecord, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Calls   CallService
	Reports *reporting.Service
	Audit   *audit.Service

	// DevLogin enables Login. Never set in production.
	DevLogin bool
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair without checking credentials. Local and
// staging use only; identity is owned by the CRM in production.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	switch req.Role {
	case rbac.RoleAdmin, rbac.RoleManager, rbac.RoleCaller:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role required"})
		return
	}
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- Calls ---

// InitiateCall handles POST /v1/calls. A provider rejection is still a 200:
// the call exists and is recorded as failed.
func (h Handlers) InitiateCall(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	callerID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req calls.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.CallerID = callerID

	res, err := h.Calls.Initiate(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, calls.ErrGateway):
		log.Warn("call initiation rejected by provider", "call_id", res.InternalCallID, "err", err)
		c.JSON(http.StatusOK, gin.H{
			"internalCallId": res.InternalCallID,
			"status":         res.Status,
			"error":          "provider rejected the call",
		})
	default:
		h.writeCallError(c, err)
	}
}

// GetCall handles GET /v1/calls/:id.
func (h Handlers) GetCall(c *gin.Context) {
	rec, ok := h.loadOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// EndCall handles POST /v1/calls/:id/end. Ending an ended call returns it unchanged.
func (h Handlers) EndCall(c *gin.Context) {
	if _, ok := h.loadOwned(c); !ok {
		return
	}
	uid, _ := auth.UserID(c.Request.Context())
	rec, err := h.Calls.End(c.Request.Context(), c.Param("id"), uid, "api")
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// UpdateCall handles PATCH /v1/calls/:id (notes, disposition, callbackDatetime).
func (h Handlers) UpdateCall(c *gin.Context) {
	log := logger.FromGin(c)
	if _, ok := h.loadOwned(c); !ok {
		return
	}
	var patch calls.DetailsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if patch.Notes == nil && patch.Disposition == nil && patch.CallbackDatetime == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	id := c.Param("id")
	rec, err := h.Calls.UpdateDetails(c.Request.Context(), id, patch)
	if err != nil {
		h.writeCallError(c, err)
		return
	}

	if h.Audit != nil {
		uid, _ := auth.UserID(c.Request.Context())
		role, _ := auth.Role(c.Request.Context())
		meta, _ := json.Marshal(patch)
		if err := h.Audit.LogDetailsUpdate(c.Request.Context(), id, uid, role, c.ClientIP(), string(meta)); err != nil {
			log.Warn("audit append failed", "call_id", id, "err", err)
		}
	}
	c.JSON(http.StatusOK, rec)
}

// CallAudit handles GET /v1/calls/:id/audit. Managers and admins only.
func (h Handlers) CallAudit(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "audit not configured"})
		return
	}
	evs, err := h.Audit.Trail(c.Request.Context(), c.Param("id"))
	if err != nil {
		logger.FromGin(c).Error("audit trail failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// CallsSummary handles GET /v1/calls/summary?from=&to=&caller_id=&lead_id=.
// Callers only ever see their own calls.
func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
	}

	callerID := c.Query("caller_id")
	if !rbac.CanSeeAllCalls(role) {
		callerID = uid
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		CallerID: callerID,
		LeadID:   c.Query("lead_id"),
		Range:    reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		logger.FromGin(c).Error("calls summary failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// loadOwned fetches :id and checks the caller may act on it. It writes the
// error response itself.
func (h Handlers) loadOwned(c *gin.Context) (calls.CallRecord, bool) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return calls.CallRecord{}, false
	}
	rec, err := h.Calls.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeCallError(c, err)
		return calls.CallRecord{}, false
	}
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	if !rbac.CanActOnCall(role, uid, rec.CallerID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return calls.CallRecord{}, false
	}
	return rec, true
}

func (h Handlers) writeCallError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrValidation):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, calls.ErrConcurrencyLimit):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many active calls"})
	default:
		logger.FromGin(c).Error("call request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
