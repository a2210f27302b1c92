// Package httpapi is the operator REST API: login, placing and ending calls, and reports.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"lead-qualifier/internal/audit"
	"lead-qualifier/internal/auth"
	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/dispatch"
	"lead-qualifier/internal/reporting"
	"lead-qualifier/pkg/logger"
)

// CallManager is the part of the dispatcher operators drive.
type CallManager interface {
	Dial(ctx context.Context, req dispatch.OutboundRequest) (calls.Session, error)
	Terminate(ctx context.Context, sessionID string) (dispatch.Result, error)
	Session(ctx context.Context, sessionID string) (calls.Session, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Operators *auth.Directory
	Calls     CallManager
	Sessions  calls.Repository
	Audit     *audit.Service
	Reports   *reporting.Service

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	OperatorID string `json:"operator_id"`
	Key        string `json:"key"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges operator credentials for a token pair.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || h.Operators == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.OperatorID == "" || req.Key == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "operator_id and key required"})
		return
	}
	op, err := h.Operators.Authenticate(req.OperatorID, req.Key)
	if err != nil {
		logger.FromGin(c).Warn("operator login failed", "operator_id", req.OperatorID, "ip", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), op.ID, op.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil || h.Operators == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(h.now(), req.RefreshToken, h.Operators)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Me returns the caller's identity.
func (h Handlers) Me(c *gin.Context) {
	id, _ := auth.OperatorID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"operator_id": id, "role": role})
}

// --- Calls ---

type startCallRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
}

// StartCall places an outbound qualification call.
func (h Handlers) StartCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := c.Request.Context()
	s, err := h.Calls.Dial(ctx, dispatch.OutboundRequest{To: req.To, From: req.From})
	switch {
	case errors.Is(err, calls.ErrInvalidSession):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, dispatch.ErrDialCapacity):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "dial capacity reached, retry later"})
		return
	case err != nil && s.SessionID != "":
		h.operatorAction(c, s.SessionID, "dial failed: "+err.Error())
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "dial failed", "session": s})
		return
	case err != nil:
		logger.FromGin(c).Error("dial failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dial failed"})
		return
	}
	h.operatorAction(c, s.SessionID, "dial "+s.CalleePhone)
	c.JSON(http.StatusCreated, s)
}

// GetCall returns a session and, when audit is configured, its trail.
func (h Handlers) GetCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("session_id")
	s, err := h.Calls.Session(ctx, id)
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("session load failed", "session_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}

	out := gin.H{"session": s}
	if h.Audit != nil {
		trail, err := h.Audit.Trail(ctx, id)
		if err != nil {
			logger.FromGin(c).Warn("audit trail failed", "session_id", id, "err", err)
		} else {
			out["trail"] = trail
		}
	}
	c.JSON(http.StatusOK, out)
}

// ListCalls lists sessions created in [from, to), optionally by state.
func (h Handlers) ListCalls(c *gin.Context) {
	if h.Sessions == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	var f calls.ListFilter
	var err error
	if f.From, err = optionalTime(c.Query("from")); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
		return
	}
	if f.To, err = optionalTime(c.Query("to")); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
		return
	}
	if st := calls.State(c.Query("state")); st != "" {
		if !st.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown state"})
			return
		}
		f.State = st
	}
	f.Limit = 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be within 1..1000"})
			return
		}
		f.Limit = n
	}

	rows, err := h.Sessions.List(c.Request.Context(), f)
	if err != nil {
		logger.FromGin(c).Error("session list failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows, "count": len(rows)})
}

// HangupCall ends a live call; the callee hears the apology first.
func (h Handlers) HangupCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	id := c.Param("session_id")
	res, err := h.Calls.Terminate(c.Request.Context(), id)
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("terminate failed", "session_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "hangup failed"})
		return
	}
	if !res.Applied() {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session already ended", "session": res.Session})
		return
	}
	h.operatorAction(c, id, "hangup")
	c.JSON(http.StatusOK, res.Session)
}

// --- Reports ---

func (h Handlers) OutcomeReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	to := h.now().UTC()
	from := to.Add(-24 * time.Hour)
	if v, err := optionalTime(c.Query("from")); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
		return
	} else if !v.IsZero() {
		from = v
	}
	if v, err := optionalTime(c.Query("to")); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
		return
	} else if !v.IsZero() {
		to = v
	}

	sum, err := h.Reports.OutcomeSummary(c.Request.Context(), reporting.OutcomeSummaryRequest{
		Range:     reporting.TimeRange{From: from, To: to},
		Direction: c.Query("direction"),
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range or direction"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("outcome report failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h Handlers) operatorAction(c *gin.Context, sessionID, msg string) {
	if h.Audit == nil {
		return
	}
	ctx := c.Request.Context()
	id, _ := auth.OperatorID(ctx)
	role, _ := auth.Role(ctx)
	if err := h.Audit.LogOperatorAction(ctx, sessionID, id, role, c.ClientIP(), msg); err != nil {
		logger.FromGin(c).Warn("operator audit failed", "session_id", sessionID, "err", err)
	}
}

func optionalTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
