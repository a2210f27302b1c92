package telephony

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/dispatch"
	"lead-qualifier/internal/orchestrator"
	"lead-qualifier/internal/speech"
	"lead-qualifier/pkg/logger"
)

// CallControl is the part of the dispatcher the webhooks drive.
type CallControl interface {
	Answered(ctx context.Context, sessionID, providerCallID string) (dispatch.Result, error)
	StartInbound(ctx context.Context, req dispatch.InboundRequest) (dispatch.Result, error)
	Deliver(ctx context.Context, ev orchestrator.Event) (dispatch.Result, error)
	DeliverCapture(ctx context.Context, c speech.Capture, expect *orchestrator.Expect) (dispatch.Result, error)
	CallEnded(ctx context.Context, sessionID, reason string) (dispatch.Result, error)
	Resume(s calls.Session) []orchestrator.Action
	Session(ctx context.Context, sessionID string) (calls.Session, error)
	SessionByCallID(ctx context.Context, providerCallID string) (calls.Session, error)
}

// WebhookHandler converts Twilio webhooks into dispatcher calls and writes TwiML.
//
// A webhook always gets instructions back: when its event was discarded the call is
// resumed from the session's current position, because an empty response ends the call.
type WebhookHandler struct {
	Calls     CallControl
	Callbacks Callbacks
	TwiML     Renderer

	Now func() time.Time
}

// Register mounts the webhook routes on r, which is expected to be rooted at "/".
func (h WebhookHandler) Register(r gin.IRoutes) {
	r.POST(PathVoice, h.HandleVoice)
	r.POST(PathPrompt, h.HandlePrompt)
	r.POST(PathGather, h.HandleGather)
	r.POST(PathStatus, h.HandleStatus)
}

// HandleVoice answers the call. Outbound calls carry their session id; anything else
// is a new inbound call.
func (h WebhookHandler) HandleVoice(c *gin.Context) {
	log := logger.FromGin(c)
	form, err := ParseVoiceForm(c.Request)
	if err != nil {
		log.Warn("twilio voice parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	sessionID := c.Query("session_id")
	if sessionID != "" {
		res, err := h.Calls.Answered(c.Request.Context(), sessionID, form.CallSid)
		h.respond(c, sessionID, res, err)
		return
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	res, err := h.Calls.StartInbound(c.Request.Context(), form.Inbound(now()))
	if errors.Is(err, calls.ErrInvalidSession) {
		log.Warn("inbound call rejected", "from", form.From, "err", err)
		doc, rerr := RejectTwiML("rejected")
		if rerr != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		writeTwiML(c, doc)
		return
	}
	h.respond(c, res.Session.SessionID, res, err)
}

// HandlePrompt is hit after a prompt finished playing.
func (h WebhookHandler) HandlePrompt(c *gin.Context) {
	sessionID, pos, ok := h.position(c)
	if !ok {
		return
	}
	res, err := h.Calls.Deliver(c.Request.Context(), orchestrator.PromptDelivered(sessionID).With(pos))
	h.respond(c, sessionID, res, err)
}

// HandleGather receives callee input, or the no-input fallthrough.
func (h WebhookHandler) HandleGather(c *gin.Context) {
	sessionID, pos, ok := h.position(c)
	if !ok {
		return
	}
	form, err := ParseGatherForm(c.Request)
	if err != nil {
		logger.FromGin(c).Warn("twilio gather parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	capture := form.Capture(sessionID, c.Query("no_input") == "1")
	res, err := h.Calls.DeliverCapture(c.Request.Context(), capture, pos)
	h.respond(c, sessionID, res, err)
}

// HandleStatus records the end of a call. Progress callbacks are acknowledged and ignored.
func (h WebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)
	form, err := ParseStatusForm(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	reason, ended := EndReason(form.CallStatus)
	if !ended {
		c.Status(http.StatusNoContent)
		return
	}

	ctx := c.Request.Context()
	sessionID := c.Query("session_id")
	if sessionID == "" {
		s, err := h.Calls.SessionByCallID(ctx, form.CallSid)
		if err != nil {
			log.Warn("status for unknown call", "call_sid", form.CallSid, "status", form.CallStatus)
			c.Status(http.StatusNoContent)
			return
		}
		sessionID = s.SessionID
	}

	res, err := h.Calls.CallEnded(ctx, sessionID, reason)
	switch {
	case errors.Is(err, calls.ErrNotFound):
		log.Warn("status for unknown session", "session_id", sessionID)
	case err != nil:
		log.Error("call end delivery failed", "session_id", sessionID, "err", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	case res.Applied():
		log.Info("call ended", "session_id", sessionID, "status", form.CallStatus, "duration", form.CallDuration)
	}
	c.Status(http.StatusNoContent)
}

func (h WebhookHandler) position(c *gin.Context) (string, *orchestrator.Expect, bool) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return "", nil, false
	}
	pos, err := ParsePosition(c.Request.URL.Query())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", nil, false
	}
	return sessionID, pos, true
}

// respond renders the delivery result, or resumes the call when nothing was applied.
func (h WebhookHandler) respond(c *gin.Context, sessionID string, res dispatch.Result, err error) {
	log := logger.FromGin(c)
	s := res.Session
	actions := res.Actions
	if err != nil {
		log.Error("webhook delivery failed", "session_id", sessionID, "err", err)
		actions = []orchestrator.Action{orchestrator.HangupCall()}
		if !errors.Is(err, calls.ErrNotFound) {
			if cur, lerr := h.Calls.Session(c.Request.Context(), sessionID); lerr == nil {
				s = cur
				actions = nil
			}
		}
	}
	if len(actions) == 0 {
		actions = h.Calls.Resume(s)
	}

	pos := orchestrator.Expect{State: s.State, Attempt: s.AttemptCount}
	doc, err := h.TwiML.Render(actions, h.Callbacks.Links(sessionID, pos))
	if err != nil {
		log.Error("twiml render failed", "session_id", sessionID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	writeTwiML(c, doc)
}

func writeTwiML(c *gin.Context, doc string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, doc)
}
