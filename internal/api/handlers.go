package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chat/internal/app"
	"github.com/dkeye/Chat/internal/call"
	"github.com/dkeye/Chat/internal/chat"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/dkeye/Chat/internal/event"
)

type handlers struct {
	rt *app.Runtime
}

type callRequest struct {
	CalleeID string `json:"calleeId"`
}

type conversationRequest struct {
	PeerID string `json:"peerId"`
}

type messageRequest struct {
	Content string `json:"content"`
}

func (h *handlers) state(c *gin.Context) {
	var user any
	if u := h.rt.User(); u != nil {
		user = u
	}
	c.JSON(http.StatusOK, gin.H{
		"user":       user,
		"connection": h.rt.ConnState().String(),
		"call":       h.rt.CallState(),
	})
}

func (h *handlers) login(c *gin.Context) {
	if err := h.rt.Login(c.Request.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, app.ErrAlreadyLoggedIn) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": h.rt.User()})
}

func (h *handlers) logout(c *gin.Context) {
	h.rt.Logout(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *handlers) startCall(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CalleeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid calleeId"})
		return
	}
	if err := h.rt.StartCall(c.Request.Context(), domain.UserID(req.CalleeID)); err != nil {
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.rt.CallState())
}

func (h *handlers) acceptCall(c *gin.Context) {
	if err := h.rt.AcceptCall(c.Request.Context()); err != nil {
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.rt.CallState())
}

func (h *handlers) rejectCall(c *gin.Context) {
	if err := h.rt.RejectCall(c.Request.Context()); err != nil {
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.rt.CallState())
}

func (h *handlers) endCall(c *gin.Context) {
	if err := h.rt.EndCall(c.Request.Context()); err != nil {
		c.JSON(callErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.rt.CallState())
}

func callErrStatus(err error) int {
	switch {
	case errors.Is(err, app.ErrNotLoggedIn):
		return http.StatusUnauthorized
	case errors.Is(err, call.ErrCallInProgress):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoIncomingCall):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (h *handlers) openConversation(c *gin.Context) {
	var req conversationRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PeerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid peerId"})
		return
	}
	conv, err := h.rt.OpenConversation(c.Request.Context(), domain.UserID(req.PeerID))
	if err != nil {
		if errors.Is(err, app.ErrNotLoggedIn) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *handlers) messages(c *gin.Context) {
	id := domain.ConversationID(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"messages": h.rt.Messages(id)})
}

func (h *handlers) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid content"})
		return
	}
	id := domain.ConversationID(c.Param("id"))
	msg, err := h.rt.SendMessage(c.Request.Context(), id, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrNotLoggedIn):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		case errors.Is(err, chat.ErrNotJoined):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

// events streams the in-process event bus as server-sent events until
// the client goes away.
func (h *handlers) events(c *gin.Context) {
	sub := h.rt.Events().Subscribe(32)
	defer sub.Cancel()

	log.Info().Str("module", "api").Str("sid", c.GetString("client_token")).Msg("event stream opened")
	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(ev.Kind.String(), sseBody(ev))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func sseBody(ev event.Event) any {
	if s, ok := ev.Payload.(interface{ String() string }); ok {
		return s.String()
	}
	return ev.Payload
}
