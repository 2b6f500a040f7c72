package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wachiwi/scopecam/pkg/store"
)

// SessionHandler exposes the capture-session bookkeeping of the store.
type SessionHandler struct {
	Store *store.Store
}

type newSessionRequest struct {
	Name string `json:"name"`
}

// NewSession starts a named capture session; subsequent captures land in its
// folder until EndSession.
func (h *SessionHandler) NewSession(c *gin.Context) {
	var req newSessionRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "session"
	}
	sess, err := h.Store.StartSession(req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ActiveSession reports the current capture session.
func (h *SessionHandler) ActiveSession(c *gin.Context) {
	sess, err := h.Store.Active()
	if err != nil {
		if errors.Is(err, store.ErrNoActiveSession) {
			c.JSON(http.StatusOK, gin.H{"active": false})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// EndSession finalizes the current capture session and returns its manifest.
func (h *SessionHandler) EndSession(c *gin.Context) {
	sess, err := h.Store.EndSession()
	if err != nil {
		if errors.Is(err, store.ErrNoActiveSession) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}
