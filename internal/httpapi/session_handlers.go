package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ambassador/internal/apierr"
)

const communityTierTTL = 3600 * time.Second

// sessionsRegister is the machine-to-machine session bootstrap spec.md §6
// names (distinct from the browser-facing /v1/auth/login cookie flow): a
// host tool presents the preshared key belonging to one of a user's
// clients and gets back a session_token to carry as X-Session-Token on
// subsequent heartbeats.
func (s *Server) sessionsRegister(c *gin.Context) {
	var body struct {
		PresharedKey string `json:"preshared_key"`
		ClientName   string `json:"client_name"`
		UserID       string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.PresharedKey == "" || body.ClientName == "" || body.UserID == "" {
		fail(c, apierr.New(apierr.CodeMissingCredentials, "preshared_key, client_name and user_id are required"))
		return
	}

	clients, err := s.store.ListClientsByUser(c.Request.Context(), body.UserID)
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}

	var matched string
	for _, cl := range clients {
		if cl.ClientName != body.ClientName {
			continue
		}
		sess, authErr := s.keys.AuthenticateAPIKey(c.Request.Context(), body.PresharedKey, cl.ClientID)
		if authErr == nil {
			matched = sess.ClientID
			break
		}
	}
	if matched == "" {
		fail(c, apierr.New(apierr.CodeInvalidCredentials, "preshared key does not match a client of this user"))
		return
	}

	sess, err := s.keys.IssueSession(c.Request.Context(), body.UserID, matched, communityTierTTL)
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusCreated, gin.H{"session_token": sess.SessionID, "expires_at": sess.ExpiresAt})
}

// sessionsHeartbeat verifies the session named by X-Session-Token remains
// valid, keeping a long-lived host-tool connection's session from expiring
// silently.
func (s *Server) sessionsHeartbeat(c *gin.Context) {
	token := c.GetHeader("X-Session-Token")
	if token == "" {
		fail(c, apierr.New(apierr.CodeMissingCredentials, "missing X-Session-Token"))
		return
	}
	sess, err := s.keys.VerifySession(c.Request.Context(), token)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"session_id": sess.SessionID, "expires_at": sess.ExpiresAt, "status": sess.Status})
}
