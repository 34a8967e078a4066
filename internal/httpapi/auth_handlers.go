package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ambassador/internal/apierr"
	"ambassador/internal/keys"
	"ambassador/internal/store"
)

func (s *Server) authLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "invalid request body"))
		return
	}

	user, err := s.store.GetUserByUsername(c.Request.Context(), body.Username)
	if err != nil {
		fail(c, apierr.New(apierr.CodeInvalidCredentials, "invalid username or password"))
		return
	}
	if !keys.VerifyPassword(body.Password, user.PasswordHash) {
		fail(c, apierr.New(apierr.CodeInvalidCredentials, "invalid username or password"))
		return
	}
	if user.Status != store.UserActive {
		fail(c, apierr.New(apierr.CodeClientSuspended, "account is not active"))
		return
	}

	sess, err := s.keys.IssueSession(c.Request.Context(), user.UserID, "", communityTierTTL)
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	c.SetCookie(sessionCookieName, sess.SessionID, int(communityTierTTL.Seconds()), "/", "", true, true)
	ok(c, http.StatusOK, gin.H{"user_id": user.UserID, "username": user.Username})
}

func (s *Server) authLogout(c *gin.Context) {
	if cookie, err := c.Cookie(sessionCookieName); err == nil && cookie != "" {
		if sess, verr := s.keys.VerifySession(c.Request.Context(), cookie); verr == nil {
			_ = s.store.DeleteSession(c.Request.Context(), sess.SessionID)
		}
	}
	c.SetCookie(sessionCookieName, "", -1, "/", "", true, true)
	ok(c, http.StatusOK, gin.H{"logged_out": true})
}

func (s *Server) authSession(c *gin.Context) {
	sess := sessionFromContext(c)
	user := userFromContext(c)
	ok(c, http.StatusOK, gin.H{
		"session_id": sess.SessionID,
		"user_id":    user.UserID,
		"username":   user.Username,
		"is_admin":   user.IsAdmin,
		"expires_at": sess.ExpiresAt,
	})
}
