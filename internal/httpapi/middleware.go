package httpapi

import (
	"github.com/gin-gonic/gin"

	"ambassador/internal/apierr"
	"ambassador/internal/store"
)

const sessionCookieName = "ambassador_session"

const (
	ctxKeySession = "session"
	ctxKeyUser    = "user"
)

// requireAdmin accepts either X-Admin-Key or an authenticated admin session
// cookie, per spec.md §6's admin route requirement.
func (s *Server) requireAdmin(c *gin.Context) {
	if key := c.GetHeader("X-Admin-Key"); key != "" {
		if err := s.keys.VerifyAdminKey(c.Request.Context(), key); err != nil {
			fail(c, apierr.New(apierr.CodeInvalidCredentials, "invalid admin key"))
			c.Abort()
			return
		}
		c.Next()
		return
	}

	sess, user, err := s.sessionFromCookie(c)
	if err != nil {
		fail(c, err)
		c.Abort()
		return
	}
	if !user.IsAdmin {
		fail(c, apierr.New(apierr.CodeForbidden, "admin session required"))
		c.Abort()
		return
	}
	c.Set(ctxKeySession, sess)
	c.Set(ctxKeyUser, user)
	c.Next()
}

// requireSession accepts a user session cookie, per spec.md §6's user route
// requirement.
func (s *Server) requireSession(c *gin.Context) {
	sess, user, err := s.sessionFromCookie(c)
	if err != nil {
		fail(c, err)
		c.Abort()
		return
	}
	c.Set(ctxKeySession, sess)
	c.Set(ctxKeyUser, user)
	c.Next()
}

func (s *Server) sessionFromCookie(c *gin.Context) (store.UserSession, store.User, error) {
	cookie, err := c.Cookie(sessionCookieName)
	if err != nil || cookie == "" {
		return store.UserSession{}, store.User{}, apierr.New(apierr.CodeMissingCredentials, "missing session cookie")
	}
	sess, err := s.keys.VerifySession(c.Request.Context(), cookie)
	if err != nil {
		return store.UserSession{}, store.User{}, err
	}
	user, err := s.store.GetUser(c.Request.Context(), sess.UserID)
	if err != nil {
		return store.UserSession{}, store.User{}, apierr.Internal(err)
	}
	return sess, user, nil
}

// limitBySourceIP rejects requests once a source IP exceeds the
// registration/login rate; repeated violations extend the lockout via
// regLimit's progressive backoff (spec.md §3's C4 requirement) instead of
// re-admitting the source the instant the sliding window rolls.
func (s *Server) limitBySourceIP(c *gin.Context) {
	if !s.regLimit.Allow(c.ClientIP()) {
		fail(c, apierr.New(apierr.CodeRateLimitExceeded, "too many requests from this address"))
		c.Abort()
		return
	}
	c.Next()
}

func sessionFromContext(c *gin.Context) store.UserSession {
	v, _ := c.Get(ctxKeySession)
	sess, _ := v.(store.UserSession)
	return sess
}

func userFromContext(c *gin.Context) store.User {
	v, _ := c.Get(ctxKeyUser)
	user, _ := v.(store.User)
	return user
}
