package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ambassador/internal/aaa"
	"ambassador/internal/keys"
	"ambassador/internal/killswitch"
	"ambassador/internal/ratelimit"
	"ambassador/internal/reload"
	"ambassador/internal/store"
	"ambassador/internal/vault"
)

// registrationWindow and registrationLimit bound how often a single source
// IP may hit the unauthenticated registration/login endpoints, mirroring the
// teacher's per-IP registration limiter. registrationBackoffBase/Max govern
// how long a source that keeps exceeding the window gets locked out, per
// spec.md §3's progressive-backoff requirement for C4.
const (
	registrationWindow      = time.Hour
	registrationLimit       = 10
	registrationBackoffBase = 5 * time.Second
	registrationBackoffMax  = 15 * time.Minute
)

// Server wires the REST envelope onto the ambassador's core components. It
// owns no business state of its own.
type Server struct {
	engine   *gin.Engine
	store    *store.Store
	keys     *keys.Manager
	vault    *vault.Vault
	ks       *killswitch.Registry
	reloader *reload.Reloader
	pipeline *aaa.Pipeline
	dataDir  string
	regLimit *ratelimit.BackoffLimiter
}

// New constructs a Server and registers every route.
func New(st *store.Store, keysMgr *keys.Manager, v *vault.Vault, ks *killswitch.Registry, reloader *reload.Reloader, pipeline *aaa.Pipeline, dataDir string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   gin.New(),
		store:    st,
		keys:     keysMgr,
		vault:    v,
		ks:       ks,
		reloader: reloader,
		pipeline: pipeline,
		dataDir:  dataDir,
		regLimit: ratelimit.NewBackoff(registrationLimit, registrationWindow, registrationBackoffBase, registrationBackoffMax),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")

	admin := v1.Group("")
	admin.Use(s.requireAdmin)
	{
		admin.POST("/clients/register", s.adminRegisterClient)
		admin.POST("/clients/:id/rotate", s.adminRotateClient)

		admin.POST("/admin/keys/generate", s.adminGenerateKey)
		admin.POST("/admin/keys/recover", s.adminRecoverKey)
		admin.POST("/admin/keys/rotate", s.adminRotateKey)
		admin.POST("/admin/keys/factory-reset", s.adminFactoryResetKey)

		admin.POST("/admin/mcps", s.adminCreateMcp)
		admin.GET("/admin/mcps", s.adminListMcps)
		admin.GET("/admin/mcps/:id", s.adminGetMcp)
		admin.PATCH("/admin/mcps/:id", s.adminUpdateMcp)
		admin.DELETE("/admin/mcps/:id", s.adminDeleteMcp)
		admin.POST("/admin/mcps/:id/validate", s.adminValidateMcp)
		admin.POST("/admin/mcps/:id/publish", s.adminPublishMcp)
		admin.POST("/admin/mcps/:id/archive", s.adminArchiveMcp)

		admin.GET("/admin/catalog/status", s.adminCatalogStatus)
		admin.POST("/admin/catalog/apply", s.adminCatalogApply)

		admin.POST("/admin/groups", s.adminCreateGroup)
		admin.GET("/admin/groups", s.adminListGroups)
		admin.GET("/admin/groups/:id", s.adminGetGroup)
		admin.PATCH("/admin/groups/:id", s.adminUpdateGroup)
		admin.DELETE("/admin/groups/:id", s.adminDeleteGroup)
		admin.POST("/admin/groups/:id/members/:userId", s.adminAddGroupMember)
		admin.DELETE("/admin/groups/:id/members/:userId", s.adminRemoveGroupMember)
		admin.POST("/admin/groups/:id/mcps/:mcpId", s.adminAddGroupMcp)
		admin.DELETE("/admin/groups/:id/mcps/:mcpId", s.adminRemoveGroupMcp)

		admin.POST("/admin/kill-switch/:target", s.adminKillSwitch)
		admin.POST("/admin/rotate-hmac-secret", s.adminRotateHMACSecret)
		admin.POST("/admin/rotate-credential-key", s.adminRotateCredentialKey)
	}

	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/login", s.limitBySourceIP, s.authLogin)
		authGroup.POST("/logout", s.authLogout)
		authGroup.GET("/session", s.requireSession, s.authSession)
	}

	user := v1.Group("/users/me")
	user.Use(s.requireSession)
	{
		user.POST("/clients", s.userCreateClient)
		user.GET("/clients", s.userListClients)
		user.PATCH("/clients/:id", s.userUpdateClient)
		user.DELETE("/clients/:id", s.userDeleteClient)

		user.POST("/clients/:clientId/subscriptions", s.userCreateSubscription)
		user.GET("/clients/:clientId/subscriptions", s.userListSubscriptions)
		user.PATCH("/clients/:clientId/subscriptions/:id", s.userUpdateSubscription)
		user.DELETE("/clients/:clientId/subscriptions/:id", s.userDeleteSubscription)
		user.GET("/subscriptions", s.userAggregateSubscriptions)

		user.PUT("/credentials/:mcpId", s.userPutCredential)
	}

	v1.GET("/marketplace", s.marketplaceList)
	v1.GET("/marketplace/:id", s.marketplaceGet)

	v1.POST("/sessions/register", s.limitBySourceIP, s.sessionsRegister)
	v1.POST("/sessions/heartbeat", s.sessionsHeartbeat)

	v1.POST("/tools/:name/invoke", s.invokeTool)
}

// toolInvokeTimeout bounds how long a single tool call may run through the
// AAA pipeline before the HTTP request gives up on it.
const toolInvokeTimeout = 30 * time.Second

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, toolInvokeTimeout)
}
