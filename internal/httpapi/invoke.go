package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ambassador/internal/aaa"
)

// invokeTool is the one non-enumerated-in-spec.md route: it is the HTTP
// entry point for the data flow spec.md §2 describes ("client -> C10
// authenticate -> authorize -> validate -> C8 dispatch"), making the AAA
// pipeline reachable end-to-end the way SPEC_FULL.md §5-9 calls for. Every
// other route in this package maps one-to-one onto an §6 listing; this one
// is the representative stand-in for the tool-call surface §6 leaves
// implicit.
func (s *Server) invokeTool(c *gin.Context) {
	var body struct {
		Arguments map[string]interface{} `json:"arguments"`
	}
	_ = c.ShouldBindJSON(&body)

	auth := aaa.AuthInputs{
		APIKey:   c.GetHeader("X-API-Key"),
		ClientID: c.GetHeader("X-Client-Id"),
		SourceIP: c.ClientIP(),
	}
	if authz := c.GetHeader("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		auth.BearerToken = strings.TrimPrefix(authz, "Bearer ")
	}

	ctx, cancel := withTimeout(c.Request.Context())
	defer cancel()

	result, err := s.pipeline.Invoke(ctx, auth, c.Param("name"), body.Arguments, nil)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"result":      result.Invocation.Result,
		"duration_ms": result.Invocation.DurationMS,
		"mcp_server":  result.Invocation.McpServer,
	})
}
