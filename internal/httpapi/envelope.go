// Package httpapi is a thin REST adapter exercising the ambassador's core
// end-to-end: it maps §6's representative routes directly onto
// internal/aaa, internal/keys, internal/store, internal/reload and
// internal/killswitch, rather than owning any business logic itself.
//
// Grounded on cklxx-elephant.ai's go.mod listing of github.com/gin-gonic/gin
// (the only pack appearance of a web framework); no pack repo wires gin into
// a running server, so the route/middleware shape below follows gin's own
// canonical idioms (Engine, RouterGroup, gin.HandlerFunc) directly rather
// than a pack-specific pattern.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ambassador/internal/apierr"
	"ambassador/internal/store"
)

// ok writes the {ok:true, data} envelope (spec.md §6).
func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"ok": true, "data": data})
}

// okPage writes the paginated envelope variant.
func okPage(c *gin.Context, data interface{}, hasMore bool, totalCount int) {
	c.JSON(http.StatusOK, gin.H{
		"ok":   true,
		"data": data,
		"pagination": gin.H{
			"has_more":    hasMore,
			"total_count": totalCount,
		},
	})
}

// fail writes the {ok:false, error:{code, message, details?}} envelope,
// mapping apierr.Error to its prescribed HTTP status (spec.md §7/§8). Any
// other error is treated as internal and its detail is never exposed.
func fail(c *gin.Context, err error) {
	apiErr, isAPIErr := apierr.As(err)
	switch {
	case isAPIErr:
	case errors.Is(err, store.ErrNotFound):
		apiErr = apierr.New(apierr.CodeNotFound, "not found")
	default:
		apiErr = apierr.Internal(err)
	}
	body := gin.H{"code": apiErr.Code, "message": apiErr.Message}
	if apiErr.Detail != "" && apiErr.Code != apierr.CodeInternal {
		body["details"] = apiErr.Detail
	}
	c.JSON(apierr.HTTPStatus(apiErr.Code), gin.H{"ok": false, "error": body})
}
