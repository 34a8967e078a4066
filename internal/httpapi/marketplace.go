package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ambassador/internal/apierr"
)

// marketplaceList returns the published catalog any user may browse,
// irrespective of group membership (group scoping gates access at
// subscription/invocation time, not at browse time).
func (s *Server) marketplaceList(c *gin.Context) {
	entries, err := s.store.ListPublishedCatalog(c.Request.Context())
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	okPage(c, entries, false, len(entries))
}

func (s *Server) marketplaceGet(c *gin.Context) {
	entry, err := s.store.GetMcpCatalogEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, entry)
}
