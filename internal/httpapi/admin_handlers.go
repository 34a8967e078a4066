package httpapi

import (
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"

	"ambassador/internal/apierr"
	"ambassador/internal/killswitch"
	"ambassador/internal/store"
	"ambassador/internal/validate"
)

func (s *Server) adminGenerateKey(c *gin.Context) {
	key, recovery, err := s.keys.GenerateAdminKey(c.Request.Context(), s.dataDir)
	if err != nil {
		fail(c, apierr.Wrap(apierr.CodeConflict, "an active admin key already exists", err))
		return
	}
	ok(c, http.StatusCreated, gin.H{"admin_key": key, "recovery_token": recovery})
}

func (s *Server) adminRecoverKey(c *gin.Context) {
	var body struct {
		RecoveryToken string `json:"recovery_token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.RecoveryToken == "" {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "recovery_token is required"))
		return
	}
	key, err := s.keys.RecoverAdminKey(c.Request.Context(), body.RecoveryToken, c.ClientIP())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"admin_key": key})
}

func (s *Server) adminRotateKey(c *gin.Context) {
	var body struct {
		AdminKey      string `json:"admin_key"`
		RecoveryToken string `json:"recovery_token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AdminKey == "" || body.RecoveryToken == "" {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "admin_key and recovery_token are required"))
		return
	}
	newKey, newRecovery, err := s.keys.RotateAdminKey(c.Request.Context(), s.dataDir, body.AdminKey, body.RecoveryToken)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"admin_key": newKey, "recovery_token": newRecovery})
}

func (s *Server) adminFactoryResetKey(c *gin.Context) {
	key, recovery, err := s.keys.FactoryResetAdminKey(c.Request.Context(), s.dataDir)
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusOK, gin.H{"admin_key": key, "recovery_token": recovery})
}

func (s *Server) adminCreateMcp(c *gin.Context) {
	var entry store.McpCatalogEntry
	if err := c.ShouldBindJSON(&entry); err != nil || entry.Name == "" {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "name is required"))
		return
	}
	if entry.Status == "" {
		entry.Status = store.CatalogDraft
	}
	created, err := s.store.CreateMcpCatalogEntry(c.Request.Context(), entry)
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusCreated, created)
}

func (s *Server) adminListMcps(c *gin.Context) {
	entries, err := s.store.ListAllCatalogEntries(c.Request.Context())
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	okPage(c, entries, false, len(entries))
}

func (s *Server) adminGetMcp(c *gin.Context) {
	entry, err := s.store.GetMcpCatalogEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, entry)
}

func (s *Server) adminUpdateMcp(c *gin.Context) {
	existing, err := s.store.GetMcpCatalogEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	var patch store.McpCatalogEntry
	if err := c.ShouldBindJSON(&patch); err != nil {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "invalid request body"))
		return
	}

	// spec.md §3: structural fields are immutable once published.
	if existing.Status == store.CatalogPublished {
		structuralChanged := patch.Name != "" && patch.Name != existing.Name ||
			patch.TransportType != "" && patch.TransportType != existing.TransportType ||
			patch.IsolationMode != "" && patch.IsolationMode != existing.IsolationMode ||
			len(patch.Config) > 0 && string(patch.Config) != string(existing.Config)
		if structuralChanged {
			fail(c, apierr.New(apierr.CodePublishedStructuralChange, "structural fields are immutable once published"))
			return
		}
	}

	merged := mergeCatalogEntry(existing, patch)
	if err := s.store.UpdateMcpCatalogEntry(c.Request.Context(), merged); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusOK, merged)
}

func mergeCatalogEntry(existing, patch store.McpCatalogEntry) store.McpCatalogEntry {
	merged := existing
	if patch.DisplayName != "" {
		merged.DisplayName = patch.DisplayName
	}
	if patch.Description != "" {
		merged.Description = patch.Description
	}
	if len(patch.Config) > 0 {
		merged.Config = patch.Config
	}
	if len(patch.CredentialSchema) > 0 {
		merged.CredentialSchema = patch.CredentialSchema
	}
	if len(patch.ToolCatalog) > 0 {
		merged.ToolCatalog = patch.ToolCatalog
	}
	if patch.AuthType != "" {
		merged.AuthType = patch.AuthType
	}
	if len(patch.OAuthConfig) > 0 {
		merged.OAuthConfig = patch.OAuthConfig
	}
	return merged
}

func (s *Server) adminDeleteMcp(c *gin.Context) {
	entry, err := s.store.GetMcpCatalogEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if entry.Status != store.CatalogArchived {
		fail(c, apierr.New(apierr.CodeUnprocessable, "only archived entries may be deleted"))
		return
	}
	if err := s.store.DeleteMcpCatalogEntry(c.Request.Context(), entry.McpID); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) adminValidateMcp(c *gin.Context) {
	entry, err := s.store.GetMcpCatalogEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	result := validate.ValidateMcpConfig(entry)
	status := store.ValidationValid
	if !result.Valid {
		status = store.ValidationInvalid
	}
	if err := s.store.SetValidationStatus(c.Request.Context(), entry.McpID, status); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusOK, result)
}

func (s *Server) adminPublishMcp(c *gin.Context) {
	if err := s.store.Publish(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"mcp_id": c.Param("id"), "status": store.CatalogPublished})
}

func (s *Server) adminArchiveMcp(c *gin.Context) {
	entry, err := s.store.GetMcpCatalogEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	entry.Status = store.CatalogArchived
	if err := s.store.UpdateMcpCatalogEntry(c.Request.Context(), entry); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusOK, gin.H{"mcp_id": entry.McpID, "status": store.CatalogArchived})
}

func (s *Server) adminCatalogStatus(c *gin.Context) {
	diff, err := s.reloader.PreviewChanges(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, diff)
}

func (s *Server) adminCatalogApply(c *gin.Context) {
	results, err := s.reloader.Apply(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, results)
}

func (s *Server) adminCreateGroup(c *gin.Context) {
	var g store.Group
	if err := c.ShouldBindJSON(&g); err != nil || g.Name == "" {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "name is required"))
		return
	}
	created, err := s.store.CreateGroup(c.Request.Context(), g)
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusCreated, created)
}

func (s *Server) adminListGroups(c *gin.Context) {
	groups, err := s.store.ListGroups(c.Request.Context())
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	okPage(c, groups, false, len(groups))
}

func (s *Server) adminGetGroup(c *gin.Context) {
	g, err := s.store.GetGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, g)
}

func (s *Server) adminUpdateGroup(c *gin.Context) {
	var body struct {
		Status store.GroupStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Status == "" {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "status is required"))
		return
	}
	if err := s.store.UpdateGroupStatus(c.Request.Context(), c.Param("id"), body.Status); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"group_id": c.Param("id"), "status": body.Status})
}

func (s *Server) adminDeleteGroup(c *gin.Context) {
	if err := s.store.DeleteGroup(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) adminAddGroupMember(c *gin.Context) {
	if err := s.store.AddGroupMember(c.Request.Context(), c.Param("userId"), c.Param("id")); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusCreated, gin.H{"added": true})
}

func (s *Server) adminRemoveGroupMember(c *gin.Context) {
	if err := s.store.RemoveGroupMember(c.Request.Context(), c.Param("userId"), c.Param("id")); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) adminAddGroupMcp(c *gin.Context) {
	if err := s.store.AddGroupMcp(c.Request.Context(), c.Param("mcpId"), c.Param("id")); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusCreated, gin.H{"added": true})
}

func (s *Server) adminRemoveGroupMcp(c *gin.Context) {
	if err := s.store.RemoveGroupMcp(c.Request.Context(), c.Param("mcpId"), c.Param("id")); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) adminKillSwitch(c *gin.Context) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "enabled is required"))
		return
	}
	target := c.Param("target")
	kind, id, err := splitKillSwitchTarget(target)
	if err != nil {
		fail(c, err)
		return
	}
	s.ks.Set(kind, id, body.Enabled)
	ok(c, http.StatusOK, gin.H{"target": target, "enabled": body.Enabled})
}

// splitKillSwitchTarget parses a "kind:id" path segment, e.g. "mcp:abc123",
// into a killswitch.TargetKind and id.
func splitKillSwitchTarget(target string) (killswitch.TargetKind, string, error) {
	for i := 0; i < len(target); i++ {
		if target[i] != ':' {
			continue
		}
		kind := killswitch.TargetKind(target[:i])
		switch kind {
		case killswitch.TargetMcp, killswitch.TargetUser, killswitch.TargetTool:
			return kind, target[i+1:], nil
		}
		break
	}
	return "", "", apierr.New(apierr.CodeInvalidFormat, "target must be mcp:<id>, user:<id>, or tool:<name>")
}

func (s *Server) adminRotateHMACSecret(c *gin.Context) {
	if err := s.keys.RotateHMACSecret(); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusOK, gin.H{"rotated": true})
}

func (s *Server) adminRotateCredentialKey(c *gin.Context) {
	var body struct {
		NewKey string `json:"new_key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || len(body.NewKey) != 64 {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "new_key must be 64 hex characters"))
		return
	}
	newKey, err := hex.DecodeString(body.NewKey)
	if err != nil {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "new_key must be hex-encoded"))
		return
	}
	if err := s.vault.RotateMasterKey(c.Request.Context(), s.store, newKey); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusOK, gin.H{"rotated": true})
}
