package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ambassador/internal/apierr"
	"ambassador/internal/keys"
	"ambassador/internal/store"
)

// ownClient fetches a client and verifies it belongs to the calling user,
// per the Ownership rule in spec.md §3 ("Users own Clients own
// Subscriptions").
func (s *Server) ownClient(c *gin.Context, clientID string) (store.Client, error) {
	client, err := s.store.GetClient(c.Request.Context(), clientID)
	if err != nil {
		return store.Client{}, err
	}
	if client.UserID != userFromContext(c).UserID {
		return store.Client{}, apierr.New(apierr.CodeForbidden, "not your client")
	}
	return client, nil
}

func (s *Server) userCreateClient(c *gin.Context) {
	var body struct {
		ClientName string `json:"client_name"`
		ProfileID  string `json:"profile_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ClientName == "" {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "client_name is required"))
		return
	}

	plaintext, prefix, hash, err := keys.IssueClientKey()
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}

	user := userFromContext(c)
	client, err := s.store.CreateClient(c.Request.Context(), store.Client{
		ClientName: body.ClientName,
		UserID:     user.UserID,
		ProfileID:  body.ProfileID,
		KeyPrefix:  prefix,
		KeyHash:    hash,
	})
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusCreated, gin.H{"client": client, "plaintext_key": plaintext})
}

func (s *Server) userListClients(c *gin.Context) {
	clients, err := s.store.ListClientsByUser(c.Request.Context(), userFromContext(c).UserID)
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	okPage(c, clients, false, len(clients))
}

func (s *Server) userUpdateClient(c *gin.Context) {
	client, err := s.ownClient(c, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	var body struct {
		Status store.ClientStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Status == "" {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "status is required"))
		return
	}
	if err := s.store.UpdateClientStatus(c.Request.Context(), client.ClientID, body.Status); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusOK, gin.H{"client_id": client.ClientID, "status": body.Status})
}

func (s *Server) userDeleteClient(c *gin.Context) {
	client, err := s.ownClient(c, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.store.DeleteClient(c.Request.Context(), client.ClientID); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) adminRotateClient(c *gin.Context) {
	clientID := c.Param("id")
	if _, err := s.store.GetClient(c.Request.Context(), clientID); err != nil {
		fail(c, err)
		return
	}
	plaintext, prefix, hash, err := keys.IssueClientKey()
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	if err := s.store.UpdateClientKey(c.Request.Context(), clientID, prefix, hash); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusOK, gin.H{"client_id": clientID, "plaintext_key": plaintext})
}

func (s *Server) adminRegisterClient(c *gin.Context) {
	var body struct {
		ClientName string `json:"client_name"`
		UserID     string `json:"user_id"`
		ProfileID  string `json:"profile_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ClientName == "" || body.UserID == "" {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "client_name and user_id are required"))
		return
	}
	plaintext, prefix, hash, err := keys.IssueClientKey()
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	client, err := s.store.CreateClient(c.Request.Context(), store.Client{
		ClientName: body.ClientName,
		UserID:     body.UserID,
		ProfileID:  body.ProfileID,
		KeyPrefix:  prefix,
		KeyHash:    hash,
	})
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusCreated, gin.H{"client": client, "plaintext_key": plaintext})
}

func (s *Server) userCreateSubscription(c *gin.Context) {
	client, err := s.ownClient(c, c.Param("clientId"))
	if err != nil {
		fail(c, err)
		return
	}
	var body struct {
		McpID         string   `json:"mcp_id"`
		SelectedTools []string `json:"selected_tools"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.McpID == "" {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "mcp_id is required"))
		return
	}
	sub, err := s.store.CreateSubscription(c.Request.Context(), store.Subscription{
		ClientID:      client.ClientID,
		McpID:         body.McpID,
		SelectedTools: body.SelectedTools,
	})
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusCreated, sub)
}

func (s *Server) userListSubscriptions(c *gin.Context) {
	client, err := s.ownClient(c, c.Param("clientId"))
	if err != nil {
		fail(c, err)
		return
	}
	subs, err := s.store.ListSubscriptionsByClient(c.Request.Context(), client.ClientID)
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	okPage(c, subs, false, len(subs))
}

func (s *Server) userUpdateSubscription(c *gin.Context) {
	if _, err := s.ownClient(c, c.Param("clientId")); err != nil {
		fail(c, err)
		return
	}
	var body struct {
		SelectedTools []string            `json:"selected_tools"`
		Status        store.SubscriptionStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "invalid request body"))
		return
	}
	subID := c.Param("id")
	if body.SelectedTools != nil {
		if err := s.store.UpdateSubscriptionTools(c.Request.Context(), subID, body.SelectedTools); err != nil {
			fail(c, apierr.Internal(err))
			return
		}
	}
	if body.Status != "" {
		if err := s.store.UpdateSubscriptionStatus(c.Request.Context(), subID, body.Status); err != nil {
			fail(c, apierr.Internal(err))
			return
		}
	}
	ok(c, http.StatusOK, gin.H{"subscription_id": subID})
}

func (s *Server) userDeleteSubscription(c *gin.Context) {
	if _, err := s.ownClient(c, c.Param("clientId")); err != nil {
		fail(c, err)
		return
	}
	if err := s.store.DeleteSubscription(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) userAggregateSubscriptions(c *gin.Context) {
	clients, err := s.store.ListClientsByUser(c.Request.Context(), userFromContext(c).UserID)
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	var all []store.Subscription
	for _, client := range clients {
		subs, err := s.store.ListSubscriptionsByClient(c.Request.Context(), client.ClientID)
		if err != nil {
			fail(c, apierr.Internal(err))
			return
		}
		all = append(all, subs...)
	}
	okPage(c, all, false, len(all))
}

func (s *Server) userPutCredential(c *gin.Context) {
	user := userFromContext(c)
	mcpID := c.Param("mcpId")

	var body struct {
		Credentials map[string]interface{} `json:"credentials"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apierr.New(apierr.CodeInvalidFormat, "invalid request body"))
		return
	}

	plaintext, err := jsonMarshal(body.Credentials)
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ciphertext, iv, err := s.vault.Encrypt(user.VaultSalt, plaintext)
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}

	_, err = s.store.UpsertUserMcpCredential(c.Request.Context(), store.UserMcpCredential{
		UserID:               user.UserID,
		McpID:                mcpID,
		EncryptedCredentials: ciphertext,
		EncryptionIV:         iv,
	})
	if err != nil {
		fail(c, apierr.Internal(err))
		return
	}
	ok(c, http.StatusOK, gin.H{"mcp_id": mcpID, "stored": true})
}
