package validate

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambassador/internal/apierr"
	"ambassador/internal/store"
)

func TestValidateMcpConfig_StdioRequiresCommand(t *testing.T) {
	res := ValidateMcpConfig(store.McpCatalogEntry{
		Name:          "x",
		TransportType: store.TransportStdio,
		Config:        []byte(`{"args":["--flag"]}`),
	})
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
}

func TestValidateMcpConfig_StdioRejectsShellMetacharacters(t *testing.T) {
	res := ValidateMcpConfig(store.McpCatalogEntry{
		Name:          "x",
		TransportType: store.TransportStdio,
		Config:        []byte(`{"command":"run; rm -rf /"}`),
	})
	assert.False(t, res.Valid)
}

func TestValidateMcpConfig_StdioAcceptsCleanCommand(t *testing.T) {
	res := ValidateMcpConfig(store.McpCatalogEntry{
		Name:          "x",
		TransportType: store.TransportStdio,
		Config:        []byte(`{"command":"/usr/bin/mytool","args":["--token","${API_TOKEN}"]}`),
	})
	assert.True(t, res.Valid, res.Errors)
}

func TestValidateMcpConfig_StdioRejectsMalformedVarSyntax(t *testing.T) {
	res := ValidateMcpConfig(store.McpCatalogEntry{
		Name:          "x",
		TransportType: store.TransportStdio,
		Config:        []byte(`{"command":"/usr/bin/mytool","args":["${UNCLOSED"]}`),
	})
	assert.False(t, res.Valid)
}

func TestValidateMcpConfig_HTTPRequiresURL(t *testing.T) {
	res := ValidateMcpConfig(store.McpCatalogEntry{
		Name:          "x",
		TransportType: store.TransportHTTP,
		Config:        []byte(`{}`),
	})
	assert.False(t, res.Valid)
}

func TestValidateMcpConfig_HTTPWarnsOnNonHTTPS(t *testing.T) {
	res := ValidateMcpConfig(store.McpCatalogEntry{
		Name:          "x",
		TransportType: store.TransportHTTP,
		Config:        []byte(`{"url":"http://example.com/mcp"}`),
	})
	assert.True(t, res.Valid)
	assert.NotEmpty(t, res.Warnings)
}

func TestValidateMcpConfig_HTTPSHasNoWarning(t *testing.T) {
	res := ValidateMcpConfig(store.McpCatalogEntry{
		Name:          "x",
		TransportType: store.TransportHTTP,
		Config:        []byte(`{"url":"https://example.com/mcp"}`),
	})
	assert.True(t, res.Valid)
	assert.Empty(t, res.Warnings)
}

func TestValidateMcpConfig_RequiresCredentialSchemaWhenFlagged(t *testing.T) {
	res := ValidateMcpConfig(store.McpCatalogEntry{
		Name:                    "x",
		TransportType:           store.TransportHTTP,
		Config:                  []byte(`{"url":"https://example.com/mcp"}`),
		RequiresUserCredentials: true,
	})
	assert.False(t, res.Valid)
}

func TestValidateMcpConfig_CredentialSchemaWithTypeIsValid(t *testing.T) {
	res := ValidateMcpConfig(store.McpCatalogEntry{
		Name:                    "x",
		TransportType:           store.TransportHTTP,
		Config:                  []byte(`{"url":"https://example.com/mcp"}`),
		RequiresUserCredentials: true,
		CredentialSchema:        []byte(`{"type":"object"}`),
	})
	assert.True(t, res.Valid, res.Errors)
}

func TestValidateMcpConfig_ToolCatalogMustBeArray(t *testing.T) {
	res := ValidateMcpConfig(store.McpCatalogEntry{
		Name:          "x",
		TransportType: store.TransportHTTP,
		Config:        []byte(`{"url":"https://example.com/mcp"}`),
		ToolCatalog:   []byte(`{"not":"an array"}`),
	})
	assert.False(t, res.Valid)
}

func TestValidateArguments_MissingRequiredField(t *testing.T) {
	schema := map[string]interface{}{
		"type":     "object",
		"required": []string{"path"},
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
	}
	res, err := ValidateArguments(schema, map[string]interface{}{}, nil)
	assert.False(t, res.Valid)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeMissingRequiredArgument, apiErr.Code)
}

func TestValidateArguments_TypeMismatch(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"count": map[string]interface{}{"type": "integer"},
		},
	}
	res, err := ValidateArguments(schema, map[string]interface{}{"count": "not-a-number"}, nil)
	assert.False(t, res.Valid)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeTypeMismatch, apiErr.Code)
}

func TestValidateArguments_ValidArgumentsPass(t *testing.T) {
	schema := map[string]interface{}{
		"type":     "object",
		"required": []string{"path"},
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
	}
	res, err := ValidateArguments(schema, map[string]interface{}{"path": "/tmp/x"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidateArguments_DisallowedPatternRejected(t *testing.T) {
	disallowed := []*regexp.Regexp{regexp.MustCompile(`(?i)drop\s+table`)}
	res, err := ValidateArguments(nil, map[string]interface{}{"query": "DROP TABLE users"}, disallowed)
	assert.False(t, res.Valid)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeDisallowedPattern, apiErr.Code)
}

func TestValidateArguments_NoSchemaNoPatternsAlwaysPasses(t *testing.T) {
	res, err := ValidateArguments(nil, map[string]interface{}{"anything": "goes"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}
