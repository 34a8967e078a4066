package router

import (
	"encoding/json"
	"fmt"

	"ambassador/internal/mcpconn"
	"ambassador/internal/store"
)

// wireConfig is the transport-specific shape stored in McpCatalogEntry.Config
// (spec.md §3: "config (JSON blob with transport-specific schema)").
type wireConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// buildConnConfig decodes a catalog entry's config blob into the shape C5
// needs to dial the downstream server.
func buildConnConfig(e store.McpCatalogEntry) (mcpconn.Config, error) {
	var wc wireConfig
	if len(e.Config) > 0 {
		if err := json.Unmarshal(e.Config, &wc); err != nil {
			return mcpconn.Config{}, fmt.Errorf("decoding config for mcp %q: %w", e.Name, err)
		}
	}
	return mcpconn.Config{
		Name:      e.Name,
		Transport: mcpconn.TransportType(e.TransportType),
		Command:   wc.Command,
		Args:      wc.Args,
		Env:       wc.Env,
		URL:       wc.URL,
		Headers:   wc.Headers,
	}, nil
}

// cachedTool is the JSON shape of McpCatalogEntry.ToolCatalog, which is set
// when a catalog entry is created or updated (the catalog reloader does not
// refresh it from a live tools/list), used by the router to build a catalog
// entry's default tool set without dialing a live connection.
type cachedTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

func decodeCachedTools(raw []byte) []cachedTool {
	if len(raw) == 0 {
		return nil
	}
	var tools []cachedTool
	_ = json.Unmarshal(raw, &tools)
	return tools
}
