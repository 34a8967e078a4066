// Package validate is the C14 Validation Engine: pre-publish MCP config
// validation (spec.md §4.10) and per-invocation tool-argument validation
// consumed by C10's pipeline step 3.
//
// Grounded on spec.md §4.10 directly; the command-injection guard reuses
// internal/mcpconn.ValidateConfig (C5's own shell-metacharacter/blocked-env
// checks) rather than duplicating that regex, and schema evaluation uses
// github.com/xeipuuv/gojsonschema the same way the pack's
// genai/elicitation/stdio prompt flow validates a collected payload against
// a JSON-Schema document before accepting it.
package validate

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"ambassador/internal/apierr"
	"ambassador/internal/mcpconn"
	"ambassador/internal/store"
)

// ConfigResult is spec.md §4.10's validateMcpConfig output shape.
type ConfigResult struct {
	Valid       bool
	Errors      []string
	Warnings    []string
	ValidatedAt time.Time
}

// envVarSyntax matches a ${VAR} reference for syntax-only checking; actual
// resolution happens downstream at dial time.
var envVarSyntax = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// danglingVarSyntax catches a stray "${" or "}" that doesn't form a valid
// ${VAR} reference.
var danglingVarSyntax = regexp.MustCompile(`\$\{[^}]*$|(?:^|[^$])\}`)

// wireConfig mirrors the router/reload decode of McpCatalogEntry.Config.
type wireConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ValidateMcpConfig runs every check spec.md §4.10 names against a catalog
// entry, before it becomes eligible for publish.
func ValidateMcpConfig(entry store.McpCatalogEntry) ConfigResult {
	res := ConfigResult{Valid: true, ValidatedAt: time.Now().UTC()}
	fail := func(format string, args ...interface{}) {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...interface{}) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	var cfg wireConfig
	if len(entry.Config) == 0 {
		fail("config is empty")
		return res
	}
	if err := json.Unmarshal(entry.Config, &cfg); err != nil {
		fail("config is not valid JSON: %v", err)
		return res
	}

	switch entry.TransportType {
	case store.TransportStdio:
		if cfg.Command == "" {
			fail("stdio transport requires a non-empty command")
			break
		}
		if err := mcpconn.ValidateConfig(mcpconn.Config{
			Transport: mcpconn.TransportStdio,
			Command:   cfg.Command,
			Args:      cfg.Args,
			Env:       cfg.Env,
		}); err != nil {
			fail("%v", err)
		}
		checkVarSyntax(cfg.Args, fail)
		checkVarSyntaxMap(cfg.Env, fail)

	case store.TransportHTTP, store.TransportSSE:
		if cfg.URL == "" {
			fail("%s transport requires url", entry.TransportType)
			break
		}
		u, err := url.Parse(cfg.URL)
		if err != nil || u.Host == "" {
			fail("url %q does not parse", cfg.URL)
			break
		}
		if u.Scheme != "https" {
			warn("url %q is not https", cfg.URL)
		}
		checkVarSyntaxMap(cfg.Headers, fail)

	default:
		fail("unknown transport_type %q", entry.TransportType)
	}

	if entry.RequiresUserCredentials {
		if len(entry.CredentialSchema) == 0 {
			fail("requires_user_credentials is set but credential_schema is empty")
		} else {
			var schema map[string]interface{}
			if err := json.Unmarshal(entry.CredentialSchema, &schema); err != nil {
				fail("credential_schema is not valid JSON: %v", err)
			} else if _, hasType := schema["type"]; !hasType {
				if _, hasProps := schema["properties"]; !hasProps {
					fail("credential_schema must contain at least \"type\" or \"properties\"")
				}
			}
		}
	}

	if len(entry.ToolCatalog) > 0 {
		var arr []json.RawMessage
		if err := json.Unmarshal(entry.ToolCatalog, &arr); err != nil {
			fail("tool_catalog must be a JSON array: %v", err)
		}
	}

	return res
}

func checkVarSyntax(values []string, fail func(string, ...interface{})) {
	for _, v := range values {
		checkOneVarSyntax(v, fail)
	}
}

func checkVarSyntaxMap(values map[string]string, fail func(string, ...interface{})) {
	for _, v := range values {
		checkOneVarSyntax(v, fail)
	}
}

func checkOneVarSyntax(v string, fail func(string, ...interface{})) {
	stripped := envVarSyntax.ReplaceAllString(v, "")
	if danglingVarSyntax.MatchString(stripped) {
		fail("malformed ${VAR} reference in %q", v)
	}
}

// ArgResult is the outcome of validating one tool invocation's arguments.
type ArgResult struct {
	Valid  bool
	Errors []string
}

// ValidateArguments applies a tool's inputSchema (if any) plus a caller-
// supplied disallowed-pattern list to an invocation's arguments, per
// spec.md §4.10's second paragraph.
func ValidateArguments(inputSchema map[string]interface{}, args map[string]interface{}, disallowed []*regexp.Regexp) (ArgResult, error) {
	res := ArgResult{Valid: true}

	if len(inputSchema) > 0 {
		schemaBytes, err := json.Marshal(inputSchema)
		if err != nil {
			return ArgResult{}, apierr.Internal(fmt.Errorf("marshaling input schema: %w", err))
		}
		argBytes, err := json.Marshal(args)
		if err != nil {
			return ArgResult{}, apierr.Internal(fmt.Errorf("marshaling arguments: %w", err))
		}

		result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaBytes), gojsonschema.NewBytesLoader(argBytes))
		if err != nil {
			return ArgResult{}, apierr.New(apierr.CodeValidationError, fmt.Sprintf("evaluating input schema: %v", err))
		}
		if !result.Valid() {
			res.Valid = false
			for _, e := range result.Errors() {
				res.Errors = append(res.Errors, e.String())
			}
			return res, firstSchemaError(result.Errors())
		}
	}

	if err := scanDisallowedPatterns(args, disallowed); err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}

	return res, nil
}

// firstSchemaError classifies the first gojsonschema failure into the
// ambassador's own code taxonomy so callers can distinguish
// type_mismatch/missing_required_argument/exceeds_maximum_length without
// string-matching gojsonschema's human-readable descriptions themselves.
func firstSchemaError(errs []gojsonschema.ResultError) error {
	if len(errs) == 0 {
		return apierr.New(apierr.CodeValidationError, "argument validation failed")
	}
	e := errs[0]
	switch {
	case strings.Contains(e.Type(), "required"):
		return apierr.New(apierr.CodeMissingRequiredArgument, e.String())
	case strings.Contains(e.Type(), "invalid_type"):
		return apierr.New(apierr.CodeTypeMismatch, e.String())
	case strings.Contains(e.Type(), "length") || strings.Contains(e.Type(), "gte") || strings.Contains(e.Type(), "lte"):
		return apierr.New(apierr.CodeExceedsMaximumLength, e.String())
	default:
		return apierr.New(apierr.CodeValidationError, e.String())
	}
}

// maxPatternInputLen bounds how much of one argument value a disallowed
// pattern is run against, keeping a pathological regex's work linear in a
// caller-controlled constant rather than the full argument size.
const maxPatternInputLen = 4096

// scanDisallowedPatterns applies every caller-supplied pattern to every
// string-valued argument. Patterns are pre-compiled by the caller (C10) so
// this function never compiles attacker-influenced input as a regex;
// matching is itself bounded by truncating the input, the ReDoS-safe
// counterpart of the anchor-only/bounded-repetition guidance in spec.md
// §4.10 applied at the call site rather than inside the regex engine.
func scanDisallowedPatterns(args map[string]interface{}, disallowed []*regexp.Regexp) error {
	if len(disallowed) == 0 {
		return nil
	}
	for key, v := range args {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if len(s) > maxPatternInputLen {
			s = s[:maxPatternInputLen]
		}
		for _, re := range disallowed {
			if re.MatchString(s) {
				return apierr.New(apierr.CodeDisallowedPattern, fmt.Sprintf("argument %q matches a disallowed pattern", key))
			}
		}
	}
	return nil
}
