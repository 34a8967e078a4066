// Package aaa is the C10 AAA Pipeline: authenticate, authorize, validate
// arguments, then invoke, emitting one audit event per stage in strict
// pipeline order.
//
// Grounded on the teacher's internal/aggregator/auth_tools.go and
// auth_resource.go request-gating shape (check auth, then serve a single
// resource), generalized into the full four-stage pipeline spec.md §4.7
// describes; audit emission follows pkg/logging.Audit's event-shape
// conventions, durably persisted through C2 rather than only logged.
package aaa

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mark3labs/mcp-go/mcp"

	"ambassador/internal/apierr"
	"ambassador/internal/audit"
	"ambassador/internal/authz"
	"ambassador/internal/keys"
	"ambassador/internal/metrics"
	"ambassador/internal/router"
	"ambassador/internal/store"
	"ambassador/internal/validate"
	"ambassador/pkg/logging"
)

// AuthInputs carries whichever credential form the caller presented, per
// spec.md §4.7 step 1.
type AuthInputs struct {
	APIKey      string
	ClientID    string
	BearerToken string
	SourceIP    string
}

// Schema is the optional per-tool argument contract and disallowed-pattern
// list a caller can pass into Invoke's step 3 (spec.md §4.10).
type Schema struct {
	InputSchema map[string]interface{}
	Disallowed  []*regexp.Regexp
}

// Result is what Invoke returns on a fully successful pipeline run.
type Result struct {
	Invocation router.Invocation
	Session    keys.SessionContext
	Decision   authz.Decision
}

// Pipeline wires C11 (authenticate), C13 (authorize), C14 (validate), and
// C8 (invoke) together with per-stage audit emission into C2.
type Pipeline struct {
	keysMgr *keys.Manager
	authz   *authz.Engine
	router  *router.Router
	store   *store.Store
	audit   *audit.Buffer
	tracer  trace.Tracer
}

// New constructs a Pipeline.
func New(keysMgr *keys.Manager, authzEngine *authz.Engine, r *router.Router, st *store.Store, auditBuf *audit.Buffer) *Pipeline {
	return &Pipeline{
		keysMgr: keysMgr,
		authz:   authzEngine,
		router:  r,
		store:   st,
		audit:   auditBuf,
		tracer:  otel.Tracer("ambassador/aaa"),
	}
}

// Invoke runs spec.md §4.7's four-stage pipeline:
// authenticate -> authorize -> validate arguments -> invoke.
// A downstream invocation never begins before authorize returns permit.
func (p *Pipeline) Invoke(ctx context.Context, auth AuthInputs, toolName string, args map[string]interface{}, schema *Schema) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "aaa.invoke", trace.WithAttributes(attribute.String("tool", toolName)))
	defer span.End()

	stageStart := time.Now()
	session, err := p.authenticate(ctx, auth)
	metrics.AAAStageDuration.WithLabelValues("authenticate").Observe(time.Since(stageStart).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, "authenticate")
		return Result{}, err
	}

	client, err := p.store.GetClient(ctx, session.ClientID)
	if err != nil {
		return Result{}, apierr.Internal(err)
	}

	stageStart = time.Now()
	decision, err := p.authorize(ctx, session, client.ProfileID, toolName)
	metrics.AAAStageDuration.WithLabelValues("authorize").Observe(time.Since(stageStart).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, "authorize")
		return Result{}, err
	}

	stageStart = time.Now()
	err = p.validateArguments(ctx, session, toolName, args, schema)
	metrics.AAAStageDuration.WithLabelValues("validate").Observe(time.Since(stageStart).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, "validate")
		return Result{}, err
	}

	stageStart = time.Now()
	inv, err := p.invoke(ctx, session, toolName, args)
	metrics.AAAStageDuration.WithLabelValues("invoke").Observe(time.Since(stageStart).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, "invoke")
		return Result{}, err
	}

	return Result{Invocation: inv, Session: session, Decision: decision}, nil
}

// authenticate is pipeline step 1 (spec.md §4.7 step 1).
func (p *Pipeline) authenticate(ctx context.Context, in AuthInputs) (keys.SessionContext, error) {
	_, span := p.tracer.Start(ctx, "aaa.authenticate")
	defer span.End()

	var session keys.SessionContext
	var err error
	switch {
	case in.BearerToken != "":
		session, err = p.keysMgr.AuthenticateBearerToken(ctx, in.BearerToken)
	default:
		session, err = p.keysMgr.AuthenticateAPIKey(ctx, in.APIKey, in.ClientID)
	}

	if err != nil {
		p.emit(ctx, store.AuditEvent{
			EventType: "auth_failure",
			Severity:  "warn",
			ClientID:  in.ClientID,
			SourceIP:  in.SourceIP,
			Action:    "authenticate",
			Metadata:  map[string]interface{}{"error": err.Error()},
		})
		logging.Warn("aaa", "authentication failed for client %s: %v", logging.TruncateSessionID(in.ClientID), err)
		return keys.SessionContext{}, err
	}

	p.emit(ctx, store.AuditEvent{
		EventType: "auth_success",
		Severity:  "info",
		ClientID:  session.ClientID,
		UserID:    session.UserID,
		SourceIP:  in.SourceIP,
		Action:    "authenticate",
	})
	return session, nil
}

// authorize is pipeline step 2 (spec.md §4.7 step 2).
func (p *Pipeline) authorize(ctx context.Context, session keys.SessionContext, profileID, toolName string) (authz.Decision, error) {
	_, span := p.tracer.Start(ctx, "aaa.authorize", trace.WithAttributes(
		attribute.String("session_id", logging.TruncateSessionID(session.SessionID)),
		attribute.String("tool_name", toolName),
	))
	defer span.End()

	decision, err := p.authz.Authorize(ctx, profileID, toolName)
	if err != nil {
		p.emit(ctx, store.AuditEvent{
			EventType: "authz_deny",
			Severity:  "warn",
			ClientID:  session.ClientID,
			UserID:    session.UserID,
			Action:    "authorize",
			Metadata:  map[string]interface{}{"tool": toolName, "error": err.Error()},
		})
		return authz.Decision{}, err
	}

	if !decision.Permit {
		p.emit(ctx, store.AuditEvent{
			EventType:     "authz_deny",
			Severity:      "warn",
			ClientID:      session.ClientID,
			UserID:        session.UserID,
			Action:        "authorize",
			AuthzDecision: "deny",
			AuthzPolicy:   decision.PolicyID,
			Metadata:      map[string]interface{}{"tool": toolName, "reason": decision.Reason},
		})
		return decision, apierr.New(apierr.CodeNotAuthorized, decision.Reason)
	}

	p.emit(ctx, store.AuditEvent{
		EventType:     "authz_permit",
		Severity:      "info",
		ClientID:      session.ClientID,
		UserID:        session.UserID,
		Action:        "authorize",
		AuthzDecision: "permit",
		AuthzPolicy:   decision.PolicyID,
		Metadata:      map[string]interface{}{"tool": toolName},
	})
	return decision, nil
}

// validateArguments is pipeline step 3 (spec.md §4.7 step 3). A nil schema
// means the tool declared no argument contract, so nothing to check.
func (p *Pipeline) validateArguments(ctx context.Context, session keys.SessionContext, toolName string, args map[string]interface{}, schema *Schema) error {
	if schema == nil {
		return nil
	}
	_, span := p.tracer.Start(ctx, "aaa.validate", trace.WithAttributes(
		attribute.String("session_id", logging.TruncateSessionID(session.SessionID)),
		attribute.String("tool_name", toolName),
	))
	defer span.End()

	_, err := validate.ValidateArguments(schema.InputSchema, args, schema.Disallowed)
	if err != nil {
		p.emit(ctx, store.AuditEvent{
			EventType: "error",
			Severity:  "warn",
			ClientID:  session.ClientID,
			UserID:    session.UserID,
			Action:    "validation",
			Metadata:  map[string]interface{}{"tool": toolName, "error": err.Error()},
		})
		return err
	}
	return nil
}

// invoke is pipeline step 4 (spec.md §4.7 step 4): delegate to C8 and emit
// tool_invocation regardless of outcome.
func (p *Pipeline) invoke(ctx context.Context, session keys.SessionContext, toolName string, args map[string]interface{}) (router.Invocation, error) {
	_, span := p.tracer.Start(ctx, "aaa.router_invoke", trace.WithAttributes(
		attribute.String("session_id", logging.TruncateSessionID(session.SessionID)),
		attribute.String("tool_name", toolName),
	))
	defer span.End()

	start := time.Now()
	inv, err := p.router.Invoke(ctx, session.UserID, session.ClientID, toolName, args)
	duration := time.Since(start)

	// A tool can fail two different ways: the transport-level err (the
	// downstream never produced a response at all) or inv.Result.IsError
	// (the downstream answered with a JSON-RPC tool-level error). Both must
	// be recorded as is_error=true per spec.md §7 — a transport success
	// that wraps a tool-level failure is still a failure.
	isError := err != nil || inv.Result.IsError
	severity := "info"
	metadata := map[string]interface{}{"tool": toolName}
	switch {
	case err != nil:
		metadata["error"] = err.Error()
		severity = "warn"
	case inv.Result.IsError:
		metadata["mcp_server"] = inv.McpServer
		metadata["downstream_error"] = contentToText(inv.Result.Content)
		severity = "warn"
	default:
		metadata["mcp_server"] = inv.McpServer
	}

	p.emit(ctx, store.AuditEvent{
		EventType: "tool_invocation",
		Severity:  severity,
		ClientID:  session.ClientID,
		UserID:    session.UserID,
		Action:    "invoke",
		Metadata:  metadata,
		ResponseSummary: store.ResponseSummary{
			DurationMs: duration.Milliseconds(),
			Size:       contentSize(inv.Result.Content),
			IsError:    isError,
		}.Encode(),
	})

	if err != nil {
		return router.Invocation{}, err
	}
	return inv, nil
}

// contentSize approximates spec.md §3's response_summary.size as the
// marshaled byte length of the downstream's content payload.
func contentSize(content []mcp.Content) int {
	if len(content) == 0 {
		return 0
	}
	b, err := json.Marshal(content)
	if err != nil {
		return 0
	}
	return len(b)
}

// contentToText extracts a short text representation of a tool-level error
// payload for the audit trail, per spec.md §7's "downstream's error payload
// attached" requirement.
func contentToText(content []mcp.Content) string {
	for _, c := range content {
		switch tc := c.(type) {
		case mcp.TextContent:
			return tc.Text
		case *mcp.TextContent:
			return tc.Text
		}
	}
	b, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	return string(b)
}

func (p *Pipeline) emit(ctx context.Context, ev store.AuditEvent) {
	if p.audit == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	p.audit.Add(ev)
}
