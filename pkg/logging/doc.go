// Package logging provides the structured logger used across the ambassador
// gateway: every AAA pipeline stage, pool manager, and admin operation routes
// its diagnostics through here rather than through ad hoc fmt.Printf calls.
//
// # Log levels
//
//   - Debug: verbose diagnostics for pool/connection internals
//   - Info: normal lifecycle events (server start/stop, registration)
//   - Warn: recoverable problems (rate limit hit, capability probe failed)
//   - Error: failures that abort the current operation
//
// # Audit events
//
// Audit emits a distinct [AUDIT] line for security-sensitive actions
// (authentication, authorization, admin key rotation, credential vault
// rotation). Audit lines are always Info severity so they are never
// filtered out by level configuration, and carry a stable key=value shape
// so external log aggregators can grep/parse them without a JSON decoder.
//
//	logging.Audit(logging.AuditEvent{
//	    Action:    "admin_key_rotate",
//	    Outcome:   "success",
//	    SessionID: session.ID,
//	})
package logging
