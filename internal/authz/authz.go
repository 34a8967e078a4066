// Package authz is the C13 Authorization Engine: resolves a client's tool
// profile inheritance chain into an effective allow/deny set and evaluates
// one (session, tool_name) request against it with deny-wins glob matching.
//
// No teacher precedent exists for profile inheritance (the teacher's tool
// gating is a static denylist, adapted wholesale into C12); built directly
// from spec.md §4.9. Glob matching is hand-rolled over stdlib strings
// instead of path.Match because path.Match's "*" already excludes "/" but
// has no "**" form and treats "." with no special meaning — neither pack
// repo nor the wider ecosystem example set (other_examples/) imports a
// glob library, so this is the justified standard-library component.
package authz

import (
	"context"
	"strings"

	"ambassador/internal/apierr"
	"ambassador/internal/store"
)

// Decision is the result of evaluating one (session, tool_name) request.
type Decision struct {
	Permit   bool
	PolicyID string
	Reason   string
}

// Engine evaluates authorization decisions against C1's tool-profile
// inheritance graph.
type Engine struct {
	store *store.Store
}

// New constructs an Engine.
func New(st *store.Store) *Engine {
	return &Engine{store: st}
}

// effective is the flattened allow/deny set and rate limits produced by
// walking a profile's inheritance chain.
type effective struct {
	allowed    []string
	denied     []string
	rateLimits store.RateLimits
}

// resolveEffective walks the chain nearest-first (spec.md §4.9 step 1),
// unioning allowed/denied across every ancestor and letting the nearest
// profile that sets a nonzero rate limit field win over its ancestors.
func (e *Engine) resolveEffective(ctx context.Context, profileID string) (effective, error) {
	chain, err := e.store.ResolveProfileChain(ctx, profileID)
	if err != nil {
		return effective{}, apierr.New(apierr.CodeCycleDetected, err.Error())
	}

	var eff effective
	for i, p := range chain {
		eff.allowed = append(eff.allowed, p.AllowedTools...)
		eff.denied = append(eff.denied, p.DeniedTools...)
		if i == 0 {
			eff.rateLimits = p.RateLimits
			continue
		}
		if eff.rateLimits.RPM == 0 {
			eff.rateLimits.RPM = p.RateLimits.RPM
		}
		if eff.rateLimits.RPH == 0 {
			eff.rateLimits.RPH = p.RateLimits.RPH
		}
		if eff.rateLimits.MaxConcurrent == 0 {
			eff.rateLimits.MaxConcurrent = p.RateLimits.MaxConcurrent
		}
	}
	return eff, nil
}

// Authorize implements spec.md §4.9's five-step decision for a client with
// profileID requesting toolName.
func (e *Engine) Authorize(ctx context.Context, profileID, toolName string) (Decision, error) {
	eff, err := e.resolveEffective(ctx, profileID)
	if err != nil {
		return Decision{}, err
	}

	for _, pattern := range eff.denied {
		if globMatch(pattern, toolName) {
			return Decision{Permit: false, PolicyID: profileID, Reason: "denied by profile"}, nil
		}
	}
	for _, pattern := range eff.allowed {
		if globMatch(pattern, toolName) {
			return Decision{Permit: true, PolicyID: profileID}, nil
		}
	}
	return Decision{Permit: false, PolicyID: profileID, Reason: "not in allowed list"}, nil
}

// RateLimits resolves the effective (child-overrides-parent) rate limits
// for a profile, for C13's callers in the rate limiter.
func (e *Engine) RateLimits(ctx context.Context, profileID string) (store.RateLimits, error) {
	eff, err := e.resolveEffective(ctx, profileID)
	if err != nil {
		return store.RateLimits{}, err
	}
	return eff.rateLimits, nil
}

// globMatch implements spec.md §4.9 step 2: "*" matches any run of
// characters except ".", "**" matches any run including ".". Patterns are
// matched as a sequence of literal/`*`/`**` tokens split on those markers.
func globMatch(pattern, name string) bool {
	return matchSegment(splitPattern(pattern), name)
}

type token struct {
	literal string
	star    bool // single "*": excludes "."
	globstar bool // "**": includes "."
}

func splitPattern(pattern string) []token {
	var tokens []token
	var lit strings.Builder
	flushLiteral := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, token{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(pattern); i++ {
		switch {
		case pattern[i] == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			flushLiteral()
			tokens = append(tokens, token{globstar: true})
			i++
		case pattern[i] == '*':
			flushLiteral()
			tokens = append(tokens, token{star: true})
		default:
			lit.WriteByte(pattern[i])
		}
	}
	flushLiteral()
	return tokens
}

// matchSegment recursively matches the token sequence against name via
// backtracking, the standard approach for wildcard matching with more than
// one unanchored wildcard in the pattern.
func matchSegment(tokens []token, name string) bool {
	if len(tokens) == 0 {
		return name == ""
	}
	t := tokens[0]
	switch {
	case !t.star && !t.globstar:
		if !strings.HasPrefix(name, t.literal) {
			return false
		}
		return matchSegment(tokens[1:], name[len(t.literal):])
	case t.star:
		for i := 0; i <= len(name); i++ {
			if i > 0 && name[i-1] == '.' {
				break
			}
			if matchSegment(tokens[1:], name[i:]) {
				return true
			}
		}
		return false
	default: // globstar
		for i := 0; i <= len(name); i++ {
			if matchSegment(tokens[1:], name[i:]) {
				return true
			}
		}
		return false
	}
}
