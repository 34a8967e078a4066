package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := New(3, time.Minute)
	now := time.Now()

	assert.True(t, l.AllowAt("ip1", now))
	assert.True(t, l.AllowAt("ip1", now))
	assert.True(t, l.AllowAt("ip1", now))
	assert.False(t, l.AllowAt("ip1", now), "fourth request within the window should be denied")
}

func TestLimiter_SlidesWithTime(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Now()

	assert.True(t, l.AllowAt("ip1", now))
	assert.False(t, l.AllowAt("ip1", now.Add(30*time.Second)))
	assert.True(t, l.AllowAt("ip1", now.Add(61*time.Second)), "window should have slid past the first event")
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Now()

	assert.True(t, l.AllowAt("ip1", now))
	assert.True(t, l.AllowAt("ip2", now))
}

func TestLimiter_Cleanup(t *testing.T) {
	l := New(1, time.Millisecond)
	l.AllowAt("ip1", time.Now())
	time.Sleep(5 * time.Millisecond)

	l.Cleanup()

	l.mu.Lock()
	_, exists := l.windows["ip1"]
	l.mu.Unlock()
	assert.False(t, exists, "expired-only keys should be removed by Cleanup")
}

func TestLimiter_Remaining(t *testing.T) {
	l := New(5, time.Minute)
	now := time.Now()
	l.AllowAt("ip1", now)
	l.AllowAt("ip1", now)

	assert.Equal(t, 3, l.Remaining("ip1"))
}

func TestBackoffLimiter_LocksOutAfterFirstViolation(t *testing.T) {
	b := NewBackoff(1, time.Minute, time.Second, time.Minute)
	now := time.Now()

	assert.True(t, b.AllowAt("ip1", now))
	assert.False(t, b.AllowAt("ip1", now), "second request within the window should be denied")
	assert.False(t, b.AllowAt("ip1", now.Add(500*time.Millisecond)), "still within the first lockout")
}

func TestBackoffLimiter_PenaltyDoublesPerViolation(t *testing.T) {
	b := NewBackoff(1, time.Hour, time.Second, time.Minute)
	now := time.Now()

	assert.True(t, b.AllowAt("ip1", now))
	assert.False(t, b.AllowAt("ip1", now), "violation 1 sets a 1s lockout")
	assert.False(t, b.AllowAt("ip1", now.Add(1500*time.Millisecond)), "violation 2 (lockout had expired) sets a 2s lockout")
	assert.False(t, b.AllowAt("ip1", now.Add(3*time.Second)), "still inside violation 2's lockout")
}

func TestBackoffLimiter_PenaltyCapsAtMax(t *testing.T) {
	b := NewBackoff(1, time.Hour, time.Second, 4*time.Second)
	now := time.Now()

	assert.True(t, b.AllowAt("ip1", now))
	// Each violation's lockout must have already elapsed before the next
	// AllowAt call, or the call just re-hits the still-active lockout
	// instead of recording a fresh violation.
	at := now
	at = at.Add(1*time.Second + time.Millisecond)
	assert.False(t, b.AllowAt("ip1", at), "violation 1: 1s lockout")
	at = at.Add(2*time.Second + time.Millisecond)
	assert.False(t, b.AllowAt("ip1", at), "violation 2: 2s lockout")
	at = at.Add(4*time.Second + time.Millisecond)
	assert.False(t, b.AllowAt("ip1", at), "violation 3: 4s lockout")
	at = at.Add(4*time.Second + time.Millisecond)
	assert.False(t, b.AllowAt("ip1", at), "violation 4: 8s would exceed max, capped to 4s")

	b.mu.Lock()
	until := b.lockedUntil["ip1"]
	b.mu.Unlock()
	assert.LessOrEqual(t, until.Sub(at), 4*time.Second, "lockout must never exceed max")
}

func TestBackoffLimiter_ClearsOnSuccessAfterLockoutExpires(t *testing.T) {
	b := NewBackoff(1, time.Minute, time.Second, time.Minute)
	now := time.Now()

	assert.True(t, b.AllowAt("ip1", now))
	assert.False(t, b.AllowAt("ip1", now))
	assert.True(t, b.AllowAt("ip1", now.Add(2*time.Minute)), "window has long since rolled and the 1s lockout has expired")

	b.mu.Lock()
	_, hasViolation := b.violations["ip1"]
	b.mu.Unlock()
	assert.False(t, hasViolation, "a subsequent allowed request resets the violation count")
}

func TestBackoffLimiter_KeysAreIndependent(t *testing.T) {
	b := NewBackoff(1, time.Minute, time.Second, time.Minute)
	now := time.Now()

	assert.True(t, b.AllowAt("ip1", now))
	assert.False(t, b.AllowAt("ip1", now))
	assert.True(t, b.AllowAt("ip2", now), "a lockout on ip1 must not affect ip2")
}

func TestBackoffLimiter_Cleanup(t *testing.T) {
	b := NewBackoff(1, time.Millisecond, time.Millisecond, time.Millisecond)
	now := time.Now()
	b.AllowAt("ip1", now)
	b.AllowAt("ip1", now)
	time.Sleep(5 * time.Millisecond)

	b.Cleanup()

	b.mu.Lock()
	_, hasLockout := b.lockedUntil["ip1"]
	_, hasViolation := b.violations["ip1"]
	b.mu.Unlock()
	assert.False(t, hasLockout, "expired lockouts should be cleared")
	assert.False(t, hasViolation, "expired violations should be cleared")
}
