package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubject_ResolvePrefersAuthenticatedCaller(t *testing.T) {
	s := Subject{CallerID: "42", Credential: "Bearer abc", Addr: "1.2.3.4"}

	id := s.Resolve(DefaultIdentityPriority)
	assert.Equal(t, Identity{Kind: IdentityUser, Value: "42"}, id)
}

func TestSubject_ResolveFallsBackToCredentialThenAddress(t *testing.T) {
	withToken := Subject{Credential: "secret-token", Addr: "1.2.3.4"}
	id := withToken.Resolve(nil)
	assert.Equal(t, IdentityToken, id.Kind)
	assert.Len(t, id.Value, 32)
	assert.NotContains(t, id.Value, "secret")

	// mesma credencial => mesma chave
	assert.Equal(t, id, Subject{Credential: "secret-token"}.Resolve(nil))

	onlyAddr := Subject{Addr: "1.2.3.4"}
	assert.Equal(t, Identity{Kind: IdentityIP, Value: "1.2.3.4"}, onlyAddr.Resolve(nil))
}

func TestSubject_ResolveHonoursPolicyPriority(t *testing.T) {
	s := Subject{CallerID: "42", Addr: "1.2.3.4"}

	id := s.Resolve([]IdentityKind{IdentityIP})
	assert.Equal(t, Identity{Kind: IdentityIP, Value: "1.2.3.4"}, id)
}

func TestSubject_ResolveUnknownWhenNothingMatches(t *testing.T) {
	id := Subject{CallerID: "  "}.Resolve([]IdentityKind{IdentityUser})
	assert.Equal(t, Identity{Kind: IdentityIP, Value: "unknown"}, id)
}

func TestNewKey(t *testing.T) {
	k := NewKey("search", Identity{Kind: IdentityIP, Value: "1.2.3.4"})
	assert.Equal(t, Key("search:ip:1.2.3.4"), k)
	assert.True(t, strings.HasPrefix(string(k), "search:"))
}

func TestDecision_RetryAfterRoundsUp(t *testing.T) {
	now := time.Unix(1000, 0)

	d := Decision{ResetAt: now.Add(49*time.Second + 100*time.Millisecond)}
	assert.Equal(t, 50*time.Second, d.RetryAfter(now))

	d = Decision{ResetAt: now.Add(50 * time.Second)}
	assert.Equal(t, 50*time.Second, d.RetryAfter(now))

	// reset no passado ainda sugere 1s
	d = Decision{ResetAt: now.Add(-time.Second)}
	assert.Equal(t, time.Second, d.RetryAfter(now))
}

func TestDecision_RemainingNeverNegative(t *testing.T) {
	assert.Equal(t, 3, Decision{Cap: 5, Current: 2}.Remaining())
	assert.Equal(t, 0, Decision{Cap: 5, Current: 9}.Remaining())
}
