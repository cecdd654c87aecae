package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("s3cret")

	tok, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)

	sub, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("s3cret")

	other, err := NewVerifier("other").Issue("alice", time.Hour)
	require.NoError(t, err)

	expired := NewVerifier("s3cret")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue("alice", time.Hour)
	require.NoError(t, err)

	noSub, err := v.Issue("", 0)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"wrong key":   other,
		"expired":     old,
		"no subject":  noSub,
		"alg none":    none,
		"garbage":     "a.b.c",
		"empty token": "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestFromRequest(t *testing.T) {
	v := NewVerifier("s3cret")
	tok, err := v.Issue("bob", 0)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/", nil)
	_, err = v.FromRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Basic Ym9iOnB3")
	_, err = v.FromRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Bearer "+tok)
	sub, err := v.FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "bob", sub)
}

func TestCallerContext(t *testing.T) {
	assert.Empty(t, Caller(context.Background()))
	assert.Equal(t, "carol", Caller(WithCaller(context.Background(), "carol")))
}
