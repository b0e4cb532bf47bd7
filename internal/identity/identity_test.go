package identity

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestStatic(t *testing.T) {
	id, err := Static(12).CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.UserID(12), id)

	_, err = Static(0).CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrSignedOut)
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	s := NewSession()

	_, err := s.CurrentUser(ctx)
	assert.ErrorIs(t, err, ErrSignedOut)

	require.Error(t, s.SignIn(0, ""))
	require.NoError(t, s.SignIn(5, "abc"))

	id, err := s.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.UserID(5), id)
	tok, _ := s.Token(ctx)
	assert.Equal(t, "abc", tok)

	s.SignOut()
	_, err = s.CurrentUser(ctx)
	assert.ErrorIs(t, err, ErrSignedOut)
}

func TestTokenProvider(t *testing.T) {
	ctx := context.Background()
	tok, err := IssueToken(secret, 42, time.Hour)
	require.NoError(t, err)

	p := NewTokenProvider(secret, tok)
	id, err := p.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.UserID(42), id)

	got, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, got)
}

func TestTokenProvider_SubjectFallback(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "77"}).SignedString(secret)
	require.NoError(t, err)

	id, err := NewTokenProvider(secret, raw).CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.UserID(77), id)
}

func TestTokenProvider_Rejects(t *testing.T) {
	ctx := context.Background()
	expired, err := IssueToken(secret, 1, time.Hour)
	require.NoError(t, err)
	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "nobody"}).SignedString(secret)
	require.NoError(t, err)
	wrongKey, err := IssueToken([]byte("other"), 1, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		now   time.Time
		want  error
	}{
		{"signed out", "", time.Now(), ErrSignedOut},
		{"expired", expired, time.Now().Add(2 * time.Hour), ErrInvalidToken},
		{"missing claim", noUser, time.Now(), ErrInvalidToken},
		{"wrong key", wrongKey, time.Now(), ErrInvalidToken},
		{"garbage", "not.a.jwt", time.Now(), ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewTokenProvider(secret, tt.token)
			p.now = func() time.Time { return tt.now }
			_, err := p.CurrentUser(ctx)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
