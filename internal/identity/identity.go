// Package identity 提供目前登入使用者的身分
//
// 每個送往後端的 mutation 都必須帶明確的 userId；沒有身分時回傳
// ErrSignedOut，不會以預設值代替
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrSignedOut 目前沒有登入的使用者
	ErrSignedOut = errors.New("identity: no signed-in user")
	// ErrInvalidToken session token 無法驗證或缺少使用者 claim
	ErrInvalidToken = errors.New("identity: invalid session token")
)

// Provider 取得目前使用者
type Provider interface {
	CurrentUser(ctx context.Context) (types.UserID, error)
}

// Static 固定的使用者；0 表示未登入
type Static types.UserID

func (s Static) CurrentUser(context.Context) (types.UserID, error) {
	if s <= 0 {
		return 0, ErrSignedOut
	}
	return types.UserID(s), nil
}

// ============================================================================
// Session - 可登入 / 登出
// ============================================================================

// Session 保存登入狀態與 bearer token
type Session struct {
	mu    sync.RWMutex
	user  types.UserID
	token string
}

func NewSession() *Session { return &Session{} }

// SignIn 設定目前使用者
func (s *Session) SignIn(user types.UserID, token string) error {
	if user <= 0 {
		return fmt.Errorf("identity: sign in: invalid user id %d", user)
	}
	s.mu.Lock()
	s.user, s.token = user, token
	s.mu.Unlock()
	return nil
}

// SignOut 清除登入狀態
func (s *Session) SignOut() {
	s.mu.Lock()
	s.user, s.token = 0, ""
	s.mu.Unlock()
}

func (s *Session) CurrentUser(context.Context) (types.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user <= 0 {
		return 0, ErrSignedOut
	}
	return s.user, nil
}

// Token 目前的 bearer token，可直接作為 gateway.TokenFunc
func (s *Session) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// ============================================================================
// TokenProvider - 從 HS256 簽章的 session token 取得使用者
// ============================================================================

// Claims session token 內容；uid 優先，其次 sub
type Claims struct {
	UID int64 `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// TokenProvider 驗證 token 後取得使用者 id
type TokenProvider struct {
	secret []byte
	now    func() time.Time

	mu    sync.RWMutex
	token string
}

// NewTokenProvider 建立 provider；secret 為 HS256 共享金鑰
func NewTokenProvider(secret []byte, token string) *TokenProvider {
	return &TokenProvider{secret: secret, token: token, now: time.Now}
}

// SetToken 替換 token（重新登入或 refresh）
func (p *TokenProvider) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// Token 目前的 token；過期或無效時回傳錯誤，避免送出必被拒絕的請求
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if _, err := p.CurrentUser(ctx); err != nil {
		return "", err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, nil
}

func (p *TokenProvider) CurrentUser(context.Context) (types.UserID, error) {
	p.mu.RLock()
	raw := p.token
	p.mu.RUnlock()
	if raw == "" {
		return 0, ErrSignedOut
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(p.now))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.UID > 0 {
		return types.UserID(claims.UID), nil
	}
	if id, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil && id > 0 {
		return types.UserID(id), nil
	}
	return 0, fmt.Errorf("%w: missing user claim", ErrInvalidToken)
}

// IssueToken 簽發 token，供 CLI 與測試使用
func IssueToken(secret []byte, user types.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UID: int64(user),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(int64(user), 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
