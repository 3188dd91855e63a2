package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrNotConnectionToken  = errors.New("token is not connection-scoped")
)

// tokenTypeConnection marks tokens minted solely for establishing a
// relay connection, so an ordinary access token cannot be used there.
const tokenTypeConnection = "connection"

// User is the identity the token service signs claims for.
type User struct {
	ID          string
	Username    string
	Role        string
	ProjectID   string
	Permissions []string
}

// Claims is the signed payload carried by access and connection tokens.
type Claims struct {
	UserID      string   `json:"userId"`
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	ProjectID   string   `json:"projectId,omitempty"`
	Permissions []string `json:"permissions"`
	TokenType   string   `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is the response to a successful issue call.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	TokenType    string
}

type refreshTokenInfo struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

type Config struct {
	Secret             string
	Issuer             string
	Audience           string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	ConnectionTokenTTL time.Duration
}

// Service issues and verifies signed tokens. Refresh tokens live in an
// in-memory map; nothing is persisted.
type Service struct {
	config Config

	mu            sync.RWMutex
	refreshTokens map[string]*refreshTokenInfo

	logger *slog.Logger
}

func NewService(logger *slog.Logger, config Config) *Service {
	return &Service{
		config:        config,
		refreshTokens: make(map[string]*refreshTokenInfo),
		logger:        logger.With(slog.String("component", "token_service")),
	}
}

func (s *Service) signedToken(user User, ttl time.Duration, tokenType string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		ProjectID:   user.ProjectID,
		Permissions: user.Permissions,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        randomHex(16),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.Secret))
}

// Issue mints an access/refresh token pair for a user.
func (s *Service) Issue(user User) (*TokenPair, error) {
	accessToken, err := s.signedToken(user, s.config.AccessTokenTTL, "")
	if err != nil {
		return nil, err
	}

	refreshToken := randomHex(32)
	s.mu.Lock()
	s.refreshTokens[refreshToken] = &refreshTokenInfo{
		userID:    user.ID,
		expiresAt: time.Now().Add(s.config.RefreshTokenTTL),
	}
	s.mu.Unlock()

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    s.config.AccessTokenTTL,
		TokenType:    "Bearer",
	}, nil
}

// IssueConnectionToken mints a short-lived token scoped to establishing
// a relay connection.
func (s *Service) IssueConnectionToken(user User) (string, error) {
	return s.signedToken(user, s.config.ConnectionTokenTTL, tokenTypeConnection)
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.config.Secret), nil
	},
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithAudience(s.config.Audience),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Verify checks an access token's signature, issuer/audience, and expiry.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	return s.parse(tokenString)
}

// VerifyConnectionToken additionally requires the connection-scope
// discriminator claim.
func (s *Service) VerifyConnectionToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeConnection {
		return nil, ErrNotConnectionToken
	}
	return claims, nil
}

// Refresh mints a fresh access token against a known refresh token.
// The refresh token stays valid; there is no rotation.
func (s *Service) Refresh(refreshToken string) (*TokenPair, error) {
	s.mu.Lock()
	info, ok := s.refreshTokens[refreshToken]
	if !ok {
		s.mu.Unlock()
		return nil, ErrInvalidRefreshToken
	}
	if info.revoked || time.Now().After(info.expiresAt) {
		delete(s.refreshTokens, refreshToken)
		s.mu.Unlock()
		return nil, ErrInvalidRefreshToken
	}
	userID := info.userID
	s.mu.Unlock()

	accessToken, err := s.signedToken(User{ID: userID}, s.config.AccessTokenTTL, "")
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    s.config.AccessTokenTTL,
		TokenType:    "Bearer",
	}, nil
}

// Revoke marks a refresh token dead. Revoking an unknown token is a no-op.
func (s *Service) Revoke(refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.refreshTokens[refreshToken]; ok {
		info.revoked = true
		delete(s.refreshTokens, refreshToken)
	}
}

// RevokeAllForUser drops every refresh token held for a user.
func (s *Service) RevokeAllForUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := 0
	for token, info := range s.refreshTokens {
		if info.userID == userID {
			delete(s.refreshTokens, token)
			revoked++
		}
	}
	return revoked
}

// CleanupExpired prunes expired and revoked refresh tokens. Called by
// the server's periodic cleanup sweep.
func (s *Service) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cleaned := 0
	for token, info := range s.refreshTokens {
		if info.revoked || now.After(info.expiresAt) {
			delete(s.refreshTokens, token)
			cleaned++
		}
	}
	if cleaned > 0 {
		s.logger.Debug("Cleaned up refresh tokens", slog.Int("count", cleaned))
	}
	return cleaned
}

// ActiveRefreshTokens reports the live refresh token count for status
// reporting.
func (s *Service) ActiveRefreshTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refreshTokens)
}

// CanAccessProject checks project visibility: admins see everything,
// otherwise the user's own project or an explicit cross-project grant.
func CanAccessProject(claims *Claims, projectID string) bool {
	if claims.Role == RoleAdmin {
		return true
	}
	if claims.ProjectID == projectID {
		return true
	}
	return HasPermission(claims.Permissions, "access:all_projects")
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return hex.EncodeToString(buf)
}
