// Package auth issues and validates the bearer tokens the API runs on.
// External identity (Plex OAuth) happens outside this process; this layer
// only authenticates local credentials and validates what was issued.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/fetcharr/fetcharr/internal/apperr"
	"github.com/fetcharr/fetcharr/internal/store"
)

const issuer = "fetcharr"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserDisabled       = errors.New("user is disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token has expired")
)

// Claims is the JWT payload.
type Claims struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

// Service issues and validates tokens.
type Service struct {
	store       *store.Store
	secret      []byte
	tokenExpiry time.Duration
	logger      zerolog.Logger
}

// NewService creates the auth service.
func NewService(st *store.Store, secret string, tokenExpiry time.Duration, logger zerolog.Logger) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Service{
		store:       st,
		secret:      []byte(secret),
		tokenExpiry: tokenExpiry,
		logger:      logger.With().Str("component", "auth").Logger(),
	}, nil
}

// Login authenticates a local user by username and password.
func (s *Service) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if !user.IsLocal || user.PasswordHash == nil {
		return "", nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return "", nil, ErrUserDisabled
	}
	if bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}
	token, err := s.GenerateToken(user)
	if err != nil {
		return "", nil, err
	}
	s.logger.Info().Int64("user", user.ID).Msg("local login")
	return token, user, nil
}

// LoginExternal authenticates a user by the identity id an external OAuth
// flow resolved.
func (s *Service) LoginExternal(ctx context.Context, externalID string) (string, *store.User, error) {
	user, err := s.store.GetUserByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if !user.IsActive {
		return "", nil, ErrUserDisabled
	}
	token, err := s.GenerateToken(user)
	if err != nil {
		return "", nil, err
	}
	s.logger.Info().Int64("user", user.ID).Msg("external login")
	return token, user, nil
}

// GenerateToken signs a token for a user.
func (s *Service) GenerateToken(user *store.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		IsAdmin:  user.IsAdmin || user.IsServerOwner,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   fmt.Sprintf("%d", user.ID),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateToken parses and verifies a token.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CreateLocalUser registers a local account with a hashed password.
func (s *Service) CreateLocalUser(ctx context.Context, username, password string, isAdmin, isServerOwner bool) (*store.User, error) {
	if len(password) < 8 {
		return nil, apperr.New(apperr.KindValidation, "password must be at least 8 characters")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return s.store.CreateUser(ctx, store.CreateUserInput{
		Username:      username,
		IsAdmin:       isAdmin,
		IsServerOwner: isServerOwner,
		IsLocal:       true,
		PasswordHash:  &hash,
	})
}

// HashPassword bcrypt-hashes a password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
