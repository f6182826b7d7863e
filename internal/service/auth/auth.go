package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nkiryanov/evpay/internal/apperrors"
)

const (
	defaultAccessHeaderName = "Authorization"
	defaultAccessAuthScheme = "Bearer"
	defaultAccessCookieName = "access_token"
)

type tokenParser interface {
	ParseAccess(access string) (uuid.UUID, error)
}

type Config struct {
	// Header and scheme carrying the access token
	// If not set than default is used
	AccessHeaderName string
	AccessAuthScheme string

	// Cookie checked when header is missing, browser clients set it
	// If not set than default is used
	AccessCookieName string
}

// Resolves the calling user from a verified access token
type AuthService struct {
	tokens tokenParser

	accessHeaderName string
	accessAuthScheme string
	accessCookieName string
}

func NewService(cfg Config, tokens tokenParser) *AuthService {
	setDefault := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	setDefault(&cfg.AccessHeaderName, defaultAccessHeaderName)
	setDefault(&cfg.AccessAuthScheme, defaultAccessAuthScheme)
	setDefault(&cfg.AccessCookieName, defaultAccessCookieName)

	return &AuthService{
		tokens:           tokens,
		accessHeaderName: cfg.AccessHeaderName,
		accessAuthScheme: cfg.AccessAuthScheme,
		accessCookieName: cfg.AccessCookieName,
	}
}

// Auth returns id of the user the request is made by
func (s *AuthService) Auth(_ context.Context, r *http.Request) (uuid.UUID, error) {
	access, err := s.accessToken(r)
	if err != nil {
		return uuid.Nil, err
	}
	return s.tokens.ParseAccess(access)
}

func (s *AuthService) accessToken(r *http.Request) (string, error) {
	if raw := strings.TrimSpace(r.Header.Get(s.accessHeaderName)); raw != "" {
		scheme, token, ok := strings.Cut(raw, " ")
		if !ok || !strings.EqualFold(scheme, s.accessAuthScheme) || strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("%w: malformed %s header", apperrors.ErrUnauthorized, s.accessHeaderName)
		}
		return strings.TrimSpace(token), nil
	}

	if c, err := r.Cookie(s.accessCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}

	return "", fmt.Errorf("%w: missing credentials", apperrors.ErrUnauthorized)
}
