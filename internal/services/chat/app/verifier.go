package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/classroom.chat/internal/platform/errors"
	"github.com/louisbranch/classroom.chat/internal/platform/timeouts"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
)

const (
	sessionCookieName = "chat_session"
	tokenQueryParam   = "token"
)

var errSessionUnsupported = errors.New("session authentication is not supported by this verifier")

// identityVerifier resolves an identity token or session id into a caller.
type identityVerifier interface {
	VerifyToken(ctx context.Context, token string) (domain.Identity, error)
	VerifySession(ctx context.Context, sessionID string) (domain.Identity, error)
}

// jwtVerifier validates HS256 identity tokens signed with a shared secret.
type jwtVerifier struct {
	secret []byte
	now    func() time.Time
}

type identityClaims struct {
	jwt.RegisteredClaims
	UserID      domain.UserID `json:"uid,omitempty"`
	DisplayName string        `json:"name,omitempty"`
	Role        string        `json:"role,omitempty"`
}

func newJWTVerifier(secret string) *jwtVerifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &jwtVerifier{secret: []byte(secret), now: time.Now}
}

func (v *jwtVerifier) VerifyToken(_ context.Context, token string) (domain.Identity, error) {
	if v == nil {
		return domain.Identity{}, errors.New("jwt verifier is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "identity token is required")
	}
	var claims identityClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil || !parsed.Valid {
		return domain.Identity{}, apperrors.Wrap(apperrors.CodeAuthenticationFailure, "invalid identity token", err)
	}
	userID := claims.UserID
	if userID == "" {
		userID = domain.UserID(strings.TrimSpace(claims.Subject))
	}
	if userID == "" {
		return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "identity token has no subject")
	}
	return domain.Identity{
		UserID:      userID,
		DisplayName: strings.TrimSpace(claims.DisplayName),
		Role:        domain.ParseRole(claims.Role),
	}, nil
}

func (v *jwtVerifier) VerifySession(context.Context, string) (domain.Identity, error) {
	return domain.Identity{}, errSessionUnsupported
}

// introspectionVerifier asks the auth service to resolve tokens and sessions.
type introspectionVerifier struct {
	baseURL        string
	resourceSecret string
	httpClient     *http.Client
}

type introspectResponse struct {
	Active      bool          `json:"active"`
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name"`
	Role        string        `json:"role"`
}

func newIntrospectionVerifier(baseURL, resourceSecret string) *introspectionVerifier {
	baseURL = strings.TrimSpace(baseURL)
	resourceSecret = strings.TrimSpace(resourceSecret)
	if baseURL == "" || resourceSecret == "" {
		return nil
	}
	return &introspectionVerifier{
		baseURL:        strings.TrimRight(baseURL, "/"),
		resourceSecret: resourceSecret,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (v *introspectionVerifier) VerifyToken(ctx context.Context, token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "identity token is required")
	}
	return v.introspect(ctx, "/introspect", func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})
}

func (v *introspectionVerifier) VerifySession(ctx context.Context, sessionID string) (domain.Identity, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "session is required")
	}
	return v.introspect(ctx, "/sessions/introspect", func(req *http.Request) {
		req.Header.Set("X-Session-ID", sessionID)
	})
}

func (v *introspectionVerifier) introspect(ctx context.Context, path string, decorate func(*http.Request)) (domain.Identity, error) {
	if v == nil || v.httpClient == nil {
		return domain.Identity{}, errors.New("auth is not configured")
	}
	authCtx, cancel := context.WithTimeout(ctx, timeouts.IdentityVerify)
	defer cancel()

	req, err := http.NewRequestWithContext(authCtx, http.MethodPost, v.baseURL+path, nil)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("build introspection request: %w", err)
	}
	decorate(req)
	req.Header.Set("X-Resource-Secret", v.resourceSecret)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return domain.Identity{}, apperrors.Wrap(apperrors.CodeTransientTransport, "identity service unavailable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "identity rejected")
	case resp.StatusCode != http.StatusOK:
		return domain.Identity{}, apperrors.New(apperrors.CodeTransientTransport, fmt.Sprintf("auth introspection status %d", resp.StatusCode))
	}

	var payload introspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Identity{}, fmt.Errorf("decode introspection response: %w", err)
	}
	if !payload.Active {
		return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "inactive identity")
	}
	if payload.UserID == "" {
		return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "introspection returned empty user id")
	}
	return domain.Identity{
		UserID:      payload.UserID,
		DisplayName: strings.TrimSpace(payload.DisplayName),
		Role:        domain.ParseRole(payload.Role),
	}, nil
}

// chainVerifier tries each verifier in order and returns the first success.
type chainVerifier []identityVerifier

func (c chainVerifier) VerifyToken(ctx context.Context, token string) (domain.Identity, error) {
	return c.first(func(v identityVerifier) (domain.Identity, error) { return v.VerifyToken(ctx, token) })
}

func (c chainVerifier) VerifySession(ctx context.Context, sessionID string) (domain.Identity, error) {
	return c.first(func(v identityVerifier) (domain.Identity, error) { return v.VerifySession(ctx, sessionID) })
}

func (c chainVerifier) first(call func(identityVerifier) (domain.Identity, error)) (domain.Identity, error) {
	lastErr := error(apperrors.New(apperrors.CodeAuthenticationFailure, "authentication is not configured"))
	for _, verifier := range c {
		identity, err := call(verifier)
		if err == nil {
			return identity, nil
		}
		if errors.Is(err, errSessionUnsupported) {
			continue
		}
		lastErr = err
	}
	return domain.Identity{}, lastErr
}

// buildVerifier composes the configured verifiers. It returns nil when none
// is configured.
func buildVerifier(jwtSecret, authBaseURL, resourceSecret string) identityVerifier {
	var chain chainVerifier
	if v := newJWTVerifier(jwtSecret); v != nil {
		chain = append(chain, v)
	}
	if v := newIntrospectionVerifier(authBaseURL, resourceSecret); v != nil {
		chain = append(chain, v)
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

// authenticateRequest resolves the caller of r. A query token (or bearer
// header) is tried first; when it is missing or rejected the session cookie
// is used instead.
func authenticateRequest(ctx context.Context, verifier identityVerifier, r *http.Request) (domain.Identity, error) {
	if verifier == nil {
		return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "authentication is not configured")
	}
	var tokenErr error
	if token := tokenFromRequest(r); token != "" {
		identity, err := verifier.VerifyToken(ctx, token)
		if err == nil {
			return identity, nil
		}
		tokenErr = err
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return verifier.VerifySession(ctx, cookie.Value)
	}
	if tokenErr != nil {
		return domain.Identity{}, tokenErr
	}
	return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "authentication required")
}

func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get(tokenQueryParam)); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return ""
}
