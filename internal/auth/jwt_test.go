package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"lead-qualifier/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newTestManager(t)
	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, "op-1", "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}
	if !pair.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", pair.ExpiresAt)
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.OperatorID != "op-1" || claims.Role != "operator" || claims.Subject != "op-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	now := time.Now()
	p, err := m.IssuePair(now, "op", "viewer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected token_type mismatch")
	}
}

func TestVerifyRejectsOtherAudienceAndSecret(t *testing.T) {
	m := newTestManager(t)
	other, _ := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "someone-else",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	forged, _ := NewManager(config.AuthConfig{
		JWTSecret:       "other-secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	now := time.Now()

	p, _ := other.IssuePair(now, "op", "admin")
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected audience mismatch")
	}
	p, _ = forged.IssuePair(now, "op", "admin")
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

func TestRefreshReadsRoleFromDirectory(t *testing.T) {
	m := newTestManager(t)
	dir, err := ParseOperators("op-1:k1:admin", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	now := time.Unix(1700000000, 0).UTC()
	p, _ := m.IssuePair(now, "op-1", "viewer")

	next, err := m.Refresh(now.Add(time.Hour), p.RefreshToken, dir)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	claims, err := m.Verify(next.AccessToken, TokenTypeAccess, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Role != "admin" {
		t.Fatalf("expected role from directory, got %q", claims.Role)
	}

	if _, err := m.Refresh(now, p.AccessToken, dir); err == nil {
		t.Fatalf("expected access token to be refused for refresh")
	}

	empty, _ := ParseOperators("", nil)
	if _, err := m.Refresh(now, p.RefreshToken, empty); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for removed operator, got %v", err)
	}
}

func TestRequireAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestManager(t)
	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		id, _ := OperatorID(c.Request.Context())
		role, _ := Role(c.Request.Context())
		c.String(http.StatusOK, id+"/"+role)
	})

	p, _ := m.IssuePair(time.Now(), "op-1", "operator")
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "op-1/operator" {
		t.Fatalf("unexpected response %d %q", w.Code, w.Body.String())
	}

	for _, header := range []string{"", "Bearer ", "Basic abc", "Bearer " + p.RefreshToken} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", header)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %q, got %d", header, w.Code)
		}
	}
}
