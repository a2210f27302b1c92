package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"lead-qualifier/internal/auth"
)

func serveAs(role string, allowed ...string) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if role != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "op", role))
		}
		c.Next()
	}, RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serveAs(RoleAdmin, RoleOperator); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := serveAs(RoleAdmin); code != http.StatusOK {
		t.Fatalf("expected admin-only route to allow admin, got %d", code)
	}
}

func TestRequireAnyRole_Allowed(t *testing.T) {
	if code := serveAs(RoleViewer, RoleOperator, RoleViewer); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_Denied(t *testing.T) {
	if code := serveAs(RoleViewer, RoleOperator); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serveAs(RoleOperator); code != http.StatusForbidden {
		t.Fatalf("expected admin-only route to deny operator, got %d", code)
	}
}

func TestRequireAnyRole_MissingIdentity(t *testing.T) {
	if code := serveAs("", RoleOperator); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestIsKnownRole(t *testing.T) {
	for _, r := range []string{RoleAdmin, RoleOperator, RoleViewer} {
		if !IsKnownRole(r) {
			t.Fatalf("expected %s to be known", r)
		}
	}
	if IsKnownRole("super_admin") {
		t.Fatalf("unexpected role accepted")
	}
}
