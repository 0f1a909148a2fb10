package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.viam.com/test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"role": c.GetString("role")})
	})
	r.Any("/x", handlers...)
	return r
}

func do(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	auth := NewAuthMiddleware("secret", zap.NewNop())
	r := newRouter(auth.RequireAuth(), auth.RequireRole("admin"))

	t.Run("missing token", func(t *testing.T) {
		rec := do(r, httptest.NewRequest(http.MethodGet, "/x", nil))
		test.That(t, rec.Code, test.ShouldEqual, http.StatusUnauthorized)
	})

	t.Run("admin token", func(t *testing.T) {
		token, err := auth.GenerateToken("1", "ops", "admin", time.Hour)
		test.That(t, err, test.ShouldBeNil)
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := do(r, req)
		test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
		test.That(t, rec.Body.String(), test.ShouldContainSubstring, "admin")
	})

	t.Run("wrong role", func(t *testing.T) {
		token, err := auth.GenerateToken("2", "viewer", "viewer", time.Hour)
		test.That(t, err, test.ShouldBeNil)
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		test.That(t, do(r, req).Code, test.ShouldEqual, http.StatusForbidden)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := auth.GenerateToken("1", "ops", "admin", -time.Minute)
		test.That(t, err, test.ShouldBeNil)
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		test.That(t, do(r, req).Code, test.ShouldEqual, http.StatusUnauthorized)
	})

	t.Run("other key", func(t *testing.T) {
		other := NewAuthMiddleware("other", zap.NewNop())
		token, err := other.GenerateToken("1", "ops", "admin", time.Hour)
		test.That(t, err, test.ShouldBeNil)
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		test.That(t, do(r, req).Code, test.ShouldEqual, http.StatusUnauthorized)
	})
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(1, 2, zap.NewNop())
	defer rl.Shutdown()
	r := newRouter(rl.RateLimit())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		codes = append(codes, do(r, req).Code)
	}
	test.That(t, codes, test.ShouldResemble, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	test.That(t, do(r, req).Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rl.GetGlobalStats()["active_clients"], test.ShouldEqual, 2)

	rl.Shutdown()
}

func TestCORS(t *testing.T) {
	r := newRouter(CORS([]string{"http://cam.local"}))

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://cam.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := do(r, req)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusNoContent)
	test.That(t, rec.Header().Get("Access-Control-Allow-Origin"), test.ShouldEqual, "http://cam.local")

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = do(r, req)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("Access-Control-Allow-Origin"), test.ShouldBeEmpty)
}

func TestRequestSizeLimit(t *testing.T) {
	r := newRouter(RequestSizeLimit(8))
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("a", 64)))
	test.That(t, do(r, req).Code, test.ShouldEqual, http.StatusRequestEntityTooLarge)

	req = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("ok"))
	test.That(t, do(r, req).Code, test.ShouldEqual, http.StatusOK)
}

func TestHealthCheck(t *testing.T) {
	r := gin.New()
	ready := true
	r.GET("/health", HealthCheck(func() bool { return ready }))

	rec := do(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, `"healthy"`)

	ready = false
	rec = do(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, `"degraded"`)
}
