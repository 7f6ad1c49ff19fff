package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func serve(r *gin.Engine, method string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/test", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(newRouter(HeadersMiddleware()), "GET", nil)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCredits bool
	}{
		{"listed origin", []string{"https://ops.example.com"}, "https://ops.example.com", "https://ops.example.com", true},
		{"unlisted origin", []string{"https://ops.example.com"}, "https://evil.example.com", "", false},
		{"wildcard", []string{"*"}, "https://any.example.com", "https://any.example.com", false},
		{"no origins configured", nil, "https://ops.example.com", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newRouter(CORSMiddleware(tt.allowed)), "GET", map[string]string{"Origin": tt.origin})
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredits, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	w := serve(newRouter(CORSMiddleware([]string{"*"})), "OPTIONS", map[string]string{"Origin": "https://a.example.com"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), AdminSecretHeader)
}

func TestAdminAuth(t *testing.T) {
	r := newRouter(AdminAuth("s3cret"))

	assert.Equal(t, http.StatusUnauthorized, serve(r, "GET", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "GET", map[string]string{AdminSecretHeader: "wrong"}).Code)
	assert.Equal(t, http.StatusOK, serve(r, "GET", map[string]string{AdminSecretHeader: "s3cret"}).Code)
}

func TestAdminAuth_DisabledWithoutSecret(t *testing.T) {
	w := serve(newRouter(AdminAuth("")), "GET", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
