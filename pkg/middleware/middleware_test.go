package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-core/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("operatorID"))
	})
	r.GET("/api/v1/internal/checkpoint", handlers...)
	return r
}

func get(r *gin.Engine, header string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/internal/checkpoint", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestInternalAuth(t *testing.T) {
	svc := auth.NewService("secret")
	svc.RegisterOperator("ops-key", "ops-secret")
	tok, err := svc.GenerateToken(auth.Credentials{APIKey: "ops-key", APISecret: "ops-secret"})
	require.NoError(t, err)

	r := newRouter(InternalAuth("secret"))

	w := get(r, "Bearer "+tok.Token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops-key", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, get(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, tok.Token).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Bearer garbage").Code)

	other := newRouter(InternalAuth("rotated"))
	assert.Equal(t, http.StatusUnauthorized, get(other, "Bearer "+tok.Token).Code)
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter([]Limit{{Prefix: "/api/v1/internal", Rate: rate.Limit(0.001), Burst: 2}})
	r := newRouter(rl.Middleware())

	assert.Equal(t, http.StatusOK, get(r, "").Code)
	assert.Equal(t, http.StatusOK, get(r, "").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "").Code)

	rl.evict(0)
	assert.Equal(t, http.StatusOK, get(r, "").Code)
}
