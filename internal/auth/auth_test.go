package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	key    = "test-key"
	issuer = "classattend"
)

func TestIssueAndParse(t *testing.T) {
	tok, err := Issue("s-1", "Ada", RoleStudent, issuer, key, time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), tok.ExpiresAt, 2*time.Second)

	claims, err := Parse(tok.AccessToken, key, issuer)
	require.NoError(t, err)
	assert.Equal(t, "s-1", claims.Subject)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, RoleStudent, claims.Role)
}

func TestParseRejects(t *testing.T) {
	good, err := Issue("t-1", "", RoleTeacher, issuer, key, time.Minute)
	require.NoError(t, err)
	expired, err := Issue("t-1", "", RoleTeacher, issuer, key, -time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleTeacher}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		key    string
		issuer string
	}{
		{"wrong key", good.AccessToken, "other", issuer},
		{"wrong issuer", good.AccessToken, key, "someone-else"},
		{"expired", expired.AccessToken, key, issuer},
		{"unsigned", none, key, issuer},
		{"garbage", "not.a.jwt", key, issuer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.token, tt.key, tt.issuer)
			assert.Error(t, err)
		})
	}
}

func TestIssueValidates(t *testing.T) {
	_, err := Issue("", "", RoleStudent, issuer, key, time.Minute)
	assert.Error(t, err)
	_, err = Issue("x", "", "admin", issuer, key, time.Minute)
	assert.Error(t, err)
}

func TestRequire(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/teach", Require(key, issuer, RoleTeacher), func(c *gin.Context) {
		claims, ok := FromContext(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})

	teacher, err := Issue("t-1", "", RoleTeacher, issuer, key, time.Minute)
	require.NoError(t, err)
	student, err := Issue("s-1", "", RoleStudent, issuer, key, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + student.AccessToken, http.StatusForbidden},
		{"teacher", "Bearer " + teacher.AccessToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/teach", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "t-1", w.Body.String())
			}
		})
	}
}
