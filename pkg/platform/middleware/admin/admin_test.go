package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key")

func signToken(t *testing.T, sub, role string, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func middlewareProbe(t *testing.T) (http.Handler, *Actor) {
	t.Helper()
	var seen Actor
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetActor(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return RequireAdmin(testKey, logger)(next), &seen
}

func TestRequireAdmin_ValidToken(t *testing.T) {
	handler, seen := middlewareProbe(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/referrals/u1/approve", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "admin-7", RoleAdmin, testKey))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin-7", seen.ID)
	assert.True(t, seen.IsPrivileged())
}

func TestRequireAdmin_MissingToken(t *testing.T) {
	handler, _ := middlewareProbe(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/referrals/u1/block", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdmin_WrongKey(t *testing.T) {
	handler, _ := middlewareProbe(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/referrals/u1/block", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "admin-7", RoleAdmin, []byte("other-key")))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdmin_NonPrivilegedRole(t *testing.T) {
	handler, _ := middlewareProbe(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/referrals/flagged", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-1", "member", testKey))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetActor_ZeroWithoutMiddleware(t *testing.T) {
	actor := GetActor(t.Context())
	assert.Empty(t, actor.ID)
	assert.False(t, actor.IsPrivileged())
}
