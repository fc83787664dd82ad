package identity

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

func TestPrincipal_HasAnyRole(t *testing.T) {
	p := &Principal{ID: 1, Roles: []string{RoleOperator}}
	assert.True(t, p.HasAnyRole(RoleAdmin, RoleOperator))
	assert.False(t, p.HasAnyRole(RoleAdmin))
	assert.True(t, p.HasAnyRole())

	var nilP *Principal
	assert.False(t, nilP.HasAnyRole())
	assert.False(t, (&Principal{}).HasAnyRole())
}

func TestTokens_IssueVerify(t *testing.T) {
	tk := NewTokens("secret", "orch")
	tok, err := tk.Issue(&Principal{ID: 7, Email: "ops@example.com", Roles: []string{RoleAdmin}}, time.Hour)
	require.NoError(t, err)

	p, err := tk.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.ID)
	assert.Equal(t, "ops@example.com", p.Email)
	assert.Equal(t, []string{RoleAdmin}, p.Roles)
}

func TestTokens_Rejects(t *testing.T) {
	tk := NewTokens("secret", "orch")

	t.Run("wrong secret", func(t *testing.T) {
		tok, _ := NewTokens("other", "orch").Issue(&Principal{ID: 1}, time.Hour)
		_, err := tk.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		old := NewTokens("secret", "orch")
		old.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		tok, _ := old.Issue(&Principal{ID: 1}, time.Hour)
		_, err := tk.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		c := jwt.RegisteredClaims{
			Subject:   "1",
			Audience:  jwt.ClaimStrings{"someone-else"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("secret"))
		_, err := tk.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("non numeric subject", func(t *testing.T) {
		c := jwt.RegisteredClaims{
			Subject:   "alice",
			Audience:  jwt.ClaimStrings{TokenAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("secret"))
		_, err := tk.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestMiddleware(t *testing.T) {
	tk := NewTokens("secret", "orch")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var got *Principal
	h := Middleware(tk, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	tok, _ := tk.Issue(&Principal{ID: 3, Roles: []string{RoleViewer}}, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.ID)

	got = nil
	req = httptest.NewRequest(http.MethodGet, "/?access_token="+tok, nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, got)

	got = nil
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Nil(t, got)
}
