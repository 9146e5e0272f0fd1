package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/arunponnappan/boardsync/internal/domain/rbac"
)

const (
	testKeyID  = "test-key-bs"
	testIssuer = "https://idp.test/realms/boards"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, testIssuer, []string{"boardsync-admins"}, testLogger())
}

type tokenOpts struct {
	sub     string
	roles   []string
	groups  []string
	issuer  string
	expired bool
}

func generateToken(t *testing.T, key *rsa.PrivateKey, o tokenOpts) string {
	t.Helper()
	exp := time.Now().Add(time.Hour)
	if o.expired {
		exp = time.Now().Add(-time.Hour)
	}
	iss := o.issuer
	if iss == "" {
		iss = testIssuer
	}

	claims := jwt.MapClaims{
		"sub":                o.sub,
		"preferred_username": "user-" + o.sub,
		"email":              o.sub + "@example.com",
		"iss":                iss,
		"exp":                jwt.NewNumericDate(exp),
		"iat":                jwt.NewNumericDate(time.Now()),
	}
	if len(o.roles) > 0 {
		claims["realm_access"] = map[string]any{"roles": o.roles}
	}
	if len(o.groups) > 0 {
		claims["groups"] = o.groups
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// captureClaims — handler, сохраняющий claims из контекста.
func captureClaims(dst **AuthClaims) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*dst = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestJWTAuth_ValidUserToken(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	var got *AuthClaims
	handler := auth.Middleware()(captureClaims(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/boards", nil)
	req.Header.Set("Authorization", "Bearer "+generateToken(t, key, tokenOpts{sub: "alice"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получен %d: %s", rec.Code, rec.Body.String())
	}
	if got == nil {
		t.Fatal("claims не помещены в контекст")
	}
	if got.Subject != "alice" {
		t.Errorf("Subject = %q, ожидался alice", got.Subject)
	}
	if got.EffectiveRole != rbac.RoleUser {
		t.Errorf("EffectiveRole = %q, ожидался %q", got.EffectiveRole, rbac.RoleUser)
	}
	if got.IsAdmin() {
		t.Error("пользователь без групп не должен быть администратором")
	}
}

func TestJWTAuth_AdminByGroupOrRealmRole(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	tests := []struct {
		name string
		opts tokenOpts
	}{
		{"группа администраторов", tokenOpts{sub: "root", groups: []string{"boardsync-admins"}}},
		{"роль realm", tokenOpts{sub: "root", roles: []string{"admin", "offline_access"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *AuthClaims
			handler := auth.Middleware()(captureClaims(&got))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+generateToken(t, key, tt.opts))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("ожидался 200, получен %d", rec.Code)
			}
			if !got.IsAdmin() {
				t.Errorf("ожидалась роль admin, получена %q", got.EffectiveRole)
			}
		})
	}
}

func TestJWTAuth_Rejections(t *testing.T) {
	key := generateTestKey(t)
	otherKey := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	tests := []struct {
		name   string
		header string
	}{
		{"нет заголовка", ""},
		{"не Bearer", "Basic dXNlcjpwYXNz"},
		{"пустой токен", "Bearer "},
		{"мусор", "Bearer not.a.jwt"},
		{"просрочен", "Bearer " + generateToken(t, key, tokenOpts{sub: "alice", expired: true})},
		{"чужой issuer", "Bearer " + generateToken(t, key, tokenOpts{sub: "alice", issuer: "https://evil.test"})},
		{"чужая подпись", "Bearer " + generateToken(t, otherKey, tokenOpts{sub: "alice"})},
		{"нет sub", "Bearer " + generateToken(t, key, tokenOpts{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := auth.Middleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				called = true
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался 401, получен %d", rec.Code)
			}
			if called {
				t.Error("следующий handler не должен вызываться")
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := RequireRole(rbac.RoleAdmin)(ok)

	tests := []struct {
		name   string
		claims *AuthClaims
		want   int
	}{
		{"без claims", nil, http.StatusUnauthorized},
		{"пользователь", &AuthClaims{Subject: "alice", EffectiveRole: rbac.RoleUser}, http.StatusForbidden},
		{"администратор", &AuthClaims{Subject: "root", EffectiveRole: rbac.RoleAdmin}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/jobs/reset", nil)
			if tt.claims != nil {
				req = req.WithContext(ContextWithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("ожидался %d, получен %d", tt.want, rec.Code)
			}
		})
	}
}

func TestJWKSReadinessChecker(t *testing.T) {
	key := generateTestKey(t)
	jwks := buildJWKSetJSON(&key.PublicKey, testKeyID)

	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"ключи есть", http.StatusOK, string(jwks), statusOK},
		{"нет ключей", http.StatusOK, `{"keys":[]}`, statusDegraded},
		{"не JSON", http.StatusOK, "<html>", statusDegraded},
		{"ошибка сервера", http.StatusServiceUnavailable, "", statusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			checker, err := NewJWKSReadinessChecker(srv.URL, "", time.Second)
			if err != nil {
				t.Fatal(err)
			}
			status, msg := checker.CheckReady()
			if status != tt.want {
				t.Errorf("статус %q (%s), ожидался %q", status, msg, tt.want)
			}
		})
	}
}
