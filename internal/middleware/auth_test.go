package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/nolosslottery/pkg/logger"
)

var (
	testSecret = []byte("0123456789abcdef0123456789abcdef")
	testCaller = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func okHandler(t *testing.T, want *common.Address) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if want != nil {
			if !ok {
				t.Error("caller missing from context")
			} else if caller != *want {
				t.Errorf("caller = %s, want %s", caller.Hex(), want.Hex())
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_Handler_SkipPaths(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, []string{"/health"})
	rec := httptest.NewRecorder()
	m.Handler(okHandler(t, nil)).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_Handler_MissingAuthHeader(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil)
	rec := httptest.NewRecorder()
	m.Handler(okHandler(t, nil)).ServeHTTP(rec, httptest.NewRequest("GET", "/v1/lottery", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_Handler_InvalidAuthHeaderFormat(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil)
	for _, header := range []string{"Token abc", "Bearer", "bearer abc"} {
		req := httptest.NewRequest("GET", "/v1/lottery", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		m.Handler(okHandler(t, nil)).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%q: Status code = %d, want %d", header, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestAuthMiddleware_Handler_ValidToken(t *testing.T) {
	token, err := IssueToken(testSecret, testCaller, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	m := NewAuthMiddleware(testSecret, nil, nil)
	req := httptest.NewRequest("GET", "/v1/lottery", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	m.Handler(okHandler(t, &testCaller)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_Handler_ExpiredToken(t *testing.T) {
	token, err := IssueToken(testSecret, testCaller, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	m := NewAuthMiddleware(testSecret, nil, nil)
	req := httptest.NewRequest("GET", "/v1/lottery", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	m.Handler(okHandler(t, nil)).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_validateToken(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil)

	t.Run("wrong secret", func(t *testing.T) {
		token, _ := IssueToken([]byte("another-secret-another-secret"), testCaller, time.Hour)
		if _, err := m.validateToken(token); err == nil {
			t.Error("expected error for token signed with another secret")
		}
	})

	t.Run("subject is not an address", func(t *testing.T) {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := m.validateToken(token); err == nil {
			t.Error("expected error for non-address subject")
		}
	})

	t.Run("missing expiry", func(t *testing.T) {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: testCaller.Hex(), Issuer: tokenIssuer}}
		token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		if _, err := m.validateToken(token); err == nil {
			t.Error("expected error for token without expiry")
		}
	})

	t.Run("valid", func(t *testing.T) {
		token, _ := IssueToken(testSecret, testCaller, time.Hour)
		caller, err := m.validateToken(token)
		if err != nil {
			t.Fatalf("validateToken: %v", err)
		}
		if caller != testCaller {
			t.Errorf("caller = %s, want %s", caller.Hex(), testCaller.Hex())
		}
	})
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	h := rl.Handler(okHandler(t, nil))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/v1/lottery", nil)
		req = req.WithContext(WithCaller(req.Context(), testCaller))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// a different caller has its own bucket
	req := httptest.NewRequest("GET", "/v1/lottery", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("anonymous caller: Status code = %d, want %d", rec.Code, http.StatusOK)
	}

	if rl.size() != 2 {
		t.Errorf("limiters = %d, want 2", rl.size())
	}
	rl.Cleanup(-time.Second)
	if rl.size() != 0 {
		t.Errorf("limiters after cleanup = %d, want 0", rl.size())
	}
}

func TestLoggingMiddlewareSetsTraceID(t *testing.T) {
	h := LoggingMiddleware(nopLogger())(okHandler(t, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Error("X-Trace-ID not set")
	}

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Trace-ID", "trace-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Trace-ID"); got != "trace-1" {
		t.Errorf("X-Trace-ID = %q, want trace-1", got)
	}
}

func nopLogger() *logger.Logger { return logger.NewNop() }
