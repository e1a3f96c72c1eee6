package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		id, ok := GetAccountIDFromContext(r.Context())
		if !ok {
			t.Fatalf("account id not in context")
		}
		if id != 42 {
			t.Fatalf("account id from context = %d, want 42", id)
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	m.SetAuthCookie(w, 42)
	res := w.Result()
	resCookies := res.Cookies()
	if len(resCookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}

	r.AddCookie(resCookies[0])

	handler := m.Middleware(next)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithoutCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	handler := m.Middleware(next)
	handler.ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_TamperedCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	m.SetAuthCookie(w, 42)
	cookie := w.Result().Cookies()[0]

	// Подмена идентификатора при сохранении чужой подписи.
	cookie.Value = "43" + cookie.Value[2:]

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.AddCookie(cookie)

	rec := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(rec, r)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("tampered cookie must be rejected, got %d", rec.Result().StatusCode)
	}
}

func TestTokenAuth(t *testing.T) {
	guard := TokenAuth("X-Pipeline-Token", "secret-token")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r := httptest.NewRequest(http.MethodPost, "/internal", nil)
	r.Header.Set("X-Pipeline-Token", "secret-token")
	w := httptest.NewRecorder()
	guard(next).ServeHTTP(w, r)
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("valid token rejected: %d", w.Result().StatusCode)
	}

	r = httptest.NewRequest(http.MethodPost, "/internal", nil)
	r.Header.Set("X-Pipeline-Token", "wrong")
	w = httptest.NewRecorder()
	guard(next).ServeHTTP(w, r)
	if w.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("invalid token accepted: %d", w.Result().StatusCode)
	}

	// Пустой настроенный токен запрещает доступ целиком.
	empty := TokenAuth("X-Pipeline-Token", "")
	r = httptest.NewRequest(http.MethodPost, "/internal", nil)
	w = httptest.NewRecorder()
	empty(next).ServeHTTP(w, r)
	if w.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("empty token must deny access, got %d", w.Result().StatusCode)
	}
}
