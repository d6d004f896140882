package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareIssuesAnonCookie(t *testing.T) {
	t.Parallel()

	var gotUserID, gotSessionID string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
		gotSessionID = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !isValidAnonID(gotUserID) {
		t.Errorf("generated user id %q does not match the anon id shape", gotUserID)
	}
	if gotSessionID != DefaultSessionIDValue {
		t.Errorf("session id = %q, want default", gotSessionID)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == AnonCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("anon cookie not set")
	}
	if cookie.Value != gotUserID {
		t.Errorf("cookie value %q != context user id %q", cookie.Value, gotUserID)
	}
	if !cookie.HttpOnly {
		t.Error("anon cookie must be HttpOnly")
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	t.Parallel()

	const existing = "anon_0123456789abcdef0123456789abcdef"
	var gotUserID string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotUserID != existing {
		t.Errorf("user id = %q, want the existing cookie value", gotUserID)
	}
}

func TestMiddlewareRejectsMalformedCookie(t *testing.T) {
	t.Parallel()

	var gotUserID string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "not-an-anon-id"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotUserID == "not-an-anon-id" {
		t.Error("malformed cookie value must be replaced")
	}
	if !isValidAnonID(gotUserID) {
		t.Errorf("replacement id %q does not match the anon id shape", gotUserID)
	}
}

func TestSessionIDFromHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header wins", "tab-7", "", "tab-7"},
		{"query fallback", "", "tab-9", "tab-9"},
		{"missing", "", "", DefaultSessionIDValue},
		{"invalid characters", "tab with spaces", "", DefaultSessionIDValue},
		{"too long", strings.Repeat("a", 200), "", DefaultSessionIDValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotSessionID string
			handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotSessionID = SessionIDFromContext(r.Context())
			}))

			url := "/"
			if tt.query != "" {
				url = "/?session_id=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set(SessionHeaderName, tt.header)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if gotSessionID != tt.want {
				t.Errorf("session id = %q, want %q", gotSessionID, tt.want)
			}
		})
	}
}
