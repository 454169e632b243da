package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	db := testutil.NewTestDB(t)
	st := store.New(db.Conn)
	svc, err := NewService(st, "test-secret", time.Hour, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewService error = %v", err)
	}
	return svc, st
}

func TestNewServiceRequiresSecret(t *testing.T) {
	db := testutil.NewTestDB(t)
	if _, err := NewService(store.New(db.Conn), "", time.Hour, testutil.NewTestLogger(t)); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestLoginRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.CreateLocalUser(ctx, "alice", "correct horse", false, false)
	if err != nil {
		t.Fatalf("CreateLocalUser error = %v", err)
	}

	token, got, err := svc.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login error = %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("user = %d, want %d", got.ID, user.ID)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken error = %v", err)
	}
	if claims.UserID != user.ID || claims.Username != "alice" || claims.IsAdmin {
		t.Fatalf("claims = %+v", claims)
	}

	if _, _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginDisabledUser(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	user, err := svc.CreateLocalUser(ctx, "alice", "correct horse", false, false)
	if err != nil {
		t.Fatalf("CreateLocalUser error = %v", err)
	}
	inactive := false
	if _, err := st.UpdateUser(ctx, user.ID, store.UpdateUserInput{IsActive: &inactive}); err != nil {
		t.Fatalf("UpdateUser error = %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice", "correct horse"); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("disabled login = %v, want ErrUserDisabled", err)
	}
}

func TestCreateLocalUserPasswordPolicy(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateLocalUser(context.Background(), "alice", "short", false, false); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestLoginExternal(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	ext := "plex-42"
	user, err := st.CreateUser(ctx, store.CreateUserInput{
		Username:           "plexfriend",
		ExternalIdentityID: &ext,
	})
	if err != nil {
		t.Fatalf("CreateUser error = %v", err)
	}
	token, got, err := svc.LoginExternal(ctx, ext)
	if err != nil {
		t.Fatalf("LoginExternal error = %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("user = %d, want %d", got.ID, user.ID)
	}
	if _, err := svc.ValidateToken(token); err != nil {
		t.Fatalf("ValidateToken error = %v", err)
	}
	if _, _, err := svc.LoginExternal(ctx, "unknown"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown external id = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateTokenRejections(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token = %v, want ErrInvalidToken", err)
	}

	// A token signed under a different secret is invalid here.
	db := testutil.NewTestDB(t)
	other, err := NewService(store.New(db.Conn), "other-secret", time.Hour, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewService error = %v", err)
	}
	foreign, err := other.GenerateToken(&store.User{ID: 1, Username: "x"})
	if err != nil {
		t.Fatalf("GenerateToken error = %v", err)
	}
	if _, err := svc.ValidateToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign token = %v, want ErrInvalidToken", err)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	db := testutil.NewTestDB(t)
	st := store.New(db.Conn)
	svc, err := NewService(st, "test-secret", -time.Minute, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewService error = %v", err)
	}
	token, err := svc.GenerateToken(&store.User{ID: 1, Username: "alice"})
	if err != nil {
		t.Fatalf("GenerateToken error = %v", err)
	}
	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired token = %v, want ErrTokenExpired", err)
	}
}

func TestServerOwnerClaimsAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	token, err := svc.GenerateToken(&store.User{ID: 1, Username: "owner", IsServerOwner: true})
	if err != nil {
		t.Fatalf("GenerateToken error = %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken error = %v", err)
	}
	if !claims.IsAdmin {
		t.Fatal("server owner should carry the admin bit")
	}
}

func TestMiddlewareRequire(t *testing.T) {
	svc, _ := newTestService(t)
	mw := NewMiddleware(svc)
	e := echo.New()

	handler := mw.Require()(func(c echo.Context) error {
		claims := CurrentUser(c)
		if claims == nil {
			t.Fatal("claims missing from context")
		}
		return c.String(http.StatusOK, claims.Username)
	})

	// No token.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	err := handler(e.NewContext(req, rec))
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %v, want 401", err)
	}

	token, err := svc.GenerateToken(&store.User{ID: 7, Username: "alice"})
	if err != nil {
		t.Fatalf("GenerateToken error = %v", err)
	}

	// Bearer header.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec = httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("bearer token = %v, want success", err)
	}

	// Query fallback for websocket clients.
	req = httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
	rec = httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("query token = %v, want success", err)
	}
}

func TestMiddlewareRequireAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	mw := NewMiddleware(svc)
	e := echo.New()

	handler := mw.RequireAdmin()(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	plain, _ := svc.GenerateToken(&store.User{ID: 1, Username: "alice"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+plain)
	err := handler(e.NewContext(req, httptest.NewRecorder()))
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusForbidden {
		t.Fatalf("plain user = %v, want 403", err)
	}

	admin, _ := svc.GenerateToken(&store.User{ID: 2, Username: "root", IsAdmin: true})
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+admin)
	if err := handler(e.NewContext(req, httptest.NewRecorder())); err != nil {
		t.Fatalf("admin = %v, want success", err)
	}
}
