package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/weightstock/ledger/internal/model"
)

// UserIDHeader carries the caller's user id, set by the upstream gateway
// after authentication.
const UserIDHeader = "X-User-ID"

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	Username string
	Role     model.Role
}

type identityKey struct{}

// IdentityFrom returns the caller stored by Authenticator.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// UserLookup resolves a user id to its account.
type UserLookup interface {
	User(ctx context.Context, userID string) (*model.User, error)
}

// Authenticator resolves the caller from UserIDHeader. Roles and usernames
// never change, so resolved identities are cached in process.
type Authenticator struct {
	users UserLookup
	cache *cache.Cache
}

// NewAuthenticator creates an authenticator caching identities for ttl.
func NewAuthenticator(users UserLookup, ttl time.Duration) *Authenticator {
	return &Authenticator{
		users: users,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Authenticate rejects requests without a known caller with 401.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			writeError(w, "authentication required", http.StatusUnauthorized)
			return
		}

		id, err := a.resolve(r.Context(), userID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				writeError(w, "unknown user", http.StatusUnauthorized)
				return
			}
			slog.Error("identity lookup failed", "user_id", userID, "err", err)
			writeError(w, "internal error", http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) resolve(ctx context.Context, userID string) (Identity, error) {
	if cached, ok := a.cache.Get(userID); ok {
		return cached.(Identity), nil
	}
	u, err := a.users.User(ctx, userID)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{UserID: u.ID, Username: u.Username, Role: u.Role}
	a.cache.SetDefault(userID, id)
	return id, nil
}

// RequireRole rejects callers of any other role with 403. Must run after
// Authenticate.
func RequireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if id.Role != role {
				writeError(w, "this endpoint is only available to "+string(role)+"s", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerID(r *http.Request) string {
	id, _ := IdentityFrom(r.Context())
	return id.UserID
}
