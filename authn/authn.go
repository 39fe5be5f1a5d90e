package authn

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docrefinery/docrefinery/store"
)

type ctxKey int

const keyCtxKey ctxKey = 0

// KeyFrom returns the authenticated API key from the request context, or nil.
func KeyFrom(ctx context.Context) *store.APIKey {
	k, _ := ctx.Value(keyCtxKey).(*store.APIKey)
	return k
}

// WithKey attaches an API key to ctx (tests).
func WithKey(ctx context.Context, k *store.APIKey) context.Context {
	return context.WithValue(ctx, keyCtxKey, k)
}

// Authenticator resolves the Authorization header to an active API key.
type Authenticator struct {
	store         *store.Store
	processSecret string
	log           *slog.Logger

	mu      sync.Mutex
	touched map[int64]time.Time
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option { return func(a *Authenticator) { a.log = log } }

// New builds an Authenticator. The process secret keys the fingerprint HMAC.
func New(st *store.Store, processSecret string, opts ...Option) *Authenticator {
	a := &Authenticator{
		store:         st,
		processSecret: processSecret,
		log:           slog.Default(),
		touched:       make(map[int64]time.Time),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Middleware authenticates `Authorization: Api-Key <raw-secret>`. Missing,
// malformed, unknown or inactive keys answer 401. The matched key is placed
// in the request context and its last_used_at is touched at most once per
// hour.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := parseHeader(r.Header.Get("Authorization"))
		if !ok {
			deny(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or malformed Api-Key credentials")
			return
		}
		fp := Fingerprint(a.processSecret, raw)
		k, err := a.store.GetAPIKeyByFingerprint(r.Context(), fp)
		if err != nil {
			a.log.Error("authn: fingerprint lookup failed", "error", err)
			deny(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid Api-Key credentials")
			return
		}
		if k == nil || !k.Active {
			deny(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid Api-Key credentials")
			return
		}
		a.maybeTouch(r.Context(), k)
		next.ServeHTTP(w, r.WithContext(WithKey(r.Context(), k)))
	})
}

// maybeTouch records last_used_at at most once per hour per key.
func (a *Authenticator) maybeTouch(ctx context.Context, k *store.APIKey) {
	now := time.Now()
	a.mu.Lock()
	last, seen := a.touched[k.ID]
	if seen && now.Sub(last) < time.Hour {
		a.mu.Unlock()
		return
	}
	a.touched[k.ID] = now
	a.mu.Unlock()
	if err := a.store.TouchAPIKey(ctx, k.ID); err != nil {
		a.log.Warn("authn: touch last_used failed", "key", k.UUID, "error", err)
	}
}

// RequireScopes passes iff every scope is in the key's scope set.
func RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := KeyFrom(r.Context())
			if k == nil {
				deny(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing credentials")
				return
			}
			set := k.ScopeSet()
			for _, s := range scopes {
				if !set[s] {
					deny(w, http.StatusForbidden, "FORBIDDEN", "missing required scope "+s)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseHeader(h string) (string, bool) {
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Api-Key") {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return "", false
	}
	return raw, true
}

func deny(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error_code": code, "message": msg})
}
