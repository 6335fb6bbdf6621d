package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/aegis-iam/aegis/internal/audit"
	"github.com/aegis-iam/aegis/internal/identity"
	"github.com/aegis-iam/aegis/internal/observability"
	"github.com/aegis-iam/aegis/internal/platform/httpx"
	"github.com/aegis-iam/aegis/internal/shared"
)

// Gate enforces authentication and authorization at HTTP entry points.
// Each request is evaluated independently; no decision is cached between
// requests.
type Gate struct {
	Provider identity.Provider
	Resolver *Resolver
	Recorder *audit.Recorder
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// RequireAuth resolves the bearer credential and attaches the identity to the
// request context. Missing or invalid credentials terminate with 401; no
// audit event is logged for unauthenticated attempts.
func (g *Gate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		id, err := g.Provider.Resolve(r.Context(), token)
		if err != nil || id == nil {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		ctx := shared.ContextWithIdentity(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission gates a route on a single permission. Both outcomes emit
// an audit event naming the checked permission; denial terminates with 403.
func (g *Gate) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := shared.IdentityFromContext(r.Context())
			if id == nil {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			allowed, err := g.CheckPermission(r, id.UserID, permission)
			if err != nil {
				if g.Logger != nil {
					g.Logger.Error("permission check", slog.String("permission", permission), slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			if !allowed {
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CheckPermission runs a single audited permission check for the given user.
// Exposed for handlers that combine permission checks with other rules, such
// as the self-vs-other guard.
func (g *Gate) CheckPermission(r *http.Request, userID int64, permission string) (bool, error) {
	allowed, err := g.Resolver.HasPermission(r.Context(), userID, permission)
	if err != nil {
		return false, err
	}

	action := audit.ActionPermissionCheckSuccess
	outcome := "allowed"
	if !allowed {
		action = audit.ActionPermissionCheckFailed
		outcome = "denied"
	}
	g.Metrics.ObserveAuthzDecision("permission", outcome)
	g.Recorder.LogEvent(r.Context(), audit.Event{
		UserID:    userID,
		Action:    action,
		Details:   map[string]any{"permission": permission},
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	return allowed, nil
}

// RequireAnyRole gates a route on holding at least one of the named roles.
// Denials are audited as role_check_failed; successes are not audited to keep
// log volume bounded on hot paths.
func (g *Gate) RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return g.requireRoles("any", roles)
}

// RequireAllRoles gates a route on holding every one of the named roles.
func (g *Gate) RequireAllRoles(roles ...string) func(http.Handler) http.Handler {
	return g.requireRoles("all", roles)
}

func (g *Gate) requireRoles(mode string, required []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := shared.IdentityFromContext(r.Context())
			if id == nil {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			held, err := g.Resolver.RoleNames(r.Context(), id.UserID)
			if err != nil {
				if g.Logger != nil {
					g.Logger.Error("role check", slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}

			ok := hasAllRoles(held, required)
			if mode == "any" {
				ok = hasAnyRole(held, required)
			}
			if !ok {
				g.Metrics.ObserveAuthzDecision("role", "denied")
				g.Recorder.LogEvent(r.Context(), audit.Event{
					UserID:    id.UserID,
					Action:    audit.ActionRoleCheckFailed,
					Details:   map[string]any{"required": required, "mode": mode},
					IPAddress: r.RemoteAddr,
					UserAgent: r.UserAgent(),
				})
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			g.Metrics.ObserveAuthzDecision("role", "allowed")
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasAnyRole(held, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(held))
	for _, role := range held {
		set[role] = struct{}{}
	}
	for _, role := range required {
		if _, ok := set[role]; ok {
			return true
		}
	}
	return false
}

func hasAllRoles(held, required []string) bool {
	set := make(map[string]struct{}, len(held))
	for _, role := range held {
		set[role] = struct{}{}
	}
	for _, role := range required {
		if _, ok := set[role]; !ok {
			return false
		}
	}
	return true
}
