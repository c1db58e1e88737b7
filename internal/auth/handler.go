package auth

import (
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/transport"
	"github.com/frahmantamala/expert-payments/pkg/logger"
)

type Handler struct {
	*transport.BaseHandler
	Verifier TokenVerifier
}

func NewHandler(verifier TokenVerifier, lg *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Verifier:    verifier,
	}
}

// AuthMiddleware rejects requests without a valid bearer token and stores the
// caller identity on the request context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.ExtractTokenFromHeader(r)
		if token == "" {
			h.HandleError(w, errors.NewUnauthorizedError("missing authorization token", errors.ErrCodeInvalidToken))
			return
		}

		identity, err := h.Verifier.Verify(token)
		if err != nil {
			h.Logger.WarnContext(r.Context(), "token validation failed", "error", err)
			h.HandleServiceError(w, err)
			return
		}

		ctx := errors.ContextWithIdentity(r.Context(), identity)
		ctx = logger.With(ctx, "user_id", identity.UserID, "role", string(identity.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole lets the request through only when the authenticated caller has
// one of roles.
func (h *Handler) RequireRole(roles ...errors.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := errors.IdentityFromContext(r.Context())
			if !ok {
				h.HandleError(w, errors.NewUnauthorizedError("authentication required", errors.ErrCodeInvalidToken))
				return
			}
			for _, role := range roles {
				if identity.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			h.Logger.WarnContext(r.Context(), "access denied: role not allowed",
				"user_id", identity.UserID,
				"role", identity.Role)
			h.HandleError(w, errors.NewForbiddenError("insufficient role", errors.ErrCodeUnauthorizedAccess))
		})
	}
}
