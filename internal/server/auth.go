package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"missioncontrol/internal/authz"
)

type AuthConfig struct {
	JWTSecret           string
	AllowHeaderIdentity bool
	Logger              *slog.Logger
}

type Principal struct {
	Actor  string
	Roles  []string
	Source string
}

// Correlation carries the opaque ids forwarded into audit events.
type Correlation struct {
	RequestID string
	TraceID   string
}

type principalKey struct{}
type correlationKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func correlationFromContext(ctx context.Context) Correlation {
	c, _ := ctx.Value(correlationKey{}).(Correlation)
	return c
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	roles := claims.Roles
	if len(roles) == 0 {
		roles = []string{authz.RoleViewer}
	}
	return Principal{Actor: claims.Subject, Roles: roles, Source: "jwt"}, nil
}

// IssueToken signs an HS256 token for actor. The CLI uses it to mint tokens
// for operators when jwt_secret is configured.
func IssueToken(secret, actor string, roles []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: actor},
		Roles:            roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			if header := strings.TrimSpace(req.Header.Get("Authorization")); header != "" {
				token, ok := bearerToken(header)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug("jwt rejected", "err", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if cfg.AllowHeaderIdentity {
				principal := Principal{
					Actor:  authz.ActorFromHeaders(req.Header),
					Roles:  []string{authz.RoleFromHeaders(req.Header)},
					Source: "header",
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

// correlationMiddleware runs after middleware.RequestID. The request id is
// x-request-id, then x-correlation-id, then the generated one. The trace id is
// x-trace-id, then a W3C traceparent, then the request id.
func correlationMiddleware(next http.Handler) http.Handler {
	propagator := propagation.TraceContext{}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c := Correlation{
			RequestID: strings.TrimSpace(req.Header.Get("x-request-id")),
			TraceID:   strings.TrimSpace(req.Header.Get("x-trace-id")),
		}
		if c.RequestID == "" {
			c.RequestID = strings.TrimSpace(req.Header.Get("x-correlation-id"))
		}
		if c.RequestID == "" {
			c.RequestID = middleware.GetReqID(req.Context())
		}
		if c.TraceID == "" {
			sc := trace.SpanContextFromContext(propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header)))
			if sc.HasTraceID() {
				c.TraceID = sc.TraceID().String()
			}
		}
		if c.TraceID == "" {
			c.TraceID = c.RequestID
		}
		w.Header().Set("X-Request-Id", c.RequestID)
		ctx := context.WithValue(req.Context(), correlationKey{}, c)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

func requirePermission(ctx context.Context, policy authz.Policy, perm, message string) huma.StatusError {
	principal, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if err := policy.Require(perm, principal.Roles...); err != nil {
		var fe authz.ForbiddenError
		errors.As(err, &fe)
		return newAPIError(http.StatusForbidden, "forbidden", message, map[string]any{"permission": fe.Permission, "role": fe.Role})
	}
	return nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
