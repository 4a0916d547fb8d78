package httpapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/activekg/activekg/internal/config"
	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/svcerr"
	"github.com/activekg/activekg/internal/reqctx"
)

// Claims is the bearer-JWT payload activekg issues and validates, grounded
// on the teacher's cmd/gateway Claims{UserID; jwt.RegisteredClaims} shape
// and generalized to carry tenant and scope.
type Claims struct {
	TenantID  string   `json:"tenant_id"`
	ActorType string   `json:"actor_type"`
	Scopes    []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer tokens and builds the reqctx.RequestContext
// every handler reads. In dev mode (cfg.Enabled == false) it never touches
// the Authorization header: every request runs as cfg.DevTenantID with every
// scope granted, per spec.md §4.8.
type Authenticator struct {
	cfg config.AuthConfig
	log *logging.Logger
}

func NewAuthenticator(cfg config.AuthConfig, log *logging.Logger) *Authenticator {
	return &Authenticator{cfg: cfg, log: log}
}

// Middleware attaches a reqctx.RequestContext to every request, rejecting
// with 401 on a missing, malformed, expired, or badly-signed token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			rc := reqctx.RequestContext{
				TenantID:  a.cfg.DevTenantID,
				ActorID:   "dev",
				ActorType: "user",
				Scopes:    []string{"*"},
			}
			next.ServeHTTP(w, r.WithContext(reqctx.With(r.Context(), rc)))
			return
		}

		claims, err := a.parse(r)
		if err != nil {
			if a.log != nil {
				a.log.LogSecurityEvent(r.Context(), "auth_failed", map[string]interface{}{"reason": err.Error(), "path": r.URL.Path})
			}
			writeError(w, err)
			return
		}

		rc := reqctx.RequestContext{
			TenantID:  claims.TenantID,
			ActorID:   claims.Subject,
			ActorType: claims.ActorType,
			Scopes:    claims.Scopes,
		}
		next.ServeHTTP(w, r.WithContext(reqctx.With(r.Context(), rc)))
	})
}

func (a *Authenticator) parse(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return nil, svcerr.Unauthorized("missing bearer token")
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	claims := &Claims{}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{a.cfg.Algorithm})}
	if a.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.cfg.Audience))
	}

	key, err := a.verificationKey()
	if err != nil {
		return nil, svcerr.ConfigError("jwt verification key", err)
	}

	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, parserOpts...)
	if err != nil {
		if strings.Contains(err.Error(), "token is expired") {
			return nil, svcerr.TokenExpired()
		}
		return nil, svcerr.InvalidToken(err)
	}
	if !token.Valid {
		return nil, svcerr.InvalidToken(nil)
	}
	if claims.TenantID == "" {
		return nil, svcerr.InvalidToken(nil)
	}
	return claims, nil
}

func (a *Authenticator) verificationKey() (interface{}, error) {
	switch a.cfg.Algorithm {
	case "RS256":
		return jwt.ParseRSAPublicKeyFromPEM([]byte(a.cfg.RSAPublicKey))
	default:
		return []byte(a.cfg.HMACSecret), nil
	}
}

// RequireScope rejects the request with 403 unless the authenticated
// context grants scope. The rejection is not counted in a metric:
// RequireScope holds no Registry and no caller records it.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.MustFrom(r.Context())
			if !rc.HasScope(scope) {
				writeError(w, svcerr.MissingScope(scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
