package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"btcfi/crypto"
)

// HeaderAccount names the calling account when token auth is disabled.
const HeaderAccount = "X-Account"

type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	RolesClaim string
	ClockSkew  time.Duration
}

type contextKey string

const (
	contextKeyAccount contextKey = "gateway.account"
	contextKeyRoles   contextKey = "gateway.roles"
)

var errNoAccount = errors.New("token subject is not an account address")

// Authenticator resolves the calling account. With auth enabled the account
// is the bearer token subject; otherwise it is read from X-Account.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, logger: logger, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Middleware attaches the caller to the request context. Requests without a
// caller pass through; handlers that mutate state insist on one.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			raw := strings.TrimSpace(r.Header.Get(HeaderAccount))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			addr, err := crypto.DecodeAddress(raw)
			if err != nil {
				http.Error(w, "invalid "+HeaderAccount+" header", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyAccount, addr)))
			return
		}
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := a.parseToken(tokenString)
		if err == nil {
			err = validateClaims(claims, a.cfg.Issuer, a.cfg.Audience)
		}
		var addr crypto.Address
		if err == nil {
			addr, err = subject(claims)
		}
		if err != nil {
			a.logger.Warn("auth: token rejected", slog.String("error", err.Error()))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAccount, addr)
		ctx = context.WithValue(ctx, contextKeyRoles, extractRoles(claims, a.cfg.RolesClaim))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAccount rejects requests without a resolved caller.
func (a *Authenticator) RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := AccountFrom(r.Context()); !ok {
			if a.cfg.Enabled {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
			} else {
				http.Error(w, "missing "+HeaderAccount+" header", http.StatusUnauthorized)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole admits callers whose token carries any of roles. The ledger
// still enforces its own role table, so this only filters early when auth is
// enabled.
func (a *Authenticator) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return a.RequireAccount(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.cfg.Enabled && !hasAnyRole(RolesFrom(r.Context()), roles) {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func AccountFrom(ctx context.Context) (crypto.Address, bool) {
	addr, ok := ctx.Value(contextKeyAccount).(crypto.Address)
	return addr, ok && !addr.IsZero()
}

func RolesFrom(ctx context.Context) []string {
	roles, _ := ctx.Value(contextKeyRoles).([]string)
	return roles
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func subject(claims jwt.MapClaims) (crypto.Address, error) {
	sub, err := claims.GetSubject()
	if err != nil {
		return crypto.Address{}, err
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(sub))
	if err != nil {
		return crypto.Address{}, errNoAccount
	}
	return addr, nil
}

func extractRoles(claims jwt.MapClaims, claim string) []string {
	raw, ok := claims[claim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasAnyRole(held, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, h := range held {
		for _, w := range wanted {
			if h == w {
				return true
			}
		}
	}
	return false
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
