// Package auth identifies the direct caller of an HTTP request.
//
// Callers present an HS256 JWT whose subject is their account address. In
// development the X-Caller-Address header may be accepted instead.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

// HeaderCaller is the development fallback identity header.
const HeaderCaller = "X-Caller-Address"

var (
	// ErrNoCaller is returned when a request carries no identity.
	ErrNoCaller = errors.New("auth: caller not identified")

	// ErrInvalidToken is returned for malformed, expired or forged tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Config controls token validation.
type Config struct {
	HMACSecret        string
	Issuer            string
	ClockSkew         time.Duration
	AllowHeaderCaller bool
}

type callerKey struct{}

// Authenticator validates tokens and stores the caller in the request
// context.
type Authenticator struct {
	cfg    Config
	secret []byte
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg Config) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Middleware identifies the caller when the request carries a token (or the
// development header). Anonymous requests pass through; a bad token is
// rejected with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.identify(r)
		switch {
		case errors.Is(err, ErrNoCaller):
			next.ServeHTTP(w, r)
		case err != nil:
			slog.Warn("auth: token validation failed", "err", err, "path", r.URL.Path)
			writeUnauthorized(w, "invalid token")
		default:
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		}
	})
}

// Require rejects requests without an identified caller.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := Caller(r.Context()); !ok {
			writeUnauthorized(w, "caller not identified")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) identify(r *http.Request) (common.Address, error) {
	if token := extractBearer(r.Header.Get("Authorization")); token != "" {
		return a.Verify(token)
	}
	if a.cfg.AllowHeaderCaller {
		if h := strings.TrimSpace(r.Header.Get(HeaderCaller)); h != "" {
			return parseCaller(h)
		}
	}
	return common.Address{}, ErrNoCaller
}

// Verify checks token and returns the caller named by its subject.
func (a *Authenticator) Verify(token string) (common.Address, error) {
	if len(a.secret) == 0 {
		return common.Address{}, fmt.Errorf("%w: secret not configured", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return parseCaller(claims.Subject)
}

// Issue signs a token for caller valid for ttl.
func (a *Authenticator) Issue(caller common.Address, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("%w: secret not configured", ErrInvalidToken)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   caller.Hex(),
		Issuer:    a.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// WithCaller returns ctx carrying caller.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller returns the identified caller, if any.
func Caller(ctx context.Context) (common.Address, bool) {
	c, ok := ctx.Value(callerKey{}).(common.Address)
	return c, ok
}

func parseCaller(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: subject %q is not an address", ErrInvalidToken, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", ErrInvalidToken)
	}
	return addr, nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": "Unauthorized"})
}
