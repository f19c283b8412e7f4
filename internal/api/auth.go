package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

type contextKey string

const operatorKey contextKey = "admin_operator"

var (
	errAdminDisabled = errors.New("admin endpoints are disabled")
	errNoBearer      = errors.New("missing bearer token")
	errNoSubject     = errors.New("token has no subject")
)

// adminAuth guards the reset endpoints. Operators present an HS256 token
// with a subject and an expiry, signed with API_JWT_SECRET.
type adminAuth struct {
	secret []byte
	parser *jwtlib.Parser
}

func newAdminAuth(secret string) *adminAuth {
	return &adminAuth{
		secret: []byte(secret),
		parser: jwtlib.NewParser(
			jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
			jwtlib.WithExpirationRequired(),
			jwtlib.WithLeeway(30*time.Second),
		),
	}
}

func bearer(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// operator returns the subject of a valid admin token.
func (a *adminAuth) operator(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		return "", errAdminDisabled
	}
	raw, ok := bearer(r)
	if !ok {
		return "", errNoBearer
	}
	var claims jwtlib.RegisteredClaims
	if _, err := a.parser.ParseWithClaims(raw, &claims, func(*jwtlib.Token) (interface{}, error) {
		return a.secret, nil
	}); err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}

func (a *adminAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, err := a.operator(r)
		if err != nil {
			if !errors.Is(err, errNoBearer) {
				log.Printf("[api] rejected admin %s %s: %v", r.Method, r.URL.Path, err)
			}
			writeAPIError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey, op)))
	})
}

func operatorFromContext(ctx context.Context) string {
	v, _ := ctx.Value(operatorKey).(string)
	return v
}
