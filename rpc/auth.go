package rpc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/jayteemoney/stacksvestor/crypto"
)

const clockSkew = 2 * time.Minute

type callerKey struct{}

func withCaller(ctx context.Context, caller [20]byte) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// callerFrom returns the authenticated identity attached by the dispatcher.
func callerFrom(ctx context.Context) ([20]byte, bool) {
	caller, ok := ctx.Value(callerKey{}).([20]byte)
	return caller, ok
}

// authenticator validates HS256 bearer tokens. The subject claim carries the
// caller's bech32 identity.
type authenticator struct {
	secret   []byte
	issuer   string
	audience string
}

func newAuthenticator(secret []byte, issuer, audience string) *authenticator {
	return &authenticator{
		secret:   append([]byte(nil), secret...),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
	}
}

func (a *authenticator) caller(r *http.Request) ([20]byte, *RPCError) {
	var zero [20]byte
	if len(a.secret) == 0 {
		return zero, &RPCError{Code: codeUnauthorized, Message: "RPC authentication secret not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return zero, &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return zero, &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if tokenString == "" {
		return zero, &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	claims, err := a.parse(tokenString)
	if err != nil {
		return zero, &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials", Data: err.Error()}
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return zero, &RPCError{Code: codeUnauthorized, Message: "token subject required"}
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(subject))
	if err != nil {
		return zero, &RPCError{Code: codeUnauthorized, Message: "token subject is not a valid address", Data: err.Error()}
	}
	return addr.Raw(), nil
}

func (a *authenticator) parse(tokenString string) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(clockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

// IssueToken signs an HS256 token for subject. It is the counterpart of the
// server-side check and is used by operator tooling.
func IssueToken(secret []byte, issuer, audience string, subject [20]byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("rpc: signing secret required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   crypto.FromRaw(subject).String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if issuer != "" {
		claims.Issuer = issuer
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
