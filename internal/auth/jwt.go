package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claim keys carrying the user id. The login flow signs "_id"; "sub" is
// accepted for tokens minted by standard tooling.
const (
	claimID      = "_id"
	claimSubject = "sub"
)

var (
	errMissingIdentity = errors.New("token carries no identity claim")
	errClaimsType      = errors.New("claims type mismatch")
)

// JWTVerifier verifies HMAC-signed session tokens.
type JWTVerifier struct {
	secret []byte
	method jwtlib.SigningMethod
}

// NewJWTVerifier returns a verifier for the given secret and algorithm
// (HS256, HS384 or HS512; empty means HS256).
func NewJWTVerifier(secret []byte, alg string) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}
	return &JWTVerifier{secret: secret, method: method}, nil
}

// Verify checks the signature and expiry of token and returns the identity
// it was issued for.
func (v *JWTVerifier) Verify(token string) (string, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwtlib.WithValidMethods([]string{v.method.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return "", errClaimsType
	}

	for _, key := range []string{claimID, claimSubject} {
		if id, _ := claims[key].(string); strings.TrimSpace(id) != "" {
			return id, nil
		}
	}
	return "", errMissingIdentity
}

// Issue signs a token for identity that expires after ttl. The realtime
// engine never calls it; the login flow and tests do.
func (v *JWTVerifier) Issue(identity string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 15 * 24 * time.Hour
	}
	now := time.Now()
	claims := jwtlib.MapClaims{
		claimID: identity,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwtlib.NewWithClaims(v.method, claims).SignedString(v.secret)
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
