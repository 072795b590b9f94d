// Package token issues and verifies the signed bearer tokens used by the
// gateway. A token carries a subject, a kind discriminant (client or user)
// and an absolute expiry; the kind is part of the trust boundary, so a
// cryptographically valid token of the wrong kind is still rejected.
package token

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed         = errors.New("token malformed")
	ErrExpired           = errors.New("token expired")
	ErrWrongType         = errors.New("token wrong type")
	ErrSubjectMissing    = errors.New("token subject missing")
	ErrPrincipalNotFound = errors.New("principal not found")
)

type Kind string

const (
	KindClient Kind = "client"
	KindUser   Kind = "user"
)

// Claims is the decoded token payload. Extra holds auxiliary claims beyond
// the reserved sub/type/exp/iat set.
type Claims struct {
	Subject   string
	Kind      Kind
	ExpiresAt time.Time
	Extra     map[string]any
}

// ExistenceFunc reports whether a user subject denotes a currently active
// principal. Deactivating the principal revokes its tokens immediately
// without a blacklist.
type ExistenceFunc func(ctx context.Context, subject string) (bool, error)

type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec fails when the signing secret is empty; callers treat that as a
// fatal startup error, never a per-request one.
func NewCodec(secret string) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token signing secret is not set")
	}
	return &Codec{secret: []byte(secret), now: time.Now}, nil
}

func (c *Codec) Issue(subject string, kind Kind, extra map[string]any, ttl time.Duration) (string, error) {
	now := c.now().UTC()
	claims := jwt.MapClaims{
		"sub":  subject,
		"type": string(kind),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	for k, v := range extra {
		if _, reserved := claims[k]; reserved {
			continue
		}
		claims[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Decode verifies signature and expiry and enforces the kind discriminant.
func (c *Codec) Decode(raw string, expected Kind) (Claims, error) {
	claims, err := c.parse(raw)
	if err != nil {
		return Claims{}, err
	}
	if expected != "" && claims.Kind != expected {
		return Claims{}, ErrWrongType
	}
	return claims, nil
}

// DecodeAny accepts either kind. Tokens issued before the type claim existed
// default to the client kind. User subjects must still pass the external
// existence check when one is supplied.
func (c *Codec) DecodeAny(ctx context.Context, raw string, userExists ExistenceFunc) (Claims, error) {
	claims, err := c.parse(raw)
	if err != nil {
		return Claims{}, err
	}
	if claims.Kind == KindUser && userExists != nil {
		active, err := userExists(ctx, claims.Subject)
		if err != nil {
			return Claims{}, err
		}
		if !active {
			return Claims{}, ErrPrincipalNotFound
		}
	}
	return claims, nil
}

func (c *Codec) parse(raw string) (Claims, error) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		return Claims{}, ErrMalformed
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrMalformed
	}
	subject, _ := mapClaims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return Claims{}, ErrSubjectMissing
	}
	kindRaw, _ := mapClaims["type"].(string)
	kind := Kind(kindRaw)
	if kind == "" {
		kind = KindClient
	}
	claims := Claims{Subject: subject, Kind: kind, Extra: map[string]any{}}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	for k, v := range mapClaims {
		switch k {
		case "sub", "type", "exp", "iat":
		default:
			claims.Extra[k] = v
		}
	}
	return claims, nil
}
