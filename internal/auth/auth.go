package auth

import (
	"crypto/rsa"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	errors "github.com/frahmantamala/expert-payments/internal"
)

// Claims is the bearer token payload. Tokens are minted by the identity
// service; this package only needs the subject and its role.
type Claims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier turns a bearer token into the caller identity.
type TokenVerifier interface {
	Verify(token string) (errors.Identity, error)
}

// Verifier validates RS256 tokens against a single public key.
type Verifier struct {
	publicKey *rsa.PublicKey
	issuer    string
	leeway    time.Duration
}

func NewVerifier(publicKey *rsa.PublicKey, issuer string) *Verifier {
	return &Verifier{
		publicKey: publicKey,
		issuer:    issuer,
		leeway:    30 * time.Second,
	}
}

func (v *Verifier) Verify(tokenString string) (errors.Identity, error) {
	if tokenString == "" {
		return errors.Identity{}, errors.ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return errors.Identity{}, errors.ErrTokenExpired
		}
		return errors.Identity{}, errors.ErrInvalidToken.WithCause(err)
	}
	if !token.Valid {
		return errors.Identity{}, errors.ErrInvalidToken
	}

	return claims.identity()
}

func (c *Claims) identity() (errors.Identity, error) {
	userID := c.UserID
	if userID == 0 && c.Subject != "" {
		parsed, err := strconv.ParseInt(c.Subject, 10, 64)
		if err != nil {
			return errors.Identity{}, errors.ErrInvalidToken.WithMessage("token subject is not a user id")
		}
		userID = parsed
	}
	if userID <= 0 {
		return errors.Identity{}, errors.ErrInvalidToken.WithMessage("token has no user id")
	}

	role := errors.Role(c.Role)
	switch role {
	case errors.RoleClient, errors.RoleExpert, errors.RoleAdmin:
	default:
		return errors.Identity{}, errors.ErrInvalidToken.WithMessage("token has an unknown role")
	}

	return errors.Identity{UserID: userID, Role: role}, nil
}

// Signer issues tokens the Verifier accepts. Used by the seed tooling and tests;
// production tokens come from the identity service.
type Signer struct {
	privateKey *rsa.PrivateKey
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

func NewSigner(privateKey *rsa.PrivateKey, issuer string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{
		privateKey: privateKey,
		issuer:     issuer,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (s *Signer) Issue(identity errors.Identity) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: identity.UserID,
		Role:   string(identity.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(identity.UserID, 10),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
