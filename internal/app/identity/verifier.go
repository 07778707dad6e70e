package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	domainuser "homematch/internal/domain/user"
)

var (
	ErrNoToken      = errors.New("identity: no token provided")
	ErrInvalidToken = errors.New("identity: invalid or expired token")
	ErrInactiveUser = errors.New("identity: user not found or inactive")
)

// Claims is the payload the accounts service signs into access tokens.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Verifier resolves bearer credentials to marketplace identities. Every
// websocket handshake and every privileged REST call goes through it.
type Verifier struct {
	Users  domainuser.Repository
	Secret []byte
	Leeway time.Duration
}

// Principal is the resolved identity attached to a connection or request.
type Principal struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
}

// Name returns the principal's display name.
func (p Principal) Name() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Verify validates the token signature and expiry, loads the user and checks
// the active flag. All failure modes collapse into the three sentinel errors
// so callers never leak verification detail to clients.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrNoToken
	}
	claims, err := v.parse(token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Principal{}, ErrInvalidToken
	}
	usr, err := v.Users.ByID(ctx, domainuser.ID(userID))
	if err != nil {
		if errors.Is(err, domainuser.ErrNotFound) {
			return Principal{}, ErrInactiveUser
		}
		return Principal{}, fmt.Errorf("identity: user lookup failed: %w", err)
	}
	if !usr.Active {
		return Principal{}, ErrInactiveUser
	}
	return Principal{
		ID:        string(usr.ID),
		Email:     usr.Email,
		FirstName: usr.FirstName,
		LastName:  usr.LastName,
	}, nil
}

func (v *Verifier) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.Leeway))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// Sign issues a token for the given user id. The accounts service owns token
// issuance in production; this keeps dev tooling and tests honest against the
// same claims layout.
func Sign(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "homematch",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
