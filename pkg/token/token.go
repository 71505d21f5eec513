package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"localspot-loyalty/pkg/config"
)

// Proof-of-presence tokens are short-lived signed QR payloads minted at the
// physical location. This package only verifies them; minting lives with the
// staff tooling (Mint below exists for that path and for tests).

var (
	ErrTokenInvalid = errors.New("proof token invalid")
	ErrTokenExpired = errors.New("proof token expired")
	ErrTokenReused  = errors.New("proof token already used")
)

type Claims struct {
	BusinessID string `json:"biz"`
	jwt.RegisteredClaims
}

type Verifier interface {
	Verify(ctx context.Context, businessID, raw string) (*Claims, error)
}

var Module = fx.Module("token",
	fx.Provide(NewVerifier),
)

type VerifierParams struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client
}

type verifier struct {
	secret []byte
	maxAge time.Duration
	rdb    *redis.Client
}

func NewVerifier(p VerifierParams) Verifier {
	maxAge := p.Config.Token.MaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &verifier{
		secret: []byte(p.Config.Token.Secret),
		maxAge: maxAge,
		rdb:    p.Redis,
	}
}

// Verify checks signature, expiry, business binding and single-use jti. The
// replay guard lives in redis so it holds across instances; a reused jti is a
// retried or copied QR scan and must be rejected, not debounced client-side.
func (v *verifier) Verify(ctx context.Context, businessID, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	if claims.BusinessID == "" || claims.BusinessID != businessID {
		return nil, ErrTokenInvalid
	}

	if claims.ID == "" {
		return nil, ErrTokenInvalid
	}

	if claims.IssuedAt != nil && time.Since(claims.IssuedAt.Time) > v.maxAge {
		return nil, ErrTokenExpired
	}

	ttl := v.maxAge
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil, ErrTokenExpired
	}

	ok, err := v.rdb.SetNX(ctx, "qr:jti:"+claims.ID, 1, ttl).Result()
	if err != nil {
		zap.L().Error("failed to check token replay guard", zap.Error(err))
		return nil, err
	}
	if !ok {
		return nil, ErrTokenReused
	}

	return claims, nil
}

// Mint issues a proof-of-presence token for the given business. Used by the
// staff QR tooling and by tests.
func Mint(secret []byte, businessID, jti string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		BusinessID: businessID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
