package authgate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by token issuance and verification.
var (
	ErrInvalidCodecConfig = errors.New("invalid token codec config")
	ErrInvalidToken       = errors.New("invalid session token")
)

const (
	tokenKindAccess  = "access"
	tokenKindRefresh = "refresh"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
)

// Identity describes the authenticated principal carried by a session.
type Identity struct {
	UserID string
	Email  string
}

// SessionPair is the opaque access + refresh token pair stored in cookies.
type SessionPair struct {
	AccessToken  string
	RefreshToken string
}

// CodecConfig holds signing settings for session tokens.
type CodecConfig struct {
	SigningKey string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

// TokenCodec mints and verifies HS256 session token pairs. Access tokens are
// short-lived; refresh tokens rotate the pair on use.
type TokenCodec struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	nowFn      func() time.Time
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Email     string `json:"email,omitempty"`
	TokenKind string `json:"kind"`
}

// NewTokenCodec validates the configuration and builds a codec.
func NewTokenCodec(config CodecConfig) (*TokenCodec, error) {
	if strings.TrimSpace(config.SigningKey) == "" {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidCodecConfig)
	}
	if strings.TrimSpace(config.Issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidCodecConfig)
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = defaultAccessTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = defaultRefreshTTL
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &TokenCodec{
		signingKey: []byte(config.SigningKey),
		issuer:     config.Issuer,
		accessTTL:  config.AccessTTL,
		refreshTTL: config.RefreshTTL,
		nowFn:      config.Now,
	}, nil
}

// AccessTTL returns the access token lifetime.
func (codec *TokenCodec) AccessTTL() time.Duration {
	return codec.accessTTL
}

// RefreshTTL returns the refresh token lifetime.
func (codec *TokenCodec) RefreshTTL() time.Duration {
	return codec.refreshTTL
}

// IssuePair mints a fresh access + refresh token pair for identity.
func (codec *TokenCodec) IssuePair(identity Identity) (SessionPair, error) {
	accessToken, err := codec.sign(identity, tokenKindAccess, codec.accessTTL)
	if err != nil {
		return SessionPair{}, err
	}
	refreshToken, err := codec.sign(identity, tokenKindRefresh, codec.refreshTTL)
	if err != nil {
		return SessionPair{}, err
	}
	return SessionPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// VerifyAccess validates an access token and returns the identity it carries.
func (codec *TokenCodec) VerifyAccess(token string) (Identity, error) {
	return codec.verify(token, tokenKindAccess)
}

// VerifyRefresh validates a refresh token and returns the identity it carries.
func (codec *TokenCodec) VerifyRefresh(token string) (Identity, error) {
	return codec.verify(token, tokenKindRefresh)
}

func (codec *TokenCodec) sign(identity Identity, kind string, ttl time.Duration) (string, error) {
	now := codec.nowFn()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    codec.issuer,
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:     identity.Email,
		TokenKind: kind,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(codec.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

func (codec *TokenCodec) verify(raw string, kind string) (Identity, error) {
	if strings.TrimSpace(raw) == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return codec.signingKey, nil
	},
		jwt.WithIssuer(codec.issuer),
		jwt.WithTimeFunc(codec.nowFn),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.TokenKind != kind {
		return Identity{}, fmt.Errorf("%w: wrong token kind", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}
