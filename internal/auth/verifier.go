package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/jwk"
)

// Verifier turns a bearer token into the id of the user it was issued to.
type Verifier interface {
	VerifiedUserID(ctx context.Context, token string) (string, error)
}

// KeySource supplies the signing keys of the identity provider.
type KeySource interface {
	Keys(ctx context.Context) (jwk.Set, error)
}

// JWKSource fetches a JWKS document and keeps it refreshed in the
// background until ctx is cancelled.
type JWKSource struct {
	url     string
	refresh *jwk.AutoRefresh
}

func NewJWKSource(ctx context.Context, url string) *JWKSource {
	ar := jwk.NewAutoRefresh(ctx)
	ar.Configure(url, jwk.WithMinRefreshInterval(15*time.Minute))
	return &JWKSource{url: url, refresh: ar}
}

func (s *JWKSource) Keys(ctx context.Context) (jwk.Set, error) {
	set, err := s.refresh.Fetch(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks: %w", err)
	}
	return set, nil
}

// CognitoJWKSURL is the JWKS endpoint of a user pool.
func CognitoJWKSURL(region, userPoolID string) string {
	return fmt.Sprintf("%s/.well-known/jwks.json", CognitoIssuer(region, userPoolID))
}

func CognitoIssuer(region, userPoolID string) string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
}

type VerifierConfig struct {
	Keys     KeySource
	Issuer   string
	ClientID string
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// JWTVerifier checks RS256 user pool tokens: signature, issuer, expiry and
// that the token was issued to this app client.
type JWTVerifier struct {
	keys     KeySource
	issuer   string
	clientID string
	now      func() time.Time
}

func NewJWTVerifier(config VerifierConfig) *JWTVerifier {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &JWTVerifier{keys: config.Keys, issuer: config.Issuer, clientID: config.ClientID, now: now}
}

var _ Verifier = (*JWTVerifier)(nil)

func (v *JWTVerifier) VerifiedUserID(ctx context.Context, token string) (string, error) {
	set, err := v.keys.Keys(ctx)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, errors.New("key not found")
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	// ID tokens carry the app client in aud, access tokens in client_id.
	switch claims["token_use"] {
	case "id":
		aud, err := claims.GetAudience()
		if err != nil || !slices.Contains(aud, v.clientID) {
			return "", fmt.Errorf("%w: wrong audience", ErrInvalidToken)
		}
	case "access":
		if claims["client_id"] != v.clientID {
			return "", fmt.Errorf("%w: wrong client", ErrInvalidToken)
		}
	default:
		return "", fmt.Errorf("%w: unexpected token_use", ErrInvalidToken)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return sub, nil
}
