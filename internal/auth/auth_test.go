package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celebthumb-ai/internal/apperr"
)

const (
	testIssuer   = "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_pool"
	testClientID = "client-123"
)

type staticKeys struct{ set jwk.Set }

func (s staticKeys) Keys(context.Context) (jwk.Set, error) { return s.set, nil }

func newSigningKey(t *testing.T, kid string) (*rsa.PrivateKey, jwk.Set) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := jwk.New(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, kid))
	set := jwk.NewSet()
	set.Add(pub)
	return priv, set
}

func sign(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(priv)
	require.NoError(t, err)
	return s
}

func idClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "user-1",
		"iss":       testIssuer,
		"aud":       testClientID,
		"token_use": "id",
		"exp":       now.Add(time.Hour).Unix(),
		"iat":       now.Unix(),
	}
}

func TestVerifiedUserID(t *testing.T) {
	now := time.Now()
	priv, set := newSigningKey(t, "kid-1")
	v := NewJWTVerifier(VerifierConfig{Keys: staticKeys{set}, Issuer: testIssuer, ClientID: testClientID})
	ctx := context.Background()

	sub, err := v.VerifiedUserID(ctx, sign(t, priv, "kid-1", idClaims(now)))
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)

	access := jwt.MapClaims{
		"sub": "user-1", "iss": testIssuer, "client_id": testClientID,
		"token_use": "access", "exp": now.Add(time.Hour).Unix(),
	}
	sub, err = v.VerifiedUserID(ctx, sign(t, priv, "kid-1", access))
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
}

func TestVerifiedUserIDRejects(t *testing.T) {
	now := time.Now()
	priv, set := newSigningKey(t, "kid-1")
	other, _ := newSigningKey(t, "kid-1")
	v := NewJWTVerifier(VerifierConfig{Keys: staticKeys{set}, Issuer: testIssuer, ClientID: testClientID})

	expired := idClaims(now)
	expired["exp"] = now.Add(-time.Minute).Unix()
	wrongIssuer := idClaims(now)
	wrongIssuer["iss"] = "https://evil.example.com"
	wrongAudience := idClaims(now)
	wrongAudience["aud"] = "other-client"
	noUse := idClaims(now)
	delete(noUse, "token_use")

	cases := map[string]string{
		"expired":        sign(t, priv, "kid-1", expired),
		"wrong issuer":   sign(t, priv, "kid-1", wrongIssuer),
		"wrong audience": sign(t, priv, "kid-1", wrongAudience),
		"no token_use":   sign(t, priv, "kid-1", noUse),
		"unknown kid":    sign(t, priv, "kid-2", idClaims(now)),
		"forged":         sign(t, other, "kid-1", idClaims(now)),
		"garbage":        "not.a.jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.VerifiedUserID(context.Background(), token)
			assert.ErrorIs(t, err, apperr.ErrUnauthorized)
		})
	}
}

func TestUserIDFromRequest(t *testing.T) {
	ctx := context.Background()

	viaAuthorizer := events.APIGatewayProxyRequest{}
	viaAuthorizer.RequestContext.Authorizer = map[string]any{
		"claims": map[string]any{"sub": "user-9"},
	}
	id, err := UserIDFromRequest(ctx, viaAuthorizer, nil)
	require.NoError(t, err)
	assert.Equal(t, "user-9", id)

	_, err = UserIDFromRequest(ctx, events.APIGatewayProxyRequest{}, nil)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	priv, set := newSigningKey(t, "kid-1")
	v := NewJWTVerifier(VerifierConfig{Keys: staticKeys{set}, Issuer: testIssuer, ClientID: testClientID})
	req := events.APIGatewayProxyRequest{Headers: map[string]string{
		"authorization": "Bearer " + sign(t, priv, "kid-1", idClaims(time.Now())),
	}}
	id, err = UserIDFromRequest(ctx, req, v)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)

	_, err = ExtractTokenFromRequest(events.APIGatewayProxyRequest{Headers: map[string]string{"Authorization": "Basic abc"}})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type fakeCognito struct {
	signUpErr error
	authOut   *cognitoidentityprovider.InitiateAuthOutput
	authErr   error
	confirmed []string
}

func (f *fakeCognito) SignUp(_ context.Context, in *cognitoidentityprovider.SignUpInput, _ ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.SignUpOutput, error) {
	if f.signUpErr != nil {
		return nil, f.signUpErr
	}
	return &cognitoidentityprovider.SignUpOutput{UserSub: aws.String("sub-" + aws.ToString(in.Username))}, nil
}

func (f *fakeCognito) AdminConfirmSignUp(_ context.Context, in *cognitoidentityprovider.AdminConfirmSignUpInput, _ ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.AdminConfirmSignUpOutput, error) {
	f.confirmed = append(f.confirmed, aws.ToString(in.Username))
	return &cognitoidentityprovider.AdminConfirmSignUpOutput{}, nil
}

func (f *fakeCognito) InitiateAuth(context.Context, *cognitoidentityprovider.InitiateAuthInput, ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error) {
	return f.authOut, f.authErr
}

func TestRegisterUser(t *testing.T) {
	client := &fakeCognito{}
	s := NewAuthService(AuthConfig{CognitoClient: client, UserPoolID: "pool", ClientID: testClientID})

	id, err := s.RegisterUser(context.Background(), RegisterRequest{Email: " Ada@Example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, "sub-ada@example.com", id)
	assert.Equal(t, []string{"ada@example.com"}, client.confirmed)

	client.signUpErr = &smithy.GenericAPIError{Code: "UsernameExistsException"}
	_, err = s.RegisterUser(context.Background(), RegisterRequest{Email: "ada@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	client.signUpErr = &smithy.GenericAPIError{Code: "InvalidPasswordException", Message: "too weak"}
	_, err = s.RegisterUser(context.Background(), RegisterRequest{Email: "bob@example.com", Password: "password"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLoginUser(t *testing.T) {
	client := &fakeCognito{authOut: &cognitoidentityprovider.InitiateAuthOutput{
		AuthenticationResult: &types.AuthenticationResultType{
			IdToken:     aws.String("id"),
			AccessToken: aws.String("access"),
			ExpiresIn:   3600,
		},
	}}
	s := NewAuthService(AuthConfig{CognitoClient: client, ClientID: testClientID})

	tokens, err := s.LoginUser(context.Background(), LoginRequest{Email: "ada@example.com", Password: "x"})
	require.NoError(t, err)
	assert.Equal(t, "id", tokens.IDToken)
	assert.Equal(t, int32(3600), tokens.ExpiresIn)

	client.authErr = &smithy.GenericAPIError{Code: "NotAuthorizedException"}
	_, err = s.LoginUser(context.Background(), LoginRequest{Email: "ada@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}
