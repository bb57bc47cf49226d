// Package auth delegates identity to Cognito. Register and Login call the
// user pool; Verifier checks the tokens it issues.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/awserr"
	"github.com/celebthumb-ai/internal/logging"
)

var (
	ErrInvalidToken       = fmt.Errorf("%w: invalid token", apperr.ErrUnauthorized)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", apperr.ErrUnauthorized)
)

// CognitoClient is the subset of the Cognito user pool API used here.
type CognitoClient interface {
	SignUp(ctx context.Context, params *cognitoidentityprovider.SignUpInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.SignUpOutput, error)
	AdminConfirmSignUp(ctx context.Context, params *cognitoidentityprovider.AdminConfirmSignUpInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.AdminConfirmSignUpOutput, error)
	InitiateAuth(ctx context.Context, params *cognitoidentityprovider.InitiateAuthInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error)
}

var _ CognitoClient = (*cognitoidentityprovider.Client)(nil)

type AuthConfig struct {
	CognitoClient CognitoClient
	UserPoolID    string
	ClientID      string
	Logger        *zap.Logger
}

type AuthService struct {
	cognitoClient CognitoClient
	userPoolID    string
	clientID      string
	logger        *zap.Logger
}

func NewAuthService(config AuthConfig) *AuthService {
	return &AuthService{
		cognitoClient: config.CognitoClient,
		userPoolID:    config.UserPoolID,
		clientID:      config.ClientID,
		logger:        logging.OrNop(config.Logger).Named("auth"),
	}
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Username string `json:"username" validate:"max=128"`
	Password string `json:"password" validate:"required,min=8,max=256"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Tokens are the credentials returned by a successful login.
type Tokens struct {
	IDToken      string `json:"idToken"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int32  `json:"expiresIn"`
}

// RegisterUser creates and confirms the pool user and returns its subject,
// which is the user id everywhere else.
func (s *AuthService) RegisterUser(ctx context.Context, req RegisterRequest) (string, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	attrs := []types.AttributeType{{Name: aws.String("email"), Value: aws.String(email)}}
	if req.Username != "" {
		attrs = append(attrs, types.AttributeType{Name: aws.String("preferred_username"), Value: aws.String(req.Username)})
	}

	resp, err := s.cognitoClient.SignUp(ctx, &cognitoidentityprovider.SignUpInput{
		ClientId:       aws.String(s.clientID),
		Username:       aws.String(email),
		Password:       aws.String(req.Password),
		UserAttributes: attrs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to register user: %w", classifyCognito(err))
	}

	// Accounts are confirmed immediately; there is no email verification step.
	_, err = s.cognitoClient.AdminConfirmSignUp(ctx, &cognitoidentityprovider.AdminConfirmSignUpInput{
		UserPoolId: aws.String(s.userPoolID),
		Username:   aws.String(email),
	})
	if err != nil {
		return "", fmt.Errorf("failed to confirm user: %w", classifyCognito(err))
	}

	userID := aws.ToString(resp.UserSub)
	s.logger.Info("user registered", zap.String("user_id", userID))
	return userID, nil
}

func (s *AuthService) LoginUser(ctx context.Context, req LoginRequest) (*Tokens, error) {
	resp, err := s.cognitoClient.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(s.clientID),
		AuthParameters: map[string]string{
			"USERNAME": strings.ToLower(strings.TrimSpace(req.Email)),
			"PASSWORD": req.Password,
		},
	})
	if err != nil {
		return nil, classifyCognito(err)
	}
	if resp.AuthenticationResult == nil {
		// a challenge (MFA, new password) is required; not supported
		return nil, ErrInvalidCredentials
	}
	return &Tokens{
		IDToken:      aws.ToString(resp.AuthenticationResult.IdToken),
		AccessToken:  aws.ToString(resp.AuthenticationResult.AccessToken),
		RefreshToken: aws.ToString(resp.AuthenticationResult.RefreshToken),
		ExpiresIn:    resp.AuthenticationResult.ExpiresIn,
	}, nil
}

func classifyCognito(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "UsernameExistsException", "AliasExistsException":
			return fmt.Errorf("%w: %w", apperr.ErrAlreadyExists, err)
		case "NotAuthorizedException", "UserNotFoundException", "UserNotConfirmedException":
			return ErrInvalidCredentials
		case "InvalidPasswordException", "InvalidParameterException":
			return apperr.Invalid("password", apiErr.ErrorMessage())
		}
	}
	return awserr.Classify(err)
}

// ExtractTokenFromRequest extracts the bearer token from the Authorization
// header.
func ExtractTokenFromRequest(request events.APIGatewayProxyRequest) (string, error) {
	authHeader := request.Headers["Authorization"]
	if authHeader == "" {
		authHeader = request.Headers["authorization"]
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(token), nil
}

// UserIDFromRequest returns the caller's verified user id. Claims placed on
// the request by the API Gateway Cognito authorizer are trusted as-is;
// otherwise the bearer token is verified.
func UserIDFromRequest(ctx context.Context, request events.APIGatewayProxyRequest, v Verifier) (string, error) {
	if claims, ok := request.RequestContext.Authorizer["claims"].(map[string]any); ok {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub, nil
		}
	}
	if v == nil {
		return "", ErrInvalidToken
	}
	token, err := ExtractTokenFromRequest(request)
	if err != nil {
		return "", err
	}
	return v.VerifiedUserID(ctx, token)
}
