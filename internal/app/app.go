// Package app assembles the services from configuration. Every entry point
// under cmd builds its dependencies through New.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/ai"
	"github.com/celebthumb-ai/internal/api"
	"github.com/celebthumb-ai/internal/auth"
	"github.com/celebthumb-ai/internal/billing"
	"github.com/celebthumb-ai/internal/config"
	"github.com/celebthumb-ai/internal/generation"
	"github.com/celebthumb-ai/internal/jobs"
	"github.com/celebthumb-ai/internal/ledger"
	"github.com/celebthumb-ai/internal/metadata"
	"github.com/celebthumb-ai/internal/retry"
	"github.com/celebthumb-ai/internal/storage"
	"github.com/celebthumb-ai/internal/templates"
)

const (
	maxRetryDelay     = 5 * time.Second
	refundRetryBudget = 8
)

type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Ledger       *ledger.Ledger
	Templates    *templates.Registry
	Orchestrator *generation.Orchestrator
	Billing      *billing.Manager
	Auth         *auth.AuthService
	// Verifier is nil when no user pool is configured; only API Gateway
	// authorizer claims are accepted then.
	Verifier auth.Verifier
	Health   *ai.EndpointChecker
}

// New builds the AWS clients and every service on top of them. ctx bounds
// background work such as JWKS refresh.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithAWS(ctx, cfg, awsCfg, logger), nil
}

func NewWithAWS(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *zap.Logger) *App {
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)

	policy := retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       maxRetryDelay,
		AttemptTimeout: cfg.Retry.CallTimeout,
	}
	refundPolicy := policy
	refundPolicy.MaxAttempts = refundRetryBudget

	l := ledger.NewLedger(ledger.LedgerConfig{
		Store: ledger.NewDynamoStore(ledger.DynamoConfig{
			Client:            dynamoClient,
			UsersTable:        cfg.Tables.Users,
			ReservationsTable: cfg.Tables.Reservations,
			TransactionsTable: cfg.Tables.Transactions,
		}),
		Logger: logger,
	})
	registry := templates.NewRegistry(templates.RegistryConfig{
		Store:  templates.NewDynamoStore(templates.DynamoConfig{Client: dynamoClient, TableName: cfg.Tables.Templates}),
		Logger: logger,
	})

	orchestrator := generation.NewOrchestrator(generation.OrchestratorConfig{
		Ledger:    l,
		Templates: registry,
		Metadata:  metadata.NewDynamoStore(metadata.DynamoConfig{Client: dynamoClient, TableName: cfg.Tables.Thumbnails}),
		Storage: storage.NewS3Gateway(storage.StorageConfig{
			S3Client:  s3Client,
			Presigner: s3.NewPresignClient(s3Client),
			Bucket:    cfg.ThumbnailBucket,
			URLTTL:    cfg.PresignTTL,
			Logger:    logger,
		}),
		Recognizer: ai.NewRekognitionRecognizer(ai.RecognizerConfig{
			RekognitionClient: rekognition.NewFromConfig(awsCfg),
			Bucket:            cfg.ThumbnailBucket,
			Logger:            logger,
		}),
		Renderer: ai.NewSageMakerRenderer(ai.RendererConfig{
			RuntimeClient: sagemakerruntime.NewFromConfig(awsCfg),
			EndpointName:  cfg.InferenceEndpoint,
			Logger:        logger,
		}),
		Logger:      logger,
		Retry:       policy,
		RefundRetry: refundPolicy,
	})

	var payments billing.PaymentProvider
	if cfg.StripeKey != "" {
		payments = billing.NewStripeProvider(billing.StripeConfig{Key: cfg.StripeKey})
	}
	manager := billing.NewManager(billing.ManagerConfig{
		Store:    billing.NewDynamoStore(billing.DynamoConfig{Client: dynamoClient, TableName: cfg.Tables.Subscriptions}),
		Ledger:   l,
		Payments: payments,
		Logger:   logger,
	})

	a := &App{
		Config:       cfg,
		Logger:       logger,
		Ledger:       l,
		Templates:    registry,
		Orchestrator: orchestrator,
		Billing:      manager,
		Auth: auth.NewAuthService(auth.AuthConfig{
			CognitoClient: cognitoidentityprovider.NewFromConfig(awsCfg),
			UserPoolID:    cfg.UserPoolID,
			ClientID:      cfg.UserPoolClientID,
			Logger:        logger,
		}),
		Health: ai.NewEndpointChecker(ai.EndpointCheckerConfig{
			Client:       sagemaker.NewFromConfig(awsCfg),
			EndpointName: cfg.InferenceEndpoint,
		}),
	}
	if cfg.UserPoolID != "" && cfg.UserPoolClientID != "" {
		a.Verifier = auth.NewJWTVerifier(auth.VerifierConfig{
			Keys:     auth.NewJWKSource(ctx, auth.CognitoJWKSURL(awsCfg.Region, cfg.UserPoolID)),
			Issuer:   auth.CognitoIssuer(awsCfg.Region, cfg.UserPoolID),
			ClientID: cfg.UserPoolClientID,
		})
	}
	return a
}

// API returns the REST handler, dispatching accepted requests to dispatcher.
func (a *App) API(dispatcher jobs.Dispatcher) *api.API {
	return api.New(api.Config{
		Thumbnails:     a.Orchestrator,
		Dispatcher:     dispatcher,
		Templates:      a.Templates,
		Accounts:       a.Ledger,
		Subscriptions:  a.Billing,
		Identity:       a.Auth,
		Verifier:       a.Verifier,
		Health:         a.Health,
		InitialCredits: billing.Plans[billing.FreePlan].Credits,
		Logger:         a.Logger,
	})
}
