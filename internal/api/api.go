// Package api serves the REST surface behind API Gateway's Lambda proxy
// integration.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/auth"
	"github.com/celebthumb-ai/internal/jobs"
	"github.com/celebthumb-ai/internal/logging"
	"github.com/celebthumb-ai/internal/models"
)

// recentTransactions is how many ledger entries GET /credits returns.
const recentTransactions = 20

type Thumbnails interface {
	Submit(ctx context.Context, userID string, req models.ThumbnailRequest) (*models.Thumbnail, error)
	Fail(ctx context.Context, userID, idempotencyKey string, cause error) error
	Thumbnail(ctx context.Context, userID, id string) (*models.Thumbnail, error)
	Thumbnails(ctx context.Context, userID string) ([]*models.Thumbnail, error)
	Delete(ctx context.Context, userID, id string) error
}

type Templates interface {
	Create(ctx context.Context, createdBy string, req models.TemplateRequest) (*models.Template, error)
	List(ctx context.Context) ([]*models.Template, error)
}

type Accounts interface {
	OpenAccount(ctx context.Context, user *models.User, initialCredits int) error
	Account(ctx context.Context, userID string) (*models.User, error)
	History(ctx context.Context, userID string, limit int) ([]*models.CreditTransaction, error)
}

type Subscriptions interface {
	Subscribe(ctx context.Context, userID, planID string) (*models.Subscription, error)
	Enroll(ctx context.Context, userID string) (*models.Subscription, error)
}

type Identity interface {
	RegisterUser(ctx context.Context, req auth.RegisterRequest) (string, error)
	LoginUser(ctx context.Context, req auth.LoginRequest) (*auth.Tokens, error)
}

// HealthChecker reports the status of a dependency. A non-nil error means
// the dependency cannot serve requests.
type HealthChecker interface {
	Check(ctx context.Context) (string, error)
}

type Config struct {
	Thumbnails    Thumbnails
	Dispatcher    jobs.Dispatcher
	Templates     Templates
	Accounts      Accounts
	Subscriptions Subscriptions
	Identity      Identity
	Verifier      auth.Verifier
	// Health is optional.
	Health HealthChecker
	// InitialCredits is the opening balance of a new account.
	InitialCredits int
	Logger         *zap.Logger
}

type API struct {
	thumbnails     Thumbnails
	dispatcher     jobs.Dispatcher
	templates      Templates
	accounts       Accounts
	subscriptions  Subscriptions
	identity       Identity
	verifier       auth.Verifier
	health         HealthChecker
	initialCredits int
	validate       *apperr.Validator
	logger         *zap.Logger
	routes         map[string]route
}

// request is a proxy request after routing and authentication.
type request struct {
	events.APIGatewayProxyRequest
	UserID string
	ID     string
}

type route struct {
	public  bool
	handler func(ctx context.Context, req request) events.APIGatewayProxyResponse
}

func New(config Config) *API {
	a := &API{
		thumbnails:     config.Thumbnails,
		dispatcher:     config.Dispatcher,
		templates:      config.Templates,
		accounts:       config.Accounts,
		subscriptions:  config.Subscriptions,
		identity:       config.Identity,
		verifier:       config.Verifier,
		health:         config.Health,
		initialCredits: config.InitialCredits,
		validate:       apperr.NewValidator(),
		logger:         logging.OrNop(config.Logger).Named("api"),
	}
	a.routes = map[string]route{
		"GET /health":               {public: true, handler: a.handleHealth},
		"POST /auth/register":       {public: true, handler: a.handleRegister},
		"POST /auth/login":          {public: true, handler: a.handleLogin},
		"POST /thumbnails/generate": {handler: a.handleGenerateThumbnail},
		"GET /thumbnails":           {handler: a.handleListThumbnails},
		"GET /thumbnails/{id}":      {handler: a.handleGetThumbnail},
		"DELETE /thumbnails/{id}":   {handler: a.handleDeleteThumbnail},
		"GET /templates":            {handler: a.handleListTemplates},
		"POST /templates":           {handler: a.handleCreateTemplate},
		"POST /subscriptions":       {handler: a.handleCreateSubscription},
		"GET /credits":              {handler: a.handleGetCredits},
	}
	return a
}

// Handle is the Lambda handler. Failures are reported in the response, so
// the returned error is always nil.
func (a *API) Handle(ctx context.Context, proxy events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	pattern, id := resolve(proxy)
	rt, ok := a.routes[proxy.HTTPMethod+" "+pattern]
	if !ok {
		return errorResponse(http.StatusNotFound, "not found"), nil
	}

	req := request{APIGatewayProxyRequest: proxy, ID: id}
	if !rt.public {
		userID, err := auth.UserIDFromRequest(ctx, proxy, a.verifier)
		if err != nil {
			a.logger.Debug("rejected request", zap.String("path", proxy.Path), zap.Error(err))
			return errorResponse(http.StatusUnauthorized, "unauthorized"), nil
		}
		req.UserID = userID
	}
	return rt.handler(ctx, req), nil
}

// resolve maps the proxied path onto a route pattern. API Gateway fills in
// Resource and PathParameters for declared resources; a greedy proxy
// resource only carries Path.
func resolve(proxy events.APIGatewayProxyRequest) (string, string) {
	if proxy.Resource == "/thumbnails/{id}" {
		return proxy.Resource, proxy.PathParameters["id"]
	}
	path := strings.TrimSuffix(proxy.Path, "/")
	if path == "/thumbnails/generate" {
		return path, ""
	}
	if id, ok := strings.CutPrefix(path, "/thumbnails/"); ok && id != "" && !strings.Contains(id, "/") {
		return "/thumbnails/{id}", id
	}
	return path, ""
}
