package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/auth"
	"github.com/celebthumb-ai/internal/models"
)

func (a *API) handleHealth(ctx context.Context, _ request) events.APIGatewayProxyResponse {
	body := map[string]string{"status": "ok"}
	if a.health == nil {
		return jsonResponse(http.StatusOK, body)
	}
	status, err := a.health.Check(ctx)
	body["inference"] = status
	if err != nil {
		a.logger.Warn("health check failed", zap.Error(err))
		body["status"] = "degraded"
		return jsonResponse(http.StatusServiceUnavailable, body)
	}
	return jsonResponse(http.StatusOK, body)
}

func (a *API) handleRegister(ctx context.Context, req request) events.APIGatewayProxyResponse {
	var body auth.RegisterRequest
	if err := decode(req.Body, &body); err != nil {
		return a.failure(err)
	}
	if err := a.validate.Struct(body); err != nil {
		return a.failure(err)
	}
	userID, err := a.identity.RegisterUser(ctx, body)
	if err != nil {
		return a.failure(err)
	}
	user, err := a.ensureAccount(ctx, userID, body.Email)
	if err != nil {
		return a.failure(err)
	}
	return jsonResponse(http.StatusCreated, user)
}

func (a *API) handleLogin(ctx context.Context, req request) events.APIGatewayProxyResponse {
	var body auth.LoginRequest
	if err := decode(req.Body, &body); err != nil {
		return a.failure(err)
	}
	if err := a.validate.Struct(body); err != nil {
		return a.failure(err)
	}
	tokens, err := a.identity.LoginUser(ctx, body)
	if err != nil {
		return a.failure(err)
	}
	// Accounts whose registration stopped after the identity provider
	// accepted it are opened on first login.
	if a.verifier != nil {
		userID, err := a.verifier.VerifiedUserID(ctx, tokens.IDToken)
		if err != nil {
			return a.failure(err)
		}
		if _, err := a.ensureAccount(ctx, userID, body.Email); err != nil {
			return a.failure(err)
		}
	}
	return jsonResponse(http.StatusOK, tokens)
}

// ensureAccount opens the ledger account and free subscription for userID
// unless they already exist.
func (a *API) ensureAccount(ctx context.Context, userID, email string) (*models.User, error) {
	user, err := a.accounts.Account(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		user = &models.User{ID: userID, Email: email, Plan: "free"}
		err = a.accounts.OpenAccount(ctx, user, a.initialCredits)
		if errors.Is(err, apperr.ErrAlreadyExists) {
			user, err = a.accounts.Account(ctx, userID)
		}
	}
	if err != nil {
		return nil, err
	}
	if _, err := a.subscriptions.Enroll(ctx, userID); err != nil {
		return nil, err
	}
	return user, nil
}

func (a *API) handleGenerateThumbnail(ctx context.Context, req request) events.APIGatewayProxyResponse {
	var body models.ThumbnailRequest
	if err := decode(req.Body, &body); err != nil {
		return a.failure(err)
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = header(req, "Idempotency-Key")
	}

	th, err := a.thumbnails.Submit(ctx, req.UserID, body)
	if err != nil {
		return a.failure(err)
	}
	if th.Status.Terminal() {
		return jsonResponse(http.StatusOK, th)
	}
	if err := a.dispatcher.Dispatch(ctx, req.UserID, body.IdempotencyKey); err != nil {
		if failErr := a.thumbnails.Fail(ctx, req.UserID, body.IdempotencyKey, err); failErr != nil {
			a.logger.Error("failed to release undispatched generation",
				zap.String("thumbnail_id", th.ID), zap.Error(failErr))
		}
		return a.failure(apperr.Transient(err))
	}
	return jsonResponse(http.StatusAccepted, th)
}

func (a *API) handleListThumbnails(ctx context.Context, req request) events.APIGatewayProxyResponse {
	list, err := a.thumbnails.Thumbnails(ctx, req.UserID)
	if err != nil {
		return a.failure(err)
	}
	if list == nil {
		list = []*models.Thumbnail{}
	}
	return jsonResponse(http.StatusOK, list)
}

func (a *API) handleGetThumbnail(ctx context.Context, req request) events.APIGatewayProxyResponse {
	th, err := a.thumbnails.Thumbnail(ctx, req.UserID, req.ID)
	if err != nil {
		return a.failure(err)
	}
	return jsonResponse(http.StatusOK, th)
}

func (a *API) handleDeleteThumbnail(ctx context.Context, req request) events.APIGatewayProxyResponse {
	if err := a.thumbnails.Delete(ctx, req.UserID, req.ID); err != nil {
		return a.failure(err)
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}
}

func (a *API) handleListTemplates(ctx context.Context, _ request) events.APIGatewayProxyResponse {
	list, err := a.templates.List(ctx)
	if err != nil {
		return a.failure(err)
	}
	if list == nil {
		list = []*models.Template{}
	}
	return jsonResponse(http.StatusOK, list)
}

func (a *API) handleCreateTemplate(ctx context.Context, req request) events.APIGatewayProxyResponse {
	var body models.TemplateRequest
	if err := decode(req.Body, &body); err != nil {
		return a.failure(err)
	}
	tpl, err := a.templates.Create(ctx, req.UserID, body)
	if err != nil {
		return a.failure(err)
	}
	return jsonResponse(http.StatusCreated, tpl)
}

func (a *API) handleCreateSubscription(ctx context.Context, req request) events.APIGatewayProxyResponse {
	var body models.SubscriptionRequest
	if err := decode(req.Body, &body); err != nil {
		return a.failure(err)
	}
	if err := a.validate.Struct(body); err != nil {
		return a.failure(err)
	}
	sub, err := a.subscriptions.Subscribe(ctx, req.UserID, body.PlanID)
	if err != nil {
		return a.failure(err)
	}
	return jsonResponse(http.StatusOK, sub)
}

type creditsResponse struct {
	Credits      int                         `json:"credits"`
	Plan         string                      `json:"plan"`
	Transactions []*models.CreditTransaction `json:"transactions"`
}

func (a *API) handleGetCredits(ctx context.Context, req request) events.APIGatewayProxyResponse {
	user, err := a.accounts.Account(ctx, req.UserID)
	if err != nil {
		return a.failure(err)
	}
	txs, err := a.accounts.History(ctx, req.UserID, recentTransactions)
	if err != nil {
		return a.failure(err)
	}
	if txs == nil {
		txs = []*models.CreditTransaction{}
	}
	return jsonResponse(http.StatusOK, creditsResponse{
		Credits:      user.Credits,
		Plan:         user.Plan,
		Transactions: txs,
	})
}

func header(req request, name string) string {
	if v := req.Headers[name]; v != "" {
		return v
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
