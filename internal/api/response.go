package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/auth"
	"github.com/celebthumb-ai/internal/generation"
)

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func jsonResponse(statusCode int, body any) events.APIGatewayProxyResponse {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "failed to marshal response")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: statusCode,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: string(jsonBody),
	}
}

func errorResponse(statusCode int, message string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorBody{Error: message})
	return events.APIGatewayProxyResponse{
		StatusCode: statusCode,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: string(body),
	}
}

// failure renders err with the status its taxonomy maps to. Internal detail
// is logged, never returned.
func (a *API) failure(err error) events.APIGatewayProxyResponse {
	status := apperr.StatusCode(err)
	body := errorBody{}

	var ve apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		body.Error, body.Field = ve.Message, ve.Field
	case errors.Is(err, auth.ErrInvalidCredentials):
		body.Error = "invalid credentials"
	case errors.Is(err, generation.ErrStillProcessing):
		body.Error = "thumbnail is still processing"
	default:
		body.Error = statusMessages[status]
	}

	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		a.logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	return jsonResponse(status, body)
}

var statusMessages = map[int]string{
	http.StatusBadRequest:          "invalid request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusPaymentRequired:     "insufficient credits",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not found",
	http.StatusConflict:            "conflict",
	http.StatusBadGateway:          "upstream service rejected the request",
	http.StatusServiceUnavailable:  "service temporarily unavailable",
	http.StatusInternalServerError: "internal error",
}

func decode(body string, v any) error {
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return apperr.Invalid("body", "must be a JSON object")
	}
	return nil
}
