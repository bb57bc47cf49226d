// Package awserr sorts AWS service failures into the transient and permanent
// classes the retry policy acts on.
package awserr

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/celebthumb-ai/internal/apperr"
)

var throttlingCodes = map[string]bool{
	"ThrottlingException":                    true,
	"Throttling":                             true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"SlowDown":                               true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"ServiceUnavailable":                     true,
	"ServiceUnavailableException":            true,
	"InternalServerError":                    true,
	"InternalFailure":                        true,
	"InternalError":                          true,
	"ModelNotReadyException":                 true,
}

// Classify wraps err as transient or permanent. Throttling, timeouts, 5xx
// responses and failures without a response are transient; other service
// rejections are permanent. Caller cancellation is returned unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, apperr.ErrTransientExternal) || errors.Is(err, apperr.ErrPermanentExternal) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttlingCodes[apiErr.ErrorCode()] {
		return apperr.Transient(err)
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == 429 || status >= 500:
			return apperr.Transient(err)
		case status >= 400:
			return apperr.Permanent(err)
		}
	}

	if apiErr != nil {
		if apiErr.ErrorFault() == smithy.FaultServer {
			return apperr.Transient(err)
		}
		return apperr.Permanent(err)
	}
	return apperr.Transient(err)
}

// IsNotFound reports whether the service answered that the resource does
// not exist.
func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "ResourceNotFoundException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}
