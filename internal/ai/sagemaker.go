package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime/types"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/awserr"
	"github.com/celebthumb-ai/internal/logging"
)

const (
	thumbnailWidth  = 1280
	thumbnailHeight = 720
)

// RuntimeClient is the subset of the SageMaker runtime API the renderer uses.
type RuntimeClient interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

// EndpointDescriber reports the state of the inference endpoint.
type EndpointDescriber interface {
	DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error)
}

var (
	_ RuntimeClient     = (*sagemakerruntime.Client)(nil)
	_ EndpointDescriber = (*sagemaker.Client)(nil)
)

type RendererConfig struct {
	RuntimeClient RuntimeClient
	EndpointName  string
	Logger        *zap.Logger
}

type SageMakerRenderer struct {
	client   RuntimeClient
	endpoint string
	logger   *zap.Logger
}

func NewSageMakerRenderer(config RendererConfig) *SageMakerRenderer {
	return &SageMakerRenderer{
		client:   config.RuntimeClient,
		endpoint: config.EndpointName,
		logger:   logging.OrNop(config.Logger).Named("inference"),
	}
}

var _ Renderer = (*SageMakerRenderer)(nil)

type inferenceRequest struct {
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	Params         map[string]string `json:"params,omitempty"`
}

type inferenceResponse struct {
	Image       string `json:"image"`
	ContentType string `json:"content_type"`
}

func (r *SageMakerRenderer) Render(ctx context.Context, in RenderInput) (*Artifact, error) {
	body, err := json.Marshal(inferenceRequest{
		Prompt:         Prompt(in),
		NegativePrompt: in.Params["negative_prompt"],
		Width:          thumbnailWidth,
		Height:         thumbnailHeight,
		Params:         in.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode inference request: %w", err)
	}

	resp, err := r.client.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(r.endpoint),
		Body:         body,
		ContentType:  aws.String("application/json"),
		Accept:       aws.String("image/png, image/jpeg, application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke inference endpoint: %w", classifyInvoke(err))
	}

	art, err := decodeArtifact(resp)
	if err != nil {
		return nil, apperr.Permanent(err)
	}
	r.logger.Debug("thumbnail rendered", zap.String("content_type", art.ContentType), zap.Int("bytes", len(art.Data)))
	return art, nil
}

func decodeArtifact(resp *sagemakerruntime.InvokeEndpointOutput) (*Artifact, error) {
	contentType := aws.ToString(resp.ContentType)
	if strings.HasPrefix(contentType, "image/") {
		if len(resp.Body) == 0 {
			return nil, errors.New("inference returned an empty image")
		}
		return &Artifact{Data: resp.Body, ContentType: contentType}, nil
	}

	var out inferenceResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(out.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to decode inference image: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("inference returned an empty image")
	}
	if out.ContentType == "" {
		out.ContentType = "image/png"
	}
	return &Artifact{Data: data, ContentType: out.ContentType}, nil
}

// classifyInvoke treats a model error as transient when the container itself
// answered with a 5xx or 429.
func classifyInvoke(err error) error {
	var modelErr *types.ModelError
	if errors.As(err, &modelErr) {
		status := aws.ToInt32(modelErr.OriginalStatusCode)
		if status == 429 || status >= 500 {
			return apperr.Transient(err)
		}
		return apperr.Permanent(err)
	}
	return awserr.Classify(err)
}

type EndpointCheckerConfig struct {
	Client       EndpointDescriber
	EndpointName string
}

// EndpointChecker reports whether the inference endpoint can take traffic.
type EndpointChecker struct {
	client   EndpointDescriber
	endpoint string
}

func NewEndpointChecker(config EndpointCheckerConfig) *EndpointChecker {
	return &EndpointChecker{client: config.Client, endpoint: config.EndpointName}
}

// Check returns the endpoint status, and an error when it is not in service.
func (c *EndpointChecker) Check(ctx context.Context) (string, error) {
	resp, err := c.client.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(c.endpoint),
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe endpoint: %w", awserr.Classify(err))
	}
	status := string(resp.EndpointStatus)
	if resp.EndpointStatus != smtypes.EndpointStatusInService {
		return status, apperr.Transient(fmt.Errorf("endpoint %s is %s", c.endpoint, status))
	}
	return status, nil
}
