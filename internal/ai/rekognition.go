package ai

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/awserr"
	"github.com/celebthumb-ai/internal/logging"
)

// RekognitionClient is the subset of the Rekognition API the recognizer uses.
type RekognitionClient interface {
	RecognizeCelebrities(ctx context.Context, params *rekognition.RecognizeCelebritiesInput, optFns ...func(*rekognition.Options)) (*rekognition.RecognizeCelebritiesOutput, error)
	DetectLabels(ctx context.Context, params *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
}

var _ RekognitionClient = (*rekognition.Client)(nil)

type RecognizerConfig struct {
	RekognitionClient RekognitionClient
	// Bucket holds uploaded source frames.
	Bucket        string
	MinConfidence float32
	Logger        *zap.Logger
}

type RekognitionRecognizer struct {
	client        RekognitionClient
	bucket        string
	minConfidence float32
	logger        *zap.Logger
}

func NewRekognitionRecognizer(config RecognizerConfig) *RekognitionRecognizer {
	minConfidence := config.MinConfidence
	if minConfidence == 0 {
		minConfidence = 80
	}
	return &RekognitionRecognizer{
		client:        config.RekognitionClient,
		bucket:        config.Bucket,
		minConfidence: minConfidence,
		logger:        logging.OrNop(config.Logger).Named("recognition"),
	}
}

var _ Recognizer = (*RekognitionRecognizer)(nil)

func (r *RekognitionRecognizer) Recognize(ctx context.Context, in RecognitionInput) (*Recognition, error) {
	out := &Recognition{Keywords: Keywords(in.VideoTitle, in.Description)}
	if in.SourceImageKey == "" {
		return out, nil
	}

	image := &types.Image{S3Object: &types.S3Object{
		Bucket: aws.String(r.bucket),
		Name:   aws.String(in.SourceImageKey),
	}}

	celebs, err := r.client.RecognizeCelebrities(ctx, &rekognition.RecognizeCelebritiesInput{Image: image})
	if err != nil {
		return nil, fmt.Errorf("failed to detect celebrities: %w", awserr.Classify(err))
	}
	for _, c := range celebs.CelebrityFaces {
		if c.Name == nil || aws.ToFloat32(c.MatchConfidence) < r.minConfidence {
			continue
		}
		out.Celebrities = append(out.Celebrities, Celebrity{Name: *c.Name, Confidence: aws.ToFloat32(c.MatchConfidence)})
	}

	labels, err := r.client.DetectLabels(ctx, &rekognition.DetectLabelsInput{
		Image:         image,
		MaxLabels:     aws.Int32(10),
		MinConfidence: aws.Float32(r.minConfidence),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to detect labels: %w", awserr.Classify(err))
	}
	for _, l := range labels.Labels {
		if l.Name != nil {
			out.Labels = append(out.Labels, *l.Name)
		}
	}

	r.logger.Debug("source frame recognized",
		zap.String("key", in.SourceImageKey),
		zap.Int("celebrities", len(out.Celebrities)),
		zap.Int("labels", len(out.Labels)))
	return out, nil
}
