// Package sqs carries deferred run hand-offs through an Amazon SQS queue so
// a separate worker process (or Lambda) can pick them up.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

const (
	defaultWaitSeconds       = 20
	defaultVisibilitySeconds = 900
)

// API is the subset of the SQS client the queue relies on.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue implements scrape.Queue on top of SQS. Messages are deleted as soon
// as they are decoded; a run that fails afterwards is not redelivered.
type Queue struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

var _ scrape.Queue = (*Queue)(nil)

// New wraps an existing SQS client.
func New(client API, queueURL string, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if queueURL == "" {
		return nil, errors.New("queue url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, queueURL: queueURL, logger: logger.Named("sqs_queue")}, nil
}

// NewFromConfig loads the default AWS credential chain for region and builds a Queue.
func NewFromConfig(ctx context.Context, region, queueURL string, logger *zap.Logger) (*Queue, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(sqs.NewFromConfig(awsCfg), queueURL, logger)
}

// Enqueue serializes the hand-off and sends it.
func (q *Queue) Enqueue(ctx context.Context, job scrape.HandOff) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal hand-off: %w", err)
	}
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	q.logger.Debug("hand-off sent",
		zap.String("attempt_id", job.AttemptID),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

// Dequeue long-polls until one decodable hand-off arrives or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (scrape.HandOff, error) {
	for {
		if err := ctx.Err(); err != nil {
			return scrape.HandOff{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     defaultWaitSeconds,
			VisibilityTimeout:   defaultVisibilitySeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return scrape.HandOff{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return scrape.HandOff{}, fmt.Errorf("receive message: %w", err)
		}
		if len(out.Messages) == 0 {
			continue
		}

		msg := out.Messages[0]
		job, decodeErr := DecodeHandOff(aws.ToString(msg.Body))
		if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			q.logger.Warn("delete message failed",
				zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
		}
		if decodeErr != nil {
			q.logger.Error("dropping malformed hand-off",
				zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(decodeErr))
			continue
		}
		return job, nil
	}
}

// DecodeHandOff parses a message body produced by Enqueue.
func DecodeHandOff(body string) (scrape.HandOff, error) {
	var job scrape.HandOff
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return scrape.HandOff{}, fmt.Errorf("decode hand-off: %w", err)
	}
	if job.AttemptID == "" {
		return scrape.HandOff{}, errors.New("decode hand-off: missing scrapingAttemptId")
	}
	return job, nil
}
