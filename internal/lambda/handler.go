// Package lambda adapts the service to the AWS Lambda runtime. One function
// receives API Gateway proxy requests, SQS batches of deferred hand-offs and
// direct asynchronous invocations.
package lambda

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/queue/sqs"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

// ErrUnsupportedEvent is returned for payloads that match no known shape.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// Handler routes raw Lambda events.
type Handler struct {
	http   http.Handler
	runner scrape.Runner
	logger *zap.Logger
}

// New constructs a Handler.
func New(httpHandler http.Handler, runner scrape.Runner, logger *zap.Logger) (*Handler, error) {
	if httpHandler == nil {
		return nil, errors.New("http handler is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{http: httpHandler, runner: runner, logger: logger.Named("lambda")}, nil
}

// Start hands control to the Lambda runtime. It does not return.
func (h *Handler) Start() {
	awslambda.Start(h.Handle)
}

type probe struct {
	Records []struct {
		EventSource string `json:"eventSource"`
	} `json:"Records"`
	HTTPMethod       string `json:"httpMethod"`
	IsAsyncExecution bool   `json:"isAsyncExecution"`
}

// Handle dispatches one invocation by its payload shape.
func (h *Handler) Handle(ctx context.Context, event json.RawMessage) (any, error) {
	var p probe
	if err := json.Unmarshal(event, &p); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch {
	case len(p.Records) > 0 && p.Records[0].EventSource == "aws:sqs":
		var batch events.SQSEvent
		if err := json.Unmarshal(event, &batch); err != nil {
			return nil, fmt.Errorf("decode sqs event: %w", err)
		}
		return h.handleSQS(ctx, batch), nil
	case p.HTTPMethod != "":
		var req events.APIGatewayProxyRequest
		if err := json.Unmarshal(event, &req); err != nil {
			return nil, fmt.Errorf("decode proxy request: %w", err)
		}
		return h.handleProxy(ctx, req)
	case p.IsAsyncExecution:
		job, err := sqs.DecodeHandOff(string(event))
		if err != nil {
			return nil, err
		}
		return h.runner.Run(ctx, job)
	default:
		return nil, ErrUnsupportedEvent
	}
}

// handleSQS runs each hand-off in order. Runs are never retried, so every
// record is acknowledged; malformed bodies are logged and dropped.
func (h *Handler) handleSQS(ctx context.Context, batch events.SQSEvent) events.SQSEventResponse {
	for _, record := range batch.Records {
		job, err := sqs.DecodeHandOff(record.Body)
		if err != nil {
			h.logger.Error("dropping malformed hand-off", zap.String("message_id", record.MessageId), zap.Error(err))
			continue
		}
		result, err := h.runner.Run(ctx, job)
		if err != nil {
			h.logger.Warn("deferred run failed", zap.String("attempt_id", job.AttemptID), zap.Error(err))
			continue
		}
		if result != nil {
			h.logger.Info("deferred run finished",
				zap.String("attempt_id", job.AttemptID),
				zap.Int("total_items", result.TotalItems),
				zap.Int("successful_inserts", result.SuccessfulInserts))
		}
	}
	return events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{}}
}

func (h *Handler) handleProxy(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	httpReq, err := toHTTPRequest(ctx, req)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	rw := newBufferedWriter()
	h.http.ServeHTTP(rw, httpReq)
	return rw.proxyResponse(), nil
}

func toHTTPRequest(ctx context.Context, req events.APIGatewayProxyRequest) (*http.Request, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		body = decoded
	}

	query := url.Values{}
	for k, vs := range req.MultiValueQueryStringParameters {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	for k, v := range req.QueryStringParameters {
		if _, ok := query[k]; !ok {
			query.Set(k, v)
		}
	}

	path := req.Path
	if path == "" {
		path = "/"
	}
	target := &url.URL{Path: path, RawQuery: query.Encode()}
	httpReq, err := http.NewRequestWithContext(ctx, req.HTTPMethod, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.MultiValueHeaders {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, v := range req.Headers {
		if httpReq.Header.Get(k) == "" {
			httpReq.Header.Set(k, v)
		}
	}
	if id := req.RequestContext.RequestID; id != "" && httpReq.Header.Get("X-Request-ID") == "" {
		httpReq.Header.Set("X-Request-ID", id)
	}
	return httpReq, nil
}

type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: http.Header{}}
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *bufferedWriter) proxyResponse() events.APIGatewayProxyResponse {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	single := make(map[string]string, len(w.header))
	for k, vs := range w.header {
		single[k] = strings.Join(vs, ",")
	}
	return events.APIGatewayProxyResponse{
		StatusCode:        status,
		Headers:           single,
		MultiValueHeaders: map[string][]string(w.header),
		Body:              w.body.String(),
	}
}
