package sqs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

type fakeSQS struct {
	mu       sync.Mutex
	pending  []types.Message
	sent     []string
	deleted  []string
	sendErr  error
	recvErr  error
	received int
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	f.received++
	if f.recvErr != nil {
		f.mu.Unlock()
		return nil, f.recvErr
	}
	if len(f.pending) == 0 {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
			return &sqs.ReceiveMessageOutput{}, nil
		}
	}
	msg := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{msg}}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func message(handle, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
	}
}

func TestNewRequiresClientAndURL(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "https://sqs/q", nil)
	require.Error(t, err)
	_, err = New(&fakeSQS{}, "", nil)
	require.Error(t, err)
}

func TestEnqueueThenDequeueRoundTrip(t *testing.T) {
	t.Parallel()

	client := &fakeSQS{}
	q, err := New(client, "https://sqs/q", nil)
	require.NoError(t, err)

	job := scrape.HandOff{AttemptID: "a1", PlaceIDs: []string{"p1"}, MaxReviews: 5, BusinessPlaceID: "p1", UserProfileID: "42"}
	require.NoError(t, q.Enqueue(context.Background(), job))
	require.Len(t, client.sent, 1)
	require.Contains(t, client.sent[0], `"scrapingAttemptId":"a1"`)

	client.pending = append(client.pending, message("r1", client.sent[0]))
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, job, got)
	require.Equal(t, []string{"r1"}, client.deleted)
}

func TestEnqueueWrapsSendErrors(t *testing.T) {
	t.Parallel()

	q, err := New(&fakeSQS{sendErr: errors.New("throttled")}, "https://sqs/q", nil)
	require.NoError(t, err)
	err = q.Enqueue(context.Background(), scrape.HandOff{AttemptID: "a1"})
	require.ErrorContains(t, err, "send message: throttled")
}

func TestDequeueDropsMalformedMessages(t *testing.T) {
	t.Parallel()

	client := &fakeSQS{pending: []types.Message{
		message("bad", "{not json"),
		message("empty", `{"placeIds":["p"]}`),
		message("good", `{"scrapingAttemptId":"a2","placeIds":["p"],"maxReviews":1,"businessPlaceId":"p"}`),
	}}
	q, err := New(client, "https://sqs/q", nil)
	require.NoError(t, err)

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a2", got.AttemptID)
	require.Equal(t, []string{"bad", "empty", "good"}, client.deleted)
}

func TestDequeueStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	q, err := New(&fakeSQS{}, "https://sqs/q", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDequeueReturnsReceiveErrors(t *testing.T) {
	t.Parallel()

	q, err := New(&fakeSQS{recvErr: errors.New("denied")}, "https://sqs/q", nil)
	require.NoError(t, err)
	_, err = q.Dequeue(context.Background())
	require.ErrorContains(t, err, "receive message: denied")
}

func TestDecodeHandOff(t *testing.T) {
	t.Parallel()

	_, err := DecodeHandOff(`{}`)
	require.Error(t, err)

	job, err := DecodeHandOff(`{"scrapingAttemptId":"x","placeIds":["a","b"],"maxReviews":3,"businessPlaceId":"a"}`)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, job.PlaceIDs)
	require.Equal(t, 3, job.MaxReviews)
}
