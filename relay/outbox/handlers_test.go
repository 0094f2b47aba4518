//go:build unit

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/breaker"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/resilience"
)

type fakeDocumentClient struct {
	createCalls atomic.Int32
	moveCalls   atomic.Int32
	createErr   error
	moveErr     error

	lastMoveDocumentID string
	lastMoveFolderID   string
}

func (c *fakeDocumentClient) CreateDocument(_ context.Context, params DocumentCreatePayload) (*DocumentResult, error) {
	c.createCalls.Add(1)

	if c.createErr != nil {
		return nil, c.createErr
	}

	return &DocumentResult{DocumentID: "doc-1", FolderID: "folder-1", Link: "https://docs/" + params.Title}, nil
}

func (c *fakeDocumentClient) MoveDocument(_ context.Context, documentID, folderID string) error {
	c.moveCalls.Add(1)
	c.lastMoveDocumentID = documentID
	c.lastMoveFolderID = folderID

	return c.moveErr
}

type fakeNotificationClient struct {
	postCalls   atomic.Int32
	postErr     error
	lastChannel string
	lastPayload ApprovalRequestPayload
}

func (c *fakeNotificationClient) PostApproval(_ context.Context, channel string, payload ApprovalRequestPayload) error {
	c.postCalls.Add(1)
	c.lastChannel = channel
	c.lastPayload = payload

	return c.postErr
}

// singleAttemptExecutor keeps handler tests focused on handler behavior
// rather than the retry loop, which has its own tests.
func singleAttemptExecutor() *resilience.Executor {
	return resilience.NewExecutor(
		resilience.WithRetryPolicy(resilience.RetryPolicy{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		}),
	)
}

func recordWithPayload(t *testing.T, topic Topic, payload any) *Record {
	t.Helper()

	encoded, err := json.Marshal(payload)
	require.NoError(t, err)

	record, err := NewRecord("tenant-1", topic, encoded, "key")
	require.NoError(t, err)

	return record
}

func TestDocumentCreateHandlerSuccess(t *testing.T) {
	t.Parallel()

	client := &fakeDocumentClient{}

	handler, err := NewDocumentCreateHandler(client, singleAttemptExecutor())
	require.NoError(t, err)
	require.Equal(t, TopicDocumentCreate, handler.Topic())

	record := recordWithPayload(t, TopicDocumentCreate, DocumentCreatePayload{
		TenantID: "tenant-1",
		Title:    "Weekly sync",
	})

	require.NoError(t, handler.Handle(context.Background(), record))
	assert.Equal(t, int32(1), client.createCalls.Load())
}

func TestDocumentCreateHandlerMissingTitleIsPermanent(t *testing.T) {
	t.Parallel()

	client := &fakeDocumentClient{}

	handler, err := NewDocumentCreateHandler(client, singleAttemptExecutor())
	require.NoError(t, err)

	record := recordWithPayload(t, TopicDocumentCreate, DocumentCreatePayload{TenantID: "tenant-1"})

	err = handler.Handle(context.Background(), record)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Zero(t, client.createCalls.Load(), "invalid payloads never reach the downstream")
}

func TestDocumentCreateHandlerMalformedPayloadIsPermanent(t *testing.T) {
	t.Parallel()

	handler, err := NewDocumentCreateHandler(&fakeDocumentClient{}, singleAttemptExecutor())
	require.NoError(t, err)

	record, err := NewRecord("tenant-1", TopicDocumentCreate, []byte(`{"title":7}`), "key")
	require.NoError(t, err)

	err = handler.Handle(context.Background(), record)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestDocumentMoveHandlerSuccess(t *testing.T) {
	t.Parallel()

	client := &fakeDocumentClient{}

	handler, err := NewDocumentMoveHandler(client, singleAttemptExecutor())
	require.NoError(t, err)
	require.Equal(t, TopicDocumentMove, handler.Topic())

	record := recordWithPayload(t, TopicDocumentMove, DocumentMovePayload{
		DocumentID: "doc-1",
		FolderID:   "folder-9",
	})

	require.NoError(t, handler.Handle(context.Background(), record))
	assert.Equal(t, "doc-1", client.lastMoveDocumentID)
	assert.Equal(t, "folder-9", client.lastMoveFolderID)
}

func TestDocumentMoveHandlerMissingIDsIsPermanent(t *testing.T) {
	t.Parallel()

	client := &fakeDocumentClient{}

	handler, err := NewDocumentMoveHandler(client, singleAttemptExecutor())
	require.NoError(t, err)

	record := recordWithPayload(t, TopicDocumentMove, DocumentMovePayload{DocumentID: "doc-1"})

	err = handler.Handle(context.Background(), record)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Zero(t, client.moveCalls.Load())
}

func TestApprovalRequestHandlerPostsToChannel(t *testing.T) {
	t.Parallel()

	client := &fakeNotificationClient{}

	handler, err := NewApprovalRequestHandler(client, "#meeting-routing", singleAttemptExecutor())
	require.NoError(t, err)
	require.Equal(t, TopicApprovalRequest, handler.Topic())

	record := recordWithPayload(t, TopicApprovalRequest, ApprovalRequestPayload{
		TenantID: "tenant-1",
		EntityID: "meeting-42",
		DocID:    "doc-1",
	})

	require.NoError(t, handler.Handle(context.Background(), record))
	assert.Equal(t, "#meeting-routing", client.lastChannel)
	assert.Equal(t, "meeting-42", client.lastPayload.EntityID)
}

func TestApprovalRequestHandlerMissingEntityIsPermanent(t *testing.T) {
	t.Parallel()

	client := &fakeNotificationClient{}

	handler, err := NewApprovalRequestHandler(client, "#meeting-routing", singleAttemptExecutor())
	require.NoError(t, err)

	record := recordWithPayload(t, TopicApprovalRequest, ApprovalRequestPayload{TenantID: "tenant-1"})

	err = handler.Handle(context.Background(), record)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Zero(t, client.postCalls.Load())
}

func TestHandlerDownstreamErrorSurfacesAsTransient(t *testing.T) {
	t.Parallel()

	client := &fakeDocumentClient{createErr: errors.New("503 service unavailable")}

	handler, err := NewDocumentCreateHandler(client, singleAttemptExecutor())
	require.NoError(t, err)

	record := recordWithPayload(t, TopicDocumentCreate, DocumentCreatePayload{
		TenantID: "tenant-1",
		Title:    "Weekly sync",
	})

	err = handler.Handle(context.Background(), record)
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "downstream failures stay retryable")
}

func TestDocumentHandlersShareBreakerDependency(t *testing.T) {
	t.Parallel()

	executor := resilience.NewExecutor(
		resilience.WithRetryPolicy(resilience.RetryPolicy{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		}),
		resilience.WithBreakerConfig(breaker.Config{
			FailureThreshold:     2,
			RecoveryTime:         time.Minute,
			HalfOpenMaxSuccesses: 1,
		}),
	)

	client := &fakeDocumentClient{
		createErr: errors.New("boom"),
		moveErr:   errors.New("boom"),
	}

	createHandler, err := NewDocumentCreateHandler(client, executor)
	require.NoError(t, err)

	moveHandler, err := NewDocumentMoveHandler(client, executor)
	require.NoError(t, err)

	createRecord := recordWithPayload(t, TopicDocumentCreate, DocumentCreatePayload{Title: "x"})
	moveRecord := recordWithPayload(t, TopicDocumentMove, DocumentMovePayload{DocumentID: "d", FolderID: "f"})

	// Failures from both topics accumulate on the shared documents breaker.
	require.Error(t, createHandler.Handle(context.Background(), createRecord))
	require.Error(t, moveHandler.Handle(context.Background(), moveRecord))

	assert.Equal(t, breaker.StateOpen, executor.Breakers().GetState(DependencyDocuments))

	err = createHandler.Handle(context.Background(), createRecord)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(1), client.createCalls.Load(), "open circuit blocks further calls")
}

func TestHandlerConstructorValidation(t *testing.T) {
	t.Parallel()

	executor := singleAttemptExecutor()

	_, err := NewDocumentCreateHandler(nil, executor)
	assert.ErrorIs(t, err, ErrHandlerRequired)

	_, err = NewDocumentCreateHandler(&fakeDocumentClient{}, nil)
	assert.ErrorIs(t, err, ErrExecutorRequired)

	_, err = NewDocumentMoveHandler(nil, executor)
	assert.ErrorIs(t, err, ErrHandlerRequired)

	_, err = NewApprovalRequestHandler(nil, "#c", executor)
	assert.ErrorIs(t, err, ErrHandlerRequired)
}
