package outbox

import (
	"context"
	"fmt"

	"github.com/yuto-f04/crm-psa-integrate-tool/relay/resilience"
)

// Dependency keys used for breaker and rate-limit scoping. One key per
// downstream service, not per topic: document.create and document.move share
// the document-storage dependency.
const (
	DependencyDocuments     = "documents"
	DependencyNotifications = "notifications"
)

// DocumentClient is the external document-storage collaborator.
type DocumentClient interface {
	CreateDocument(ctx context.Context, params DocumentCreatePayload) (*DocumentResult, error)
	MoveDocument(ctx context.Context, documentID, folderID string) error
}

// DocumentResult is what document storage returns for a created document.
type DocumentResult struct {
	DocumentID string
	FolderID   string
	Link       string
}

// NotificationClient is the external chat-notification collaborator.
type NotificationClient interface {
	PostApproval(ctx context.Context, channel string, payload ApprovalRequestPayload) error
}

type documentCreateHandler struct {
	client   DocumentClient
	executor *resilience.Executor
}

// NewDocumentCreateHandler builds the handler for document.create.
//
//nolint:ireturn
func NewDocumentCreateHandler(client DocumentClient, executor *resilience.Executor) (Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("document create handler: %w", ErrHandlerRequired)
	}

	if executor == nil {
		return nil, fmt.Errorf("document create handler: %w", ErrExecutorRequired)
	}

	return &documentCreateHandler{client: client, executor: executor}, nil
}

func (h *documentCreateHandler) Topic() Topic { return TopicDocumentCreate }

func (h *documentCreateHandler) Handle(ctx context.Context, record *Record) error {
	var payload DocumentCreatePayload
	if err := DecodePayload(record, &payload); err != nil {
		return err
	}

	if payload.Title == "" {
		return Permanent(fmt.Errorf("document.create: title is empty"))
	}

	_, err := h.executor.Execute(ctx, DependencyDocuments, func(ctx context.Context) (any, error) {
		return h.client.CreateDocument(ctx, payload)
	})

	return err
}

type documentMoveHandler struct {
	client   DocumentClient
	executor *resilience.Executor
}

// NewDocumentMoveHandler builds the handler for document.move.
//
//nolint:ireturn
func NewDocumentMoveHandler(client DocumentClient, executor *resilience.Executor) (Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("document move handler: %w", ErrHandlerRequired)
	}

	if executor == nil {
		return nil, fmt.Errorf("document move handler: %w", ErrExecutorRequired)
	}

	return &documentMoveHandler{client: client, executor: executor}, nil
}

func (h *documentMoveHandler) Topic() Topic { return TopicDocumentMove }

func (h *documentMoveHandler) Handle(ctx context.Context, record *Record) error {
	var payload DocumentMovePayload
	if err := DecodePayload(record, &payload); err != nil {
		return err
	}

	if payload.DocumentID == "" || payload.FolderID == "" {
		return Permanent(fmt.Errorf("document.move: document id and folder id are required"))
	}

	_, err := h.executor.Execute(ctx, DependencyDocuments, func(ctx context.Context) (any, error) {
		return nil, h.client.MoveDocument(ctx, payload.DocumentID, payload.FolderID)
	})

	return err
}

type approvalRequestHandler struct {
	client   NotificationClient
	channel  string
	executor *resilience.Executor
}

// NewApprovalRequestHandler builds the handler for
// notification.approval-request, posting to the given channel.
//
//nolint:ireturn
func NewApprovalRequestHandler(client NotificationClient, channel string, executor *resilience.Executor) (Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("approval request handler: %w", ErrHandlerRequired)
	}

	if executor == nil {
		return nil, fmt.Errorf("approval request handler: %w", ErrExecutorRequired)
	}

	return &approvalRequestHandler{client: client, channel: channel, executor: executor}, nil
}

func (h *approvalRequestHandler) Topic() Topic { return TopicApprovalRequest }

func (h *approvalRequestHandler) Handle(ctx context.Context, record *Record) error {
	var payload ApprovalRequestPayload
	if err := DecodePayload(record, &payload); err != nil {
		return err
	}

	if payload.EntityID == "" {
		return Permanent(fmt.Errorf("approval-request: entity id is empty"))
	}

	_, err := h.executor.Execute(ctx, DependencyNotifications, func(ctx context.Context) (any, error) {
		return nil, h.client.PostApproval(ctx, h.channel, payload)
	})

	return err
}
