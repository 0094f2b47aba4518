package outbox

import (
	"encoding/json"
	"fmt"
)

// Topic is the closed enumeration of side-effect operations the outbox can
// produce. Adding a topic requires registering a handler for it; the
// registry's completeness check fails startup otherwise.
type Topic string

const (
	// TopicDocumentCreate creates a meeting document in external storage.
	TopicDocumentCreate Topic = "document.create"
	// TopicDocumentMove files a document into its routed folder.
	TopicDocumentMove Topic = "document.move"
	// TopicApprovalRequest posts a routing-approval request to the
	// notification channel.
	TopicApprovalRequest Topic = "notification.approval-request"
)

// AllTopics returns every topic the outbox can produce.
func AllTopics() []Topic {
	return []Topic{TopicDocumentCreate, TopicDocumentMove, TopicApprovalRequest}
}

// ParseTopic validates a raw topic string.
func ParseTopic(raw string) (Topic, error) {
	topic := Topic(raw)

	if !topic.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrTopicUnknown, raw)
	}

	return topic, nil
}

// IsValid reports whether the topic is part of the closed enumeration.
func (topic Topic) IsValid() bool {
	switch topic {
	case TopicDocumentCreate, TopicDocumentMove, TopicApprovalRequest:
		return true
	default:
		return false
	}
}

func (topic Topic) String() string {
	return string(topic)
}

// DocumentCreatePayload asks external storage to create a meeting document.
type DocumentCreatePayload struct {
	TenantID string `json:"tenantId"`
	Title    string `json:"title"`
	Account  string `json:"account"`
	Project  string `json:"project"`
	Date     string `json:"date"`
	Content  string `json:"content"`
}

// DocumentMovePayload files a created document into a folder.
type DocumentMovePayload struct {
	DocumentID string `json:"documentId"`
	FolderID   string `json:"folderId"`
}

// ApprovalRequestPayload asks the notification channel for routing approval.
type ApprovalRequestPayload struct {
	TenantID      string   `json:"tenantId"`
	EntityID      string   `json:"entityId"`
	DocID         string   `json:"docId"`
	RoutedClient  string   `json:"routedClient,omitempty"`
	RoutedProject string   `json:"routedProject,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

// DecodePayload unmarshals a record payload into target. A payload that
// cannot decode can never succeed, so the error is permanent.
func DecodePayload(record *Record, target any) error {
	if record == nil {
		return ErrRecordRequired
	}

	if err := json.Unmarshal(record.Payload, target); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", record.Topic, err))
	}

	return nil
}
