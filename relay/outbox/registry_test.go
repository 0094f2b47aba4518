//go:build unit

package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(topic Topic) Handler {
	return HandlerFunc{For: topic, Fn: func(context.Context, *Record) error { return nil }}
}

func fullRegistry(t *testing.T) *Registry {
	t.Helper()

	registry := NewRegistry()
	for _, topic := range AllTopics() {
		require.NoError(t, registry.Register(noopHandler(topic)))
	}

	return registry
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	require.NoError(t, registry.Register(noopHandler(TopicDocumentCreate)))

	handler, err := registry.Resolve(TopicDocumentCreate)
	require.NoError(t, err)
	assert.Equal(t, TopicDocumentCreate, handler.Topic())

	_, err = registry.Resolve(TopicDocumentMove)
	assert.ErrorIs(t, err, ErrHandlerMissing)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	require.NoError(t, registry.Register(noopHandler(TopicDocumentCreate)))
	assert.ErrorIs(t, registry.Register(noopHandler(TopicDocumentCreate)), ErrHandlerRegistered)
}

func TestRegistryRejectsUnknownTopicAndNil(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	assert.ErrorIs(t, registry.Register(nil), ErrHandlerRequired)
	assert.ErrorIs(t, registry.Register(noopHandler(Topic("document.delete"))), ErrTopicUnknown)
}

func TestRegistryCompletenessCheck(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(noopHandler(TopicDocumentCreate)))
	require.NoError(t, registry.Register(noopHandler(TopicDocumentMove)))

	err := registry.ValidateComplete()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerMissing)

	require.NoError(t, registry.Register(noopHandler(TopicApprovalRequest)))
	assert.NoError(t, registry.ValidateComplete())
}

func TestParseTopic(t *testing.T) {
	t.Parallel()

	topic, err := ParseTopic("notification.approval-request")
	require.NoError(t, err)
	assert.Equal(t, TopicApprovalRequest, topic)

	_, err = ParseTopic("document.delete")
	assert.ErrorIs(t, err, ErrTopicUnknown)
}

func TestDecodePayloadPermanentOnMalformed(t *testing.T) {
	t.Parallel()

	record, err := NewRecord("tenant-1", TopicDocumentMove, []byte(`{"documentId":7}`), "key")
	require.NoError(t, err)

	var payload DocumentMovePayload

	err = DecodePayload(record, &payload)
	require.Error(t, err)
	assert.True(t, IsPermanent(err), "undecodable payloads can never succeed")
}
