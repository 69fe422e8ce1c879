package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	key    string
	events []any
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, event any) error {
	p.key = routingKey
	p.events = append(p.events, event)
	return p.err
}

func (p *capturePublisher) Close() error { return nil }

func TestEmitBuildsEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	e := NewAuditEmitter(pub, "audit.relay", "relay-service", "test")
	e.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	e.Emit(context.Background(), "info", "direct room created", "req-9", 7, map[string]any{"room_id": 3})

	require.Len(t, pub.events, 1)
	env := pub.events[0].(AuditEnvelope)
	assert.Equal(t, "audit.relay", pub.key)
	assert.Equal(t, "audit_log", env.EventType)
	assert.Equal(t, "2024-05-01T12:00:00Z", env.OccurredAt)
	require.NotNil(t, env.UserID)
	assert.Equal(t, 7, *env.UserID)
	assert.Equal(t, 3, env.Payload.Fields["room_id"])
}

func TestEmitOmitsAnonymousUser(t *testing.T) {
	pub := &capturePublisher{}
	NewAuditEmitter(pub, "k", "s", "e").Emit(context.Background(), "warn", "x", "", 0, nil)

	require.Len(t, pub.events, 1)
	assert.Nil(t, pub.events[0].(AuditEnvelope).UserID)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	assert.NotPanics(t, func() {
		NewAuditEmitter(pub, "k", "s", "e").Emit(context.Background(), "info", "x", "", 1, nil)
	})
}

func TestNilEmitterIsNoop(t *testing.T) {
	var e *AuditEmitter
	assert.NotPanics(t, func() {
		e.Emit(context.Background(), "info", "x", "", 1, nil)
	})
}
