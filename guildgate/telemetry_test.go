package guildgate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryRecordStampsTimestamp(t *testing.T) {
	t.Parallel()
	sink := NewTelemetrySink(testLogHandler(t))
	stamp := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sink.clock = func() time.Time { return stamp }

	sink.Record(
		context.Background(),
		TelemetryEvent{
			SourceComponent: "entitlement_evaluator",
			ErrorKind:       "StoreUnavailable",
			Message:         "connection reset",
		},
	)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, stamp, events[0].Timestamp)

	// explicit timestamps are kept
	explicit := stamp.Add(-time.Hour)
	sink.Record(
		context.Background(),
		TelemetryEvent{Timestamp: explicit, SourceComponent: "store_gateway"},
	)
	events = sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, explicit, events[1].Timestamp)
}

func TestTelemetryRecordError(t *testing.T) {
	t.Parallel()
	sink := NewTelemetrySink(testLogHandler(t))

	sink.RecordError(
		context.Background(),
		"entitlement_evaluator",
		GuildID("guild-9"),
		fmt.Errorf("resolving record: %w", ErrStoreUnavailable),
		map[string]any{"feature": "welcome_gif"},
	)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, GuildID("guild-9"), events[0].TenantID)
	assert.Equal(t, "entitlement_evaluator", events[0].SourceComponent)
	assert.Equal(t, "StoreUnavailable", events[0].ErrorKind)
	assert.Equal(t, "welcome_gif", events[0].Context["feature"])
}

func TestTelemetryRecordErrorNilIsNoop(t *testing.T) {
	t.Parallel()
	sink := NewTelemetrySink(testLogHandler(t))

	sink.RecordError(context.Background(), "store_gateway", "guild-1", nil, nil)
	assert.Zero(t, sink.Len())
}

func TestTelemetryFlushDrains(t *testing.T) {
	t.Parallel()
	sink := NewTelemetrySink(testLogHandler(t))
	ctx := context.Background()

	sink.Record(ctx, TelemetryEvent{SourceComponent: "a"})
	sink.Record(ctx, TelemetryEvent{SourceComponent: "b"})

	events := sink.Flush()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].SourceComponent)
	assert.Equal(t, "b", events[1].SourceComponent)

	assert.Empty(t, sink.Flush())
	assert.Zero(t, sink.Len())
}

func TestTelemetryEventsSnapshot(t *testing.T) {
	t.Parallel()
	sink := NewTelemetrySink(testLogHandler(t))
	ctx := context.Background()

	sink.Record(ctx, TelemetryEvent{SourceComponent: "a"})

	snapshot := sink.Events()
	require.Len(t, snapshot, 1)

	// the snapshot doesn't drain
	assert.Equal(t, 1, sink.Len())
}

func TestErrorKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrStoreUnavailable, "StoreUnavailable"},
		{fmt.Errorf("wrapped: %w", ErrStoreUnavailable), "StoreUnavailable"},
		{ErrConflict, "ConflictError"},
		{ErrNotFound, "NotFound"},
		{ErrCompatibilityUnresolved, "CompatibilityUnresolved"},
		{errors.New("something else"), "Unknown"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, errorKind(tc.err))
	}
}
