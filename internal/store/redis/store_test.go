package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edudashpro/presence/backend-go/internal/presence"
)

type replyError string

func (e replyError) Error() string { return string(e) }
func (replyError) RedisError()     {}

func TestIsFunctionMissing(t *testing.T) {
	assert.True(t, isFunctionMissing(replyError("ERR Function not found")))
	assert.True(t, isFunctionMissing(fmt.Errorf("fcall: %w", replyError("ERR Function not found"))))
	assert.False(t, isFunctionMissing(replyError("NOSCRIPT No matching script")))
	assert.False(t, isFunctionMissing(errors.New("ERR Function not found")))
	assert.False(t, isFunctionMissing(nil))
}

func TestDecodeEvent_FromFunction(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"eventType":"INSERT","new":{"user_id":"u1","status":"online","last_seen_at":1792152000000}}`))
	require.NoError(t, err)

	assert.Equal(t, presence.EventInsert, ev.Type)
	assert.Equal(t, presence.StatusOnline, ev.Record.Status)
	assert.Equal(t, time.UnixMilli(1792152000000).UTC(), ev.Record.LastSeenAt)
}

func TestDecodeEvent_RoundTripsFallbackPayload(t *testing.T) {
	rec := presence.Record{UserID: "u2", Status: presence.StatusAway, LastSeenAt: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	payload, err := json.Marshal(wireEvent{EventType: "UPDATE", New: toWire(rec)})
	require.NoError(t, err)

	ev, err := decodeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, rec, ev.Record)
}

func TestDecodeEvent_Delete(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"eventType":"DELETE","new":{"user_id":"u3"}}`))
	require.NoError(t, err)
	assert.Equal(t, presence.EventDelete, ev.Type)
	assert.Equal(t, "u3", ev.Record.UserID)
}

func TestDecodeEvent_Rejects(t *testing.T) {
	for _, payload := range []string{
		`garbage`,
		`{"eventType":"UPDATE"}`,
		`{"eventType":"UPDATE","new":{"user_id":"u","status":"busy"}}`,
		`{"eventType":"EXPIRE","new":{"user_id":"u","status":"online"}}`,
	} {
		_, err := decodeEvent([]byte(payload))
		assert.Error(t, err, payload)
	}
}

func TestRecordFromHash(t *testing.T) {
	rec, err := recordFromHash("u1", map[string]string{"status": "offline", "last_seen_at": "1792152000000"})
	require.NoError(t, err)
	assert.Equal(t, presence.StatusOffline, rec.Status)
	assert.Equal(t, time.UnixMilli(1792152000000).UTC(), rec.LastSeenAt)

	rec, err = recordFromHash("u1", map[string]string{"status": "online", "last_seen_at": "soon"})
	require.NoError(t, err)
	assert.True(t, rec.LastSeenAt.IsZero())

	_, err = recordFromHash("u1", map[string]string{})
	assert.Error(t, err)
}

func TestFunctionLibraryRegistersUpsert(t *testing.T) {
	assert.Contains(t, functionLibrary, "#!lua name=presence")
	assert.Contains(t, functionLibrary, "'"+functionName+"'")
}
