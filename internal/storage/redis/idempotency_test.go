package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedega15/front-system-integration/internal/domain/idempotency"
)

func TestDecodeRecord(t *testing.T) {
	rec, err := decodeRecord([]byte(`{"status":"processing","owner":"job-a","claimed_at":"2026-01-01T12:00:00.5Z","completed_at":null,"extra":[1]}`))
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusProcessing, rec.Status)
	assert.Equal(t, "job-a", rec.Owner)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 5e8, time.UTC), rec.ClaimedAt)
	assert.Nil(t, rec.CompletedAt)

	_, err = decodeRecord([]byte(`{"status":"success","claimed_at":"yesterday"}`))
	require.Error(t, err)
}

func TestEncodeRecord_OmitsEmptyFields(t *testing.T) {
	claimed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	data := encodeRecord(&idempotency.Record{Status: idempotency.StatusProcessing, Owner: "job-a", ClaimedAt: claimed})
	assert.JSONEq(t, `{"status":"processing","owner":"job-a","claimed_at":"2026-01-01T12:00:00Z"}`, string(data))
}
