package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/couchcryptid/fire-risk-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapMessageToRawMessage(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("key-1"),
		Value:     []byte(`{"timestamp":"2024-04-12T00:00:00Z"}`),
		Topic:     "fire-risk-requests",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte("scheduler")},
		},
	}

	raw := mapMessageToRawMessage(msg)

	assert.Equal(t, []byte("key-1"), raw.Key)
	assert.JSONEq(t, `{"timestamp":"2024-04-12T00:00:00Z"}`, string(raw.Value))
	assert.Equal(t, "fire-risk-requests", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "scheduler", raw.Headers["source"])
	assert.Nil(t, raw.Commit)
}

func TestSerializeToMessage(t *testing.T) {
	ts := time.Date(2024, 4, 12, 0, 0, 0, 0, time.UTC)
	issued := time.Date(2024, 4, 12, 6, 30, 0, 0, time.UTC)
	m := domain.RiskMap{
		Grid:          domain.MustGridSpec(45, 45.2, 126, 126.1, 0.1),
		Timestamp:     ts,
		IssuedAt:      issued,
		ModelVersion:  "v7",
		Threshold:     0.42,
		Probabilities: []float64{0.1, 0.8},
		Missing:       []bool{false, false},
	}

	msg, err := serializeToMessage(m)
	require.NoError(t, err)

	assert.Equal(t, []byte("2024-04-12T00:00:00Z"), msg.Key)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "grid", msg.Headers[0].Key)
	assert.Equal(t, "issued_at", msg.Headers[1].Key)
	assert.Equal(t, []byte(issued.Format(time.RFC3339)), msg.Headers[1].Value)
	assert.Equal(t, "model_version", msg.Headers[2].Key)
	assert.Equal(t, []byte("v7"), msg.Headers[2].Value)

	var decoded domain.RiskMap
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ts, decoded.Timestamp)
	assert.Equal(t, []float64{0.1, 0.8}, decoded.Probabilities)
}
