package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RawMessage represents an unprocessed message from the request topic.
type RawMessage struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// InferenceRequest asks for the risk map whose window ends at Timestamp.
type InferenceRequest struct {
	Timestamp time.Time `json:"timestamp"`
}

// ParseRequest decodes a request message. When the payload carries no
// timestamp, the message time truncated to the day is used.
func ParseRequest(raw RawMessage) (InferenceRequest, error) {
	var req InferenceRequest
	if err := json.Unmarshal(raw.Value, &req); err != nil {
		return InferenceRequest{}, fmt.Errorf("parse inference request: %w", err)
	}
	if req.Timestamp.IsZero() {
		if raw.Timestamp.IsZero() {
			return InferenceRequest{}, fmt.Errorf("parse inference request: no timestamp")
		}
		req.Timestamp = raw.Timestamp.UTC().Truncate(DefaultStep)
	}
	req.Timestamp = req.Timestamp.UTC()
	return req, nil
}

// OutputMessage is the serialized form destined for the sink topic.
type OutputMessage struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// SerializeRiskMap encodes a risk map for the sink topic, keyed by timestamp.
func SerializeRiskMap(m RiskMap) (OutputMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return OutputMessage{}, fmt.Errorf("serialize risk map: %w", err)
	}
	return OutputMessage{
		Key:   []byte(m.Timestamp.UTC().Format(time.RFC3339)),
		Value: data,
		Headers: map[string]string{
			"model_version": m.ModelVersion,
			"issued_at":     m.IssuedAt.UTC().Format(time.RFC3339),
			"grid":          m.Grid.ID(),
		},
	}, nil
}
