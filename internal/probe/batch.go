// Package probe drives a single echo run against a broker: connect,
// subscribe, publish a batch of messages in rounds, and wait until the
// expected number of them has come back.
package probe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"mqtt-echo-probe/config"
)

// Batch is the ordered list of payloads published every round. Each item
// is the compact JSON encoding of one element of the configured array.
type Batch [][]byte

// ParseBatch parses a JSON array. An empty string yields an empty batch,
// which publishes nothing.
func ParseBatch(s string) (Batch, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Batch{}, nil
	}
	if !strings.HasPrefix(trimmed, "[") {
		return nil, fmt.Errorf("%w: message must be a JSON array", config.ErrConfiguration)
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, fmt.Errorf("%w: failed to parse message: %w", config.ErrConfiguration, err)
	}

	batch := make(Batch, 0, len(items))
	for _, item := range items {
		var buf bytes.Buffer
		if err := json.Compact(&buf, item); err != nil {
			return nil, fmt.Errorf("%w: failed to encode message item: %w", config.ErrConfiguration, err)
		}
		batch = append(batch, buf.Bytes())
	}
	return batch, nil
}

// LoadBatch reads a JSON array batch from path
func LoadBatch(path string) (Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read message file: %w", config.ErrConfiguration, err)
	}

	batch, err := ParseBatch(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return batch, nil
}

// BatchFromConfig returns the batch named by run, preferring the message
// file over the inline message
func BatchFromConfig(run config.RunConfig) (Batch, error) {
	if run.MessageFile != "" {
		return LoadBatch(run.MessageFile)
	}
	return ParseBatch(run.Message)
}
