package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TTLSeconds converts ttl to whole seconds for storage, rounding up so a
// positive sub-second TTL never becomes zero. Zero and negative ttls give 0.
func TTLSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Second - 1) / time.Second)
}

// EncodeFields serializes extracted fields for storage. Nil and empty maps
// encode as "{}".
func EncodeFields(fields map[string]any) ([]byte, error) {
	if len(fields) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return data, nil
}

// DecodeFields is the inverse of EncodeFields. Numbers decode as
// json.Number so values round-trip unchanged.
func DecodeFields(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}
