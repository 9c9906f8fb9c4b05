// Package idempotency deduplicates logically identical requests. Requests
// are fingerprinted by a deterministic key over their operation type,
// normalized input and attachments; records track in-flight, completed and
// failed outcomes so a duplicate submission can be collapsed onto the
// first one.
package idempotency

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	coordinator "github.com/wolfeidau/resource-coordinator"
)

// Key is a deterministic fingerprint of a request's semantic content plus
// the TTL window during which a matching record counts as a duplicate.
type Key struct {
	Value string
	TTL   time.Duration
}

// GenerateKey derives the idempotency key for a request. The input is
// normalized before hashing so map key order never changes the key, and
// attachment ids contribute sorted, so semantically identical requests
// always collide.
func GenerateKey(operationType string, input any, attachmentIDs []string, ttl time.Duration) (Key, error) {
	canonical, err := canonicalize(input)
	if err != nil {
		return Key{}, fmt.Errorf("normalizing input: %w", err)
	}

	ids := make([]string, 0, len(attachmentIDs))
	for _, id := range attachmentIDs {
		ids = append(ids, coordinator.DigestKey(id))
	}
	sort.Strings(ids)

	material := operationType + "\n" + canonical + "\n" + strings.Join(ids, ",")
	return Key{Value: coordinator.DigestKey(material), TTL: ttl}, nil
}

// canonicalize renders input as JSON with deterministic key ordering at
// every nesting level. Structs are round-tripped through a generic decode
// so their field order is irrelevant too.
func canonicalize(input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}

	// encoding/json sorts map keys on marshal, which makes the second
	// pass canonical for arbitrarily nested objects.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}
