// Package idempotency deduplicates action executions. Keys derive from the
// request's stable identity, so the same decision retried by an upstream
// never performs the same remote mutation twice within the cache window.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/signalbridge/actioncore/core"
)

// KeyFor builds the idempotency key "signalId:action:target:hash" where the
// hash covers the canonicalized params. Requests without a signal id use
// the correlation id so manual invocations still deduplicate.
func KeyFor(req core.ActionRequest) string {
	signal := req.SignalID
	if signal == "" {
		signal = req.CorrelationID
	}
	return fmt.Sprintf("%s:%s:%s:%s", signal, req.Action, req.Target, HashParams(req.Params))
}

// HashParams returns the first 16 hex characters of the SHA-256 of the
// canonical JSON encoding of params. Nil and empty params hash identically.
func HashParams(params map[string]interface{}) string {
	if params == nil {
		params = map[string]interface{}{}
	}
	// encoding/json sorts map keys, which gives a canonical encoding for
	// the map-of-interface shapes params are restricted to
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// KeyParts is the best-effort decomposition of an idempotency key, for
// diagnostics only. The action segment may itself contain separators, so
// parsing anchors on the fixed-width hash at the end.
type KeyParts struct {
	SignalID string
	Action   string
	Target   string
	Hash     string
}

// ParseKey splits a key produced by KeyFor. It returns false when the key
// does not have the expected shape.
func ParseKey(key string) (KeyParts, bool) {
	segments := strings.Split(key, ":")
	if len(segments) < 4 {
		return KeyParts{}, false
	}
	hash := segments[len(segments)-1]
	if len(hash) != 16 || !isHex(hash) {
		return KeyParts{}, false
	}
	return KeyParts{
		SignalID: segments[0],
		Action:   strings.Join(segments[1:len(segments)-2], ":"),
		Target:   segments[len(segments)-2],
		Hash:     hash,
	}, true
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
