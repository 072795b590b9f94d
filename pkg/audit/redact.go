package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Parameter values flowing to the remote host can include card numbers and
// credentials. Redaction replaces the values of sensitive keys with a salted
// hash, recursively, so the record still shows WHICH fields were sent.
var sensitiveKeyParts = []string{
	"card", "password", "secret", "token", "pin",
}

func redactParams(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		payload := map[string]any{
			"params_hash":     hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	b, _ := json.Marshal(redactValue(decoded, salt))
	return b
}

func redactValue(v any, salt []byte) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSensitiveKey(k) {
				out[k] = hashAny(inner, salt)
				continue
			}
			out[k] = redactValue(inner, salt)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner, salt)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func hashAny(v any, salt []byte) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return hashBytes(raw, salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
