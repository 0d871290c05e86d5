package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
)

const (
	redactedMark   = "[REDACTED]"
	maxTextPreview = 120
)

var (
	secretKeys = []string{"token", "authorization", "password", "secret", "cookie", "api_key", "apikey", "email", "refresh"}
	hashedKeys = []string{"user_id", "userid", "session_id"}
	// chat bodies are user content: log a prefix and the length, never the whole text
	textKeys = []string{"content", "prompt", "delta", "title_text"}
)

type redactor struct {
	enabled bool
	salt    string
}

var (
	activeOnce sync.Once
	active     redactor
)

// current reads LOG_REDACTION_ENABLED and LOG_HASH_SALT once per process.
func current() redactor {
	activeOnce.Do(func() {
		switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_REDACTION_ENABLED"))) {
		case "0", "false", "no", "off":
		default:
			active.enabled = true
		}
		active.salt = strings.TrimSpace(os.Getenv("LOG_HASH_SALT"))
	})
	return active
}

func scrub(kv []interface{}) []interface{} {
	r := current()
	if len(kv) == 0 || !r.enabled {
		return kv
	}
	out := make([]interface{}, len(kv))
	copy(out, kv)
	for i := 0; i+1 < len(out); i += 2 {
		out[i+1] = r.value(normKey(out[i]), out[i+1])
	}
	return out
}

func normKey(k interface{}) string {
	return strings.ToLower(strings.TrimSpace(stringify(k)))
}

func (r redactor) value(key string, v interface{}) interface{} {
	switch {
	case key == "":
		return v
	case matchAny(key, secretKeys):
		return redactedMark
	case matchAny(key, hashedKeys):
		return r.hash(v)
	case matchAny(key, textKeys):
		return preview(v)
	}
	switch t := v.(type) {
	case string:
		if isJWT(t) {
			return redactedMark
		}
	case map[string]interface{}:
		if t == nil {
			return t
		}
		clean := make(map[string]interface{}, len(t))
		for k, inner := range t {
			clean[k] = r.value(normKey(k), inner)
		}
		return clean
	}
	return v
}

func (r redactor) hash(v interface{}) string {
	s := stringify(v)
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(r.salt + s))
	return "hash:" + hex.EncodeToString(sum[:])[:12]
}

func preview(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok || len(s) <= maxTextPreview {
		return v
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:maxTextPreview], len(s))
}

func matchAny(key string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(key, n) {
			return true
		}
	}
	return false
}

func isJWT(s string) bool {
	head, rest, ok := strings.Cut(s, ".")
	if !ok {
		return false
	}
	body, sig, ok := strings.Cut(rest, ".")
	return ok && !strings.Contains(sig, ".") && len(head) > 10 && len(body) > 10
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
