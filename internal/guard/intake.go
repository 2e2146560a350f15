package guard

import (
	"encoding/json"
	"regexp"
	"strings"
)

const maxBodyPreviewChars = 2000

var hexRe = regexp.MustCompile(`^[0-9a-f]+$`)

// sanitizeNodePrefix reduces a sender identifier to its 16-character
// lowercase hex prefix, or the reserved token "invalid" if it does not look
// like a hex node id. Breaker files, the text log and the in-memory loop,
// rate and solicited-send maps key senders by this prefix; classification
// rows store the full identifier and are matched on its first 16
// characters.
func sanitizeNodePrefix(fromNode string) string {
	prefix := fromNode
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	prefix = strings.ToLower(prefix)
	if !hexRe.MatchString(prefix) {
		return "invalid"
	}
	return prefix
}

// coerceBody normalizes an arbitrary inbound message body into a map with a
// "content" key: a JSON string is parsed; a parsed non-object value (or a
// body that isn't a string to begin with but also isn't a map) is wrapped
// as {"content": ...}; nil becomes an empty map.
func coerceBody(body any) map[string]any {
	switch v := body.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			if m, ok := parsed.(map[string]any); ok {
				return m
			}
			return map[string]any{"content": parsed}
		}
		return map[string]any{"content": v}
	default:
		return map[string]any{"content": v}
	}
}

// bodyText extracts the message's usable text: body.content, then
// body.text, then a size-bounded JSON preview of the first few fields. The
// preview truncates every string field to maxBodyPreviewChars BEFORE
// serializing, so a malicious remote body can't force a huge allocation by
// sending a single enormous string field.
func bodyText(body map[string]any) string {
	if c, ok := body["content"]; ok {
		if s, ok := c.(string); ok && s != "" {
			return s
		}
	}
	if t, ok := body["text"]; ok {
		if s, ok := t.(string); ok && s != "" {
			return s
		}
	}

	preview := make(map[string]any, len(body))
	count := 0
	for k, v := range body {
		if count >= 10 {
			break
		}
		if s, ok := v.(string); ok && len(s) > maxBodyPreviewChars {
			v = s[:maxBodyPreviewChars]
		}
		preview[k] = v
		count++
	}
	out, err := json.Marshal(preview)
	if err != nil {
		return ""
	}
	return string(out)
}
