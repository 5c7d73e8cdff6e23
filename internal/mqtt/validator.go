package mqtt

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// ValidateSchema checks that a payload matches the minimal expected shape for
// its topic. The topic type is the last path segment. Unknown topics pass.
//
// Rules:
//   - events: payload must be an object with a "type" field
//   - newStream: object with "roomName", "port", "channelId"
//   - channelEnd: object with "channelId"
func ValidateSchema(topicPath string, payload any) bool {
	parts := strings.Split(topicPath, "/")
	topicType := parts[len(parts)-1]

	obj := asObject(payload)

	switch topicType {
	case "events":
		if obj == nil || !hasFields(obj, "type") {
			slog.Warn("invalid event message schema: missing 'type' field", "topic", topicPath)
			return false
		}
	case "newStream":
		if obj == nil {
			slog.Warn("invalid newStream message schema: payload is not an object", "topic", topicPath)
			return false
		}
		if !hasFields(obj, "roomName", "port", "channelId") {
			slog.Warn("invalid newStream message schema: missing required fields", "topic", topicPath)
			return false
		}
	case "channelEnd":
		if obj == nil {
			slog.Warn("invalid channelEnd message schema: payload is not an object", "topic", topicPath)
			return false
		}
		if !hasFields(obj, "channelId") {
			slog.Warn("invalid channelEnd message schema: missing 'channelId' field", "topic", topicPath)
			return false
		}
	}
	return true
}

// asObject coerces payload into a map when possible. String payloads that
// look like JSON objects are parsed; anything else yields nil.
func asObject(payload any) map[string]any {
	switch v := payload.(type) {
	case map[string]any:
		return v
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
			var m map[string]any
			if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
				return m
			}
			slog.Warn("failed to parse payload as JSON")
		}
	case []byte:
		return asObject(string(v))
	}
	return nil
}

func hasFields(m map[string]any, fields ...string) bool {
	for _, f := range fields {
		if _, ok := m[f]; !ok {
			return false
		}
	}
	return true
}
