package protocol

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Describe summarises the shape of a relayed message without its payload, for
// diagnostics. Audio data is never decoded. Non-JSON input is reported by
// length only.
func Describe(data []byte) string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return fmt.Sprintf("non-json(len=%d)", len(data))
	}

	if has(top, "serverContent", "server_content") {
		msg, err := ParseServerMessage(data)
		if err != nil || msg.Content == nil {
			return "serverContent(malformed)"
		}
		var media, text int
		for _, p := range msg.Content.Parts {
			if p.InlineData != nil {
				media++
			}
			if p.Text != "" {
				text++
			}
		}
		flags := ""
		if msg.Content.TurnComplete {
			flags += ",turnComplete"
		}
		if msg.Content.Interrupted {
			flags += ",interrupted"
		}
		return fmt.Sprintf("serverContent(parts=%d,media=%d,text=%d%s)", len(msg.Content.Parts), media, text, flags)
	}

	if has(top, "realtimeInput", "realtime_input") {
		msg, err := ParseClientMessage(data)
		if err != nil || msg.RealtimeInput == nil {
			return "realtimeInput(malformed)"
		}
		return fmt.Sprintf("realtimeInput(%s,chunks=%d)", msg.Kind(), len(msg.RealtimeInput.MediaChunks))
	}

	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return strings.Join(keys, ",")
}

func has(m map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}
