// Package protocol defines the JSON envelopes exchanged over the relay.
//
// The same envelopes travel on both legs: the client sends realtimeInput
// messages (audio chunks and activity boundaries) which the relay forwards
// verbatim to the remote BidiGenerateContent endpoint, and the remote replies
// with serverContent messages the relay forwards verbatim back. The relay
// itself only originates the one-time [SetupMessage].
//
// Outbound messages are always encoded in camelCase. Inbound decoding accepts
// both camelCase and snake_case field names because the upstream protocol has
// used both.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// PCMMIMEType returns the MIME type declaring raw 16-bit PCM at rate Hz.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// ClientMessage is the envelope a client sends to the remote endpoint.
type ClientMessage struct {
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
}

// RealtimeInput carries streamed media and explicit activity boundaries.
// MediaChunks is always encoded, as an empty array for pure control messages.
type RealtimeInput struct {
	MediaChunks   []MediaChunk `json:"mediaChunks"`
	ActivityStart *struct{}    `json:"activityStart,omitempty"`
	ActivityEnd   *struct{}    `json:"activityEnd,omitempty"`
}

// MediaChunk is one base64-encoded media payload.
type MediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// AudioChunk wraps little-endian int16 PCM captured at rate Hz.
func AudioChunk(pcm []byte, rate int) ClientMessage {
	return ClientMessage{RealtimeInput: &RealtimeInput{
		MediaChunks: []MediaChunk{{
			MIMEType: PCMMIMEType(rate),
			Data:     audio.ToTransportText(pcm),
		}},
	}}
}

// ActivityStart marks the beginning of one user utterance.
func ActivityStart() ClientMessage {
	return ClientMessage{RealtimeInput: &RealtimeInput{
		MediaChunks:   []MediaChunk{},
		ActivityStart: &struct{}{},
	}}
}

// ActivityEnd marks the end of the utterance opened by [ActivityStart].
func ActivityEnd() ClientMessage {
	return ClientMessage{RealtimeInput: &RealtimeInput{
		MediaChunks: []MediaChunk{},
		ActivityEnd: &struct{}{},
	}}
}

// Kind classifies a client message for logging and tests.
func (m ClientMessage) Kind() string {
	switch {
	case m.RealtimeInput == nil:
		return "unknown"
	case m.RealtimeInput.ActivityStart != nil:
		return "activityStart"
	case m.RealtimeInput.ActivityEnd != nil:
		return "activityEnd"
	case len(m.RealtimeInput.MediaChunks) > 0:
		return "audioChunk"
	default:
		return "empty"
	}
}

// Marshal encodes m as JSON.
func (m ClientMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal client message: %w", err)
	}
	return data, nil
}

// ParseClientMessage decodes a client envelope, accepting snake_case field
// names as well as camelCase.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var w struct {
		RealtimeInput      *wireRealtimeInput `json:"realtimeInput"`
		RealtimeInputSnake *wireRealtimeInput `json:"realtime_input"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return ClientMessage{}, fmt.Errorf("protocol: parse client message: %w", err)
	}
	ri := firstNonNil(w.RealtimeInput, w.RealtimeInputSnake)
	if ri == nil {
		return ClientMessage{}, nil
	}

	out := &RealtimeInput{MediaChunks: []MediaChunk{}}
	for _, c := range append(ri.MediaChunks, ri.MediaChunksSnake...) {
		out.MediaChunks = append(out.MediaChunks, MediaChunk{
			MIMEType: firstString(c.MIMEType, c.MIMETypeSnake),
			Data:     c.Data,
		})
	}
	if ri.ActivityStart != nil || ri.ActivityStartSnake != nil {
		out.ActivityStart = &struct{}{}
	}
	if ri.ActivityEnd != nil || ri.ActivityEndSnake != nil {
		out.ActivityEnd = &struct{}{}
	}
	return ClientMessage{RealtimeInput: out}, nil
}

type wireRealtimeInput struct {
	MediaChunks        []wireInlineData `json:"mediaChunks"`
	MediaChunksSnake   []wireInlineData `json:"media_chunks"`
	ActivityStart      json.RawMessage  `json:"activityStart"`
	ActivityStartSnake json.RawMessage  `json:"activity_start"`
	ActivityEnd        json.RawMessage  `json:"activityEnd"`
	ActivityEndSnake   json.RawMessage  `json:"activity_end"`
}
