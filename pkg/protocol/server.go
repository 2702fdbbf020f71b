package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ServerMessage is a decoded message from the remote endpoint. Exactly the
// fields present on the wire are populated.
type ServerMessage struct {
	// SetupComplete is true for the acknowledgement of the setup message.
	SetupComplete bool

	// Content is non-nil for serverContent messages.
	Content *ServerContent

	// Error is non-nil when the remote reported a failure.
	Error *RemoteError
}

// ServerContent is one increment of a model turn.
type ServerContent struct {
	Parts        []Part
	TurnComplete bool
	Interrupted  bool
}

// Part is one element of a model turn: inline media or text.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData is a base64-encoded media payload with its MIME type.
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// RemoteError is the error object the remote may send before closing.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("remote error %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// IsPCM reports whether the payload is raw PCM audio.
func (d *InlineData) IsPCM() bool {
	return d != nil && strings.HasPrefix(strings.ToLower(d.MIMEType), "audio/pcm")
}

// SampleRate returns the rate declared by the MIME type's rate parameter, or
// def when the parameter is absent or malformed.
func (d *InlineData) SampleRate(def int) int {
	if d == nil {
		return def
	}
	for _, param := range strings.Split(d.MIMEType, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// ── Wire decoding ─────────────────────────────────────────────────────────────

type wireServerMessage struct {
	SetupComplete      json.RawMessage    `json:"setupComplete"`
	SetupCompleteSnake json.RawMessage    `json:"setup_complete"`
	ServerContent      *wireServerContent `json:"serverContent"`
	ServerContentSnake *wireServerContent `json:"server_content"`
	Error              *RemoteError       `json:"error"`
}

type wireServerContent struct {
	ModelTurn         *wireModelTurn `json:"modelTurn"`
	ModelTurnSnake    *wireModelTurn `json:"model_turn"`
	TurnComplete      bool           `json:"turnComplete"`
	TurnCompleteSnake bool           `json:"turn_complete"`
	Interrupted       bool           `json:"interrupted"`
}

type wireModelTurn struct {
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text            string          `json:"text"`
	InlineData      *wireInlineData `json:"inlineData"`
	InlineDataSnake *wireInlineData `json:"inline_data"`
}

type wireInlineData struct {
	MIMEType      string `json:"mimeType"`
	MIMETypeSnake string `json:"mime_type"`
	Data          string `json:"data"`
}

// ParseServerMessage decodes a message from the remote endpoint. camelCase and
// snake_case field names are both accepted; where both appear, camelCase wins.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var w wireServerMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("protocol: parse server message: %w", err)
	}

	msg := &ServerMessage{
		SetupComplete: w.SetupComplete != nil || w.SetupCompleteSnake != nil,
		Error:         w.Error,
	}

	sc := firstNonNil(w.ServerContent, w.ServerContentSnake)
	if sc == nil {
		return msg, nil
	}
	msg.Content = &ServerContent{
		TurnComplete: sc.TurnComplete || sc.TurnCompleteSnake,
		Interrupted:  sc.Interrupted,
	}
	if mt := firstNonNil(sc.ModelTurn, sc.ModelTurnSnake); mt != nil {
		for _, p := range mt.Parts {
			part := Part{Text: p.Text}
			if d := firstNonNil(p.InlineData, p.InlineDataSnake); d != nil {
				part.InlineData = &InlineData{
					MIMEType: firstString(d.MIMEType, d.MIMETypeSnake),
					Data:     d.Data,
				}
			}
			msg.Content.Parts = append(msg.Content.Parts, part)
		}
	}
	return msg, nil
}

func firstNonNil[T any](a, b *T) *T {
	if a != nil {
		return a
	}
	return b
}

func firstString(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
