package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SetupOptions describes the session the relay asks the remote to create.
type SetupOptions struct {
	// Model is the model resource name. A bare name is prefixed with "models/".
	Model string

	// ResponseModality is the requested output modality, e.g. "AUDIO".
	ResponseModality string

	// Voice selects a prebuilt voice. Empty leaves the remote default.
	Voice string

	// SystemInstruction is the system-behaviour text. Empty omits it.
	SystemInstruction string

	// PushToTalk disables the remote's automatic voice-activity detection so
	// that explicit activityStart/activityEnd boundaries delimit utterances.
	PushToTalk bool
}

// SetupMessage is the first message sent on the remote connection.
type SetupMessage struct {
	Setup SetupConfig `json:"setup"`
}

// SetupConfig is the body of a [SetupMessage].
type SetupConfig struct {
	Model               string               `json:"model"`
	GenerationConfig    GenerationConfig     `json:"generationConfig"`
	SystemInstruction   *Content             `json:"systemInstruction,omitempty"`
	RealtimeInputConfig *RealtimeInputConfig `json:"realtimeInputConfig,omitempty"`
}

// GenerationConfig selects output modalities and voice.
type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

// SpeechConfig wraps the voice selection.
type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

// VoiceConfig selects a prebuilt voice.
type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

// PrebuiltVoiceConfig names a prebuilt voice.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// Content is a list of parts; used for the system instruction.
type Content struct {
	Parts []Part `json:"parts"`
}

// RealtimeInputConfig controls how the remote segments streamed input.
type RealtimeInputConfig struct {
	AutomaticActivityDetection *AutomaticActivityDetection `json:"automaticActivityDetection,omitempty"`
}

// AutomaticActivityDetection toggles the remote's voice-activity detection.
type AutomaticActivityDetection struct {
	Disabled bool `json:"disabled"`
}

// NewSetup builds the setup message for opts.
func NewSetup(opts SetupOptions) SetupMessage {
	model := opts.Model
	if model != "" && !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	modality := opts.ResponseModality
	if modality == "" {
		modality = "AUDIO"
	}

	msg := SetupMessage{Setup: SetupConfig{
		Model: model,
		GenerationConfig: GenerationConfig{
			ResponseModalities: []string{modality},
		},
	}}
	if opts.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig: VoiceConfig{PrebuiltVoiceConfig: PrebuiltVoiceConfig{VoiceName: opts.Voice}},
		}
	}
	if opts.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &Content{Parts: []Part{{Text: opts.SystemInstruction}}}
	}
	if opts.PushToTalk {
		msg.Setup.RealtimeInputConfig = &RealtimeInputConfig{
			AutomaticActivityDetection: &AutomaticActivityDetection{Disabled: true},
		}
	}
	return msg
}

// Marshal encodes m as JSON.
func (m SetupMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal setup: %w", err)
	}
	return data, nil
}
