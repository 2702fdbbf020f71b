package audio

import "time"

const (
	// InputSampleRate is the capture rate the remote endpoint expects.
	InputSampleRate = 16000

	// OutputSampleRate is the rate the remote endpoint synthesises speech at
	// unless a part's MIME type says otherwise.
	OutputSampleRate = 24000

	// CaptureFrameSize is the number of samples per captured frame
	// (~256 ms at 16 kHz).
	CaptureFrameSize = 4096
)

// Frame is a block of mono audio flowing through the client pipeline.
// Frames are produced once (by the capture device or the inbound decoder) and
// never mutated afterwards; a stage that needs to change samples must copy.
type Frame struct {
	// Samples are normalised to [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 outbound, 24000 inbound by default).
	SampleRate int

	// Timestamp marks when this frame was produced, relative to stream start.
	Timestamp time.Duration
}

// Duration reports how long the frame takes to render at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
