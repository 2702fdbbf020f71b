package audio

import "fmt"

// DecodeError reports a malformed audio payload. It is local to one message:
// callers discard the message and keep the session alive.
type DecodeError struct {
	Reason string
	Len    int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode: %s (len=%d): %v", e.Reason, e.Len, e.Err)
	}
	return fmt.Sprintf("audio: decode: %s (len=%d)", e.Reason, e.Len)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DeviceError reports that an input or output device could not be acquired or
// failed while in use. It is fatal to starting a session and is never retried.
type DeviceError struct {
	// Op is the operation that failed, e.g. "open input" or "start output".
	Op string

	// Device names the device when known.
	Device string

	Err error
}

func (e *DeviceError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("audio: %s %q: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("audio: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
