package audio

import (
	"encoding/base64"
	"encoding/binary"
)

// EncodeOutbound converts normalised float samples to 16-bit little-endian
// PCM. Samples are clamped to [-1, 1]; negative values are scaled by 32768 and
// non-negative values by 32767 so both ends of the int16 range are reachable.
func EncodeOutbound(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s != s { // NaN
			s = 0
		}
		s = max(-1, min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodeInbound converts 16-bit little-endian PCM to float samples by dividing
// each sample by 32768. An odd-length buffer is rejected with a [*DecodeError].
func DecodeInbound(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Reason: "odd byte count in int16 PCM", Len: len(pcm)}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out, nil
}

// ToTransportText encodes b as standard base64 for embedding in JSON envelopes.
func ToTransportText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// FromTransportText reverses [ToTransportText].
func FromTransportText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64 payload", Len: len(s), Err: err}
	}
	return b, nil
}
