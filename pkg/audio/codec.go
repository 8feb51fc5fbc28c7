package audio

import "fmt"

// PCM16 is the passthrough [Codec] for payloads that already carry raw
// 16-bit little-endian samples.
type PCM16 struct{}

// Decode returns payload unchanged after checking sample alignment.
func (PCM16) Decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM16 length %d", ErrMalformedFrame, len(payload))
	}
	return payload, nil
}
