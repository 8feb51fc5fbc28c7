package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter normalises PCM16 blocks to a target [Format]. It logs once
// on the first format mismatch so that a misconfigured device is visible
// without flooding the log.
// Create one per stream; not safe for concurrent use.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
}

// Convert returns the PCM of b in the target format. A block that already
// matches is returned without copying. Blocks with an odd byte count are
// rejected with [ErrMalformedFrame].
// Resampling runs before channel conversion so that stereo input destined for
// a mono target is only resampled once per frame.
func (c *FormatConverter) Convert(b Block) ([]byte, error) {
	if len(b.PCM)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM16 length %d", ErrMalformedFrame, len(b.PCM))
	}
	if b.Format == c.Target {
		return b.PCM, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio: converting source format",
			"from", b.Format.String(),
			"to", c.Target.String(),
		)
	})

	pcm := b.PCM
	channels := b.Format.Channels
	if b.Format.SampleRate != c.Target.SampleRate {
		pcm = resample16(pcm, channels, b.Format.SampleRate, c.Target.SampleRate)
	}
	switch {
	case channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm, nil
}

// MonoToStereo duplicates every mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		out[i*4], out[i*4+1] = pcm[i*2], pcm[i*2+1]
		out[i*4+2], out[i*4+3] = pcm[i*2], pcm[i*2+1]
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		l := int32(sample16(pcm, i*2))
		r := int32(sample16(pcm, i*2+1))
		putSample16(out, i, clamp16((l+r)/2))
	}
	return out
}

// ResampleMono16 converts mono PCM16 from srcRate to dstRate with linear
// interpolation. Invalid or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 is [ResampleMono16] for interleaved stereo PCM16.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 2, srcRate, dstRate)
}

// resample16 linearly interpolates interleaved PCM16 with the given channel
// count. Each channel is interpolated independently.
func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sample16(pcm, idx*channels+ch))
			s1 := float64(sample16(pcm, next*channels+ch))
			putSample16(out, i*channels+ch, int16(s0+(s1-s0)*frac))
		}
	}
	return out
}

func sample16(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample16(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString renders e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
