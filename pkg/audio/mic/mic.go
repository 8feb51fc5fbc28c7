// Package mic captures raw PCM from the default microphone through
// pion/mediadevices. It implements [audio.Source].
//
// The package does not register a driver itself; binaries blank-import
// github.com/pion/mediadevices/pkg/driver/microphone.
package mic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/pion/mediadevices"
	mdaudio "github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/MrWong99/talkingobjects/pkg/audio"
)

// Source opens the system microphone.
type Source struct{}

var _ audio.Source = Source{}

// Open implements [audio.Source]. The driver negotiates the closest format it
// supports; blocks report their actual layout.
func (Source) Open(ctx context.Context, f audio.Format) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(f.SampleRate)
			c.ChannelCount = prop.Int(f.Channels)
			c.SampleSize = prop.Int(16)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mic: get user media: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	tracks := ms.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("mic: %w: no audio track", audio.ErrDeviceUnavailable)
	}
	track, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		_ = tracks[0].Close()
		return nil, fmt.Errorf("mic: %w: unexpected track type %T", audio.ErrDeviceUnavailable, tracks[0])
	}
	return &stream{track: track, reader: track.NewReader(false)}, nil
}

type stream struct {
	track  *mediadevices.AudioTrack
	reader mdaudio.Reader
}

// Read returns the next chunk from the driver. The underlying reader does not
// observe ctx; closing the stream unblocks it.
func (s *stream) Read(ctx context.Context) (audio.Block, error) {
	if err := ctx.Err(); err != nil {
		return audio.Block{}, err
	}
	chunk, release, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return audio.Block{}, io.EOF
		}
		return audio.Block{}, fmt.Errorf("mic: read: %w", err)
	}
	defer release()
	return toBlock(chunk)
}

func (s *stream) Close() error {
	return s.track.Close()
}

// toBlock copies a driver chunk into interleaved PCM16 LE.
func toBlock(chunk wave.Audio) (audio.Block, error) {
	info := chunk.ChunkInfo()
	format := audio.Format{SampleRate: info.SamplingRate, Channels: info.Channels}
	pcm := make([]byte, info.Len*info.Channels*2)

	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		for i, s := range c.Data[:info.Len*info.Channels] {
			pcm[i*2] = byte(s)
			pcm[i*2+1] = byte(s >> 8)
		}
	case *wave.Float32Interleaved:
		for i, s := range c.Data[:info.Len*info.Channels] {
			v := int16(math.Round(float64(max(-1, min(1, s))) * math.MaxInt16))
			pcm[i*2] = byte(v)
			pcm[i*2+1] = byte(v >> 8)
		}
	default:
		return audio.Block{}, fmt.Errorf("mic: unsupported sample layout %T", chunk)
	}
	return audio.Block{PCM: pcm, Format: format}, nil
}
