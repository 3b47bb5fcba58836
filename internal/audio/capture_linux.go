//go:build linux && cgo

package audio

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// micSource wraps a mediadevices Opus EncodedReadCloser as a Source.
type micSource struct {
	track mediadevices.Track
	r     mediadevices.EncodedReadCloser
}

func (s *micSource) ReadFrame() ([]byte, uint32, func(), error) {
	buf, release, err := s.r.Read()
	if err != nil {
		return nil, 0, nil, err
	}
	return buf.Data, uint32(buf.Samples), release, nil
}

func (s *micSource) Close() error {
	s.r.Close()
	return s.track.Close()
}

// openMicrophone captures the default microphone as encoded Opus via
// pion/mediadevices (malgo on Linux).
func openMicrophone() (Source, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("audio: opus params: %w", err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrDeviceUnavailable
	}
	track := tracks[0]

	reader, err := track.NewEncodedReader("audio/opus")
	if err != nil {
		track.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	return &micSource{track: track, r: reader}, nil
}
