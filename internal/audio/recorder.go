// Package audio records bounded voice clips from the microphone and turns
// them into deliverable messages: capture → finalize (WebM/Opus) → upload →
// inject into the timeline.
package audio

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Capture sample rate. The Opus encoder always runs at 48 kHz.
const sampleRate = 48000

// MaxClipDuration is a defensive cap on recording length; the read loop
// stops capture once a clip reaches it so buffering stays bounded.
const MaxClipDuration = 5 * time.Minute

var (
	// ErrDeviceUnavailable means microphone access was denied or no capture
	// device exists on this machine.
	ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

	// ErrNotRecording is returned by Stop when no recording is in progress.
	ErrNotRecording = errors.New("audio: not recording")
)

// State is the recorder lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
)

// Source delivers encoded Opus frames from an open capture device.
// release must be called after the frame data has been copied out.
type Source interface {
	ReadFrame() (data []byte, samples uint32, release func(), err error)
	Close() error
}

// Opener opens the capture device. The default is the platform microphone;
// tests swap in a fake.
type Opener func() (Source, error)

// Clip is a finalized recording, ready for upload.
type Clip struct {
	ID       string
	Data     []byte // WebM/Opus blob
	Duration time.Duration
}

// Name returns the upload filename for the clip.
func (c *Clip) Name() string { return c.ID + ".webm" }

// Recorder owns the microphone while recording. One recording at a time;
// starting a new one discards whatever the previous one buffered.
type Recorder struct {
	open   Opener
	maxDur time.Duration

	mu      sync.Mutex
	state   State
	src     Source
	frames  []opusFrame
	samples uint64
	started time.Time
	done    chan struct{}
}

// NewRecorder creates a Recorder. A nil opener means the platform
// microphone; a non-positive maxDur means MaxClipDuration.
func NewRecorder(open Opener, maxDur time.Duration) *Recorder {
	if open == nil {
		open = openMicrophone
	}
	if maxDur <= 0 {
		maxDur = MaxClipDuration
	}
	return &Recorder{open: open, maxDur: maxDur}
}

// State returns the current recorder state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed returns how long the current recording has been running, for the
// mm:ss display. Zero when not recording — the counter resets the moment
// Stop is called.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return 0
	}
	return time.Since(r.started)
}

// Start requests the capture device and begins accumulating frames. Any
// partial buffer left over from a previous recording is discarded first.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.state == StateRecording {
		r.mu.Unlock()
		return fmt.Errorf("audio: recording already in progress")
	}
	r.frames = nil
	r.samples = 0
	r.mu.Unlock()

	src, err := r.open()
	if err != nil {
		return err
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.src = src
	r.state = StateRecording
	r.started = time.Now()
	r.done = done
	r.mu.Unlock()

	go r.readLoop(src, done)

	log.Printf("AUDIO: recording started")
	return nil
}

// Stop ends the recording and finalizes the buffered frames into one clip.
func (r *Recorder) Stop() (*Clip, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	src := r.src
	done := r.done
	r.src = nil
	r.state = StateStopped
	r.mu.Unlock()

	// Closing the source makes the read loop's next ReadFrame fail.
	src.Close()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	clip := &Clip{
		ID:       uuid.NewString(),
		Data:     muxOpusClip(r.frames),
		Duration: time.Duration(r.samples) * time.Second / sampleRate,
	}
	log.Printf("AUDIO: recording stopped — %s, %d bytes", clip.Duration.Round(time.Millisecond), len(clip.Data))
	return clip, nil
}

// readLoop drains the source until it fails (device closed or gone) or the
// clip reaches MaxClipDuration.
func (r *Recorder) readLoop(src Source, done chan struct{}) {
	defer close(done)

	for {
		data, samples, release, err := src.ReadFrame()
		if err != nil {
			return
		}

		r.mu.Lock()
		if r.src != src {
			// Stop already took ownership; this frame belongs to a closed
			// recording.
			r.mu.Unlock()
			if release != nil {
				release()
			}
			return
		}
		ts := int64(r.samples * 1000 / sampleRate)
		frame := opusFrame{data: make([]byte, len(data)), tsMS: ts}
		copy(frame.data, data)
		r.frames = append(r.frames, frame)
		r.samples += uint64(samples)
		capped := time.Duration(r.samples)*time.Second/sampleRate >= r.maxDur
		r.mu.Unlock()

		if release != nil {
			release()
		}

		if capped {
			log.Printf("AUDIO: max clip duration reached, stopping capture")
			src.Close()
			return
		}
	}
}
