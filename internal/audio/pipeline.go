package audio

import (
	"context"
	"fmt"
	"log"
)

// Uploader stores a finalized clip and returns the opaque media reference it
// can be retrieved under. The api client satisfies this.
type Uploader interface {
	UploadClip(ctx context.Context, name string, data []byte) (string, error)
}

// UploadError means the clip could not be stored. The clip is discarded —
// never retried or queued — and the user may re-record.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return fmt.Sprintf("audio: upload clip: %v", e.Err) }
func (e *UploadError) Unwrap() error { return e.Err }

// Pipeline turns a finalized clip into a delivered message: upload the blob,
// then inject the resulting reference into the conversation. The inject step
// is the app's appendLocal-plus-send, passed in as a closure so this package
// stays decoupled from the timeline and session.
type Pipeline struct {
	up     Uploader
	inject func(mediaRef string) error
}

// NewPipeline creates a Pipeline uploading through up and delivering
// references through inject.
func NewPipeline(up Uploader, inject func(mediaRef string) error) *Pipeline {
	return &Pipeline{up: up, inject: inject}
}

// Submit uploads clip and injects exactly one audio message carrying the
// returned reference. On upload failure the clip is gone; on inject failure
// the message is already locally visible (optimistic append) and the error
// reports the undelivered send.
func (p *Pipeline) Submit(ctx context.Context, clip *Clip) (string, error) {
	ref, err := p.up.UploadClip(ctx, clip.Name(), clip.Data)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	log.Printf("AUDIO: clip %s uploaded as %s", clip.ID, ref)

	if err := p.inject(ref); err != nil {
		return ref, err
	}
	return ref, nil
}
