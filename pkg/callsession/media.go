package callsession

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalTrack is a locally captured media track.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	// Live is false once Stop was called.
	Live() bool
	Stop()
	TrackLocal() webrtc.TrackLocal
}

// MediaDevices acquires camera, microphone and screen capture tracks.
type MediaDevices interface {
	// UserMedia returns the microphone and camera tracks.
	UserMedia(ctx context.Context) ([]LocalTrack, error)
	DisplayMedia(ctx context.Context) (LocalTrack, error)
}

// SampleTrack is a LocalTrack backed by a pion static sample track.
type SampleTrack struct {
	track *webrtc.TrackLocalStaticSample
	kind  webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	live    bool
}

// NewSampleTrack creates an enabled live track for the given codec.
func NewSampleTrack(kind webrtc.RTPCodecType, mimeType, id, streamID string) (*SampleTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &SampleTrack{track: track, kind: kind, enabled: true, live: true}, nil
}

func (t *SampleTrack) ID() string                    { return t.track.ID() }
func (t *SampleTrack) Kind() webrtc.RTPCodecType     { return t.kind }
func (t *SampleTrack) TrackLocal() webrtc.TrackLocal { return t.track }

func (t *SampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *SampleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *SampleTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *SampleTrack) Stop() {
	t.mu.Lock()
	t.live = false
	t.mu.Unlock()
}

// WriteSample forwards a sample unless the track is muted or stopped.
func (t *SampleTrack) WriteSample(sample media.Sample) error {
	t.mu.Lock()
	send := t.enabled && t.live
	t.mu.Unlock()
	if !send {
		return nil
	}
	return t.track.WriteSample(sample)
}

// SyntheticDevices hands out sample tracks without touching real hardware.
// Set Err to simulate a denied camera or microphone.
type SyntheticDevices struct {
	Err error
}

// NewSyntheticDevices returns devices that always succeed.
func NewSyntheticDevices() *SyntheticDevices {
	return &SyntheticDevices{}
}

// UserMedia returns an opus microphone track and a VP8 camera track.
func (d *SyntheticDevices) UserMedia(ctx context.Context) ([]LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Err != nil {
		return nil, d.Err
	}

	stream := "local-" + uuid.NewString()
	audio, err := NewSampleTrack(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, "microphone", stream)
	if err != nil {
		return nil, err
	}
	video, err := NewSampleTrack(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, "camera", stream)
	if err != nil {
		return nil, err
	}
	return []LocalTrack{audio, video}, nil
}

// DisplayMedia returns a VP8 screen capture track.
func (d *SyntheticDevices) DisplayMedia(ctx context.Context) (LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Err != nil {
		return nil, d.Err
	}
	return NewSampleTrack(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, "screen", "screen-"+uuid.NewString())
}

var errNoVideoSender = errors.New("peer has no outgoing video track")
