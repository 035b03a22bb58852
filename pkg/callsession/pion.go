package callsession

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerConnection is one negotiated link to a remote participant.
type PeerConnection interface {
	AddTrack(track LocalTrack) error
	// ReplaceVideoTrack swaps the outgoing video without renegotiating.
	ReplaceVideoTrack(track LocalTrack) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(fn func(candidate webrtc.ICECandidateInit))
	Close() error
}

// PeerFactory creates a peer connection for a remote socket.
type PeerFactory interface {
	NewPeer(socketID string) (PeerConnection, error)
}

// PionFactory builds peer connections with pion.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory registers the default codecs and uses stunURLs for ICE.
func NewPionFactory(stunURLs []string) (*PionFactory, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	config := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: append([]string(nil), stunURLs...)}}
	}

	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(engine)),
		config: config,
	}, nil
}

// NewPeer implements PeerFactory.
func (f *PionFactory) NewPeer(string) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu    sync.Mutex
	video *webrtc.RTPSender
}

func (p *pionPeer) AddTrack(track LocalTrack) error {
	local := track.TrackLocal()
	if local == nil {
		return errors.New("track has no local source")
	}

	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		p.mu.Lock()
		p.video = sender
		p.mu.Unlock()
	}

	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) ReplaceVideoTrack(track LocalTrack) error {
	p.mu.Lock()
	sender := p.video
	p.mu.Unlock()
	if sender == nil {
		return errNoVideoSender
	}
	return sender.ReplaceTrack(track.TrackLocal())
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) OnICECandidate(fn func(candidate webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
