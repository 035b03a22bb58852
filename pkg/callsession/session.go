// Package callsession negotiates a mesh of peer connections for one call room,
// using the realtime socket only to relay offers, answers and ICE candidates.
package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/noah-isme/telecare-go-api/pkg/apiclient"
	"github.com/noah-isme/telecare-go-api/pkg/events"
	"github.com/noah-isme/telecare-go-api/pkg/notifystore"
	"github.com/noah-isme/telecare-go-api/pkg/protocol"
)

// maxQueuedCandidates bounds the candidates held for a socket that has not
// sent its description yet.
const maxQueuedCandidates = 64

var (
	ErrInvalidState     = errors.New("operation not allowed in current call state")
	ErrMediaUnavailable = errors.New("camera or microphone unavailable")
	ErrJoinRejected     = errors.New("join call rejected")
	ErrSessionClosed    = errors.New("call session closed")
	ErrAlreadySharing   = errors.New("screen share already active")
	ErrNotSharing       = errors.New("screen share not active")
)

// Signaler emits frames on the realtime socket.
type Signaler interface {
	Emit(event string, payload interface{}) error
}

// CallAPI is the REST surface the session needs.
type CallAPI interface {
	JoinCall(ctx context.Context, roomID string) (apiclient.Call, error)
	AcceptCall(ctx context.Context, roomID string) (apiclient.Call, error)
	DeclineCall(ctx context.Context, roomID string) (apiclient.Call, error)
	EndCall(ctx context.Context, roomID, reason string) (apiclient.Call, error)
}

// Config wires a Session.
type Config struct {
	// RoomID is required for outgoing calls; incoming calls take it from Ring.
	RoomID   string
	UserName string

	Signaler Signaler
	API      CallAPI
	Media    MediaDevices
	Peers    PeerFactory

	// Bus receives SignalingError for failures isolated to one peer. Optional.
	Bus *events.Bus
	// OnEnded runs after Leave released every resource.
	OnEnded func()
	Logger  zerolog.Logger
}

type peer struct {
	pc        PeerConnection
	remoteSet bool
}

// Session is safe for concurrent use; signaling frames and user actions may
// arrive on different goroutines.
type Session struct {
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	roomID       string
	incoming     *protocol.IncomingCall
	socketID     string
	audio        LocalTrack
	video        LocalTrack
	screen       LocalTrack
	peers        map[string]*peer
	participants map[string]protocol.Participant
	iceQueues    map[string][]webrtc.ICECandidateInit
}

// New validates cfg and returns an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Signaler == nil || cfg.API == nil || cfg.Media == nil || cfg.Peers == nil {
		return nil, errors.New("call session requires signaler, api, media and peer factory")
	}

	return &Session{
		cfg:          cfg,
		logger:       cfg.Logger.With().Str("component", "call_session").Logger(),
		state:        StateIdle,
		roomID:       cfg.RoomID,
		peers:        make(map[string]*peer),
		participants: make(map[string]protocol.Participant),
		iceQueues:    make(map[string][]webrtc.ICECandidateInit),
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the room the session belongs to.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Incoming returns the invitation passed to Ring, if any.
func (s *Session) Incoming() (protocol.IncomingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incoming == nil {
		return protocol.IncomingCall{}, false
	}
	return *s.incoming, true
}

// Participants returns the known remote participants ordered by socket id.
func (s *Session) Participants() []protocol.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SocketID < out[j].SocketID })
	return out
}

// Start acquires local media and joins the room as the caller.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, state)
	}
	if s.roomID == "" {
		s.mu.Unlock()
		return errors.New("room id required")
	}
	s.state = StateAwaitingLocalMedia
	s.mu.Unlock()

	return s.acquireAndJoin(ctx)
}

// Ring records an incoming invitation.
func (s *Session) Ring(call protocol.IncomingCall) error {
	if call.RoomID == "" || call.AppointmentID == "" {
		return notifystore.ErrMissingCallIdentifiers
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("%w: ring from %s", ErrInvalidState, s.state)
	}
	s.incoming = &call
	s.roomID = call.RoomID
	s.state = StateIncomingRinging
	return nil
}

// Accept answers a ringing call, then acquires media and joins the room.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIncomingRinging {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: accept from %s", ErrInvalidState, state)
	}
	s.state = StateAccepted
	roomID := s.roomID
	s.mu.Unlock()

	if _, err := s.cfg.API.AcceptCall(ctx, roomID); err != nil {
		s.failFrom(StateAccepted)
		return fmt.Errorf("accept call: %w", err)
	}

	s.mu.Lock()
	if s.state != StateAccepted {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateAwaitingLocalMedia
	s.mu.Unlock()

	return s.acquireAndJoin(ctx)
}

// Decline rejects a ringing call. On failure the call keeps ringing.
func (s *Session) Decline(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIncomingRinging {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: decline from %s", ErrInvalidState, state)
	}
	roomID := s.roomID
	s.mu.Unlock()

	if _, err := s.cfg.API.DeclineCall(ctx, roomID); err != nil {
		return fmt.Errorf("decline call: %w", err)
	}

	if !s.transition(StateIncomingRinging, StateDeclined) {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) acquireAndJoin(ctx context.Context) error {
	tracks, err := s.cfg.Media.UserMedia(ctx)
	if err != nil {
		s.failFrom(StateAwaitingLocalMedia)
		s.logger.Warn().Err(err).Msg("local media unavailable")
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	s.mu.Lock()
	if s.state != StateAwaitingLocalMedia {
		s.mu.Unlock()
		stopTracks(tracks)
		return ErrSessionClosed
	}
	for _, track := range tracks {
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			s.audio = track
		case webrtc.RTPCodecTypeVideo:
			s.video = track
		}
	}
	s.state = StateJoiningRoom
	roomID := s.roomID
	s.mu.Unlock()

	if _, err := s.cfg.API.JoinCall(ctx, roomID); err != nil {
		s.abort(StateJoiningRoom)
		return fmt.Errorf("%w: %v", ErrJoinRejected, err)
	}

	s.mu.Lock()
	if s.state != StateJoiningRoom {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateActive
	s.mu.Unlock()

	if err := s.cfg.Signaler.Emit(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: roomID, UserName: s.cfg.UserName}); err != nil {
		s.abort(StateActive)
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

// abort releases media and peers and marks the session errored, unless it
// already moved on from expected.
func (s *Session) abort(expected State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != expected {
		return
	}
	s.releaseLocked()
	s.state = StateErrored
}

// HandleSignal processes one video:* frame relayed by the realtime client.
func (s *Session) HandleSignal(event string, data json.RawMessage) {
	env := protocol.Envelope{Event: event, Data: data}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.inRoom() {
		s.logger.Debug().Str("event", event).Str("state", s.state.String()).Msg("ignoring signal outside room")
		return
	}

	switch event {
	case protocol.EventRoomJoined:
		var joined protocol.RoomJoined
		if err := env.Decode(&joined); err != nil {
			s.reportLocked(event, "", err)
			return
		}
		s.socketID = joined.SocketID
		for _, p := range joined.Participants {
			if p.SocketID != "" && p.SocketID != s.socketID {
				s.participants[p.SocketID] = p
			}
		}

	case protocol.EventParticipantJoined:
		var joined protocol.ParticipantEvent
		if err := env.Decode(&joined); err != nil {
			s.reportLocked(event, "", err)
			return
		}
		s.offerLocked(joined.Participant)

	case protocol.EventOffer:
		var offer protocol.Description
		if err := env.Decode(&offer); err != nil {
			s.reportLocked(event, "", err)
			return
		}
		s.answerLocked(offer)

	case protocol.EventAnswer:
		var answer protocol.Description
		if err := env.Decode(&answer); err != nil {
			s.reportLocked(event, "", err)
			return
		}
		s.applyAnswerLocked(answer)

	case protocol.EventICECandidate:
		var candidate protocol.Candidate
		if err := env.Decode(&candidate); err != nil {
			s.reportLocked(event, "", err)
			return
		}
		s.candidateLocked(candidate)

	case protocol.EventParticipantLeft:
		var left protocol.ParticipantEvent
		if err := env.Decode(&left); err != nil {
			s.reportLocked(event, "", err)
			return
		}
		s.dropPeerLocked(left.Participant.SocketID)

	case protocol.EventParticipantAudio, protocol.EventParticipantVideo,
		protocol.EventParticipantShareStart, protocol.EventParticipantShareStop:
		var changed protocol.ParticipantEvent
		if err := env.Decode(&changed); err != nil {
			s.reportLocked(event, "", err)
			return
		}
		if _, ok := s.participants[changed.Participant.SocketID]; ok {
			s.participants[changed.Participant.SocketID] = changed.Participant
		}

	default:
		s.logger.Debug().Str("event", event).Msg("unhandled signal")
	}
}

// offerLocked runs the caller side handshake for a participant that just joined.
func (s *Session) offerLocked(participant protocol.Participant) {
	socketID := participant.SocketID
	if socketID == "" || socketID == s.socketID {
		return
	}
	s.participants[socketID] = participant

	p, err := s.peerLocked(socketID)
	if err != nil {
		s.failPeerLocked(protocol.EventParticipantJoined, socketID, err)
		return
	}

	offer, err := p.pc.CreateOffer()
	if err == nil {
		err = p.pc.SetLocalDescription(offer)
	}
	if err == nil {
		err = s.cfg.Signaler.Emit(protocol.EventOffer, protocol.Description{RoomID: s.roomID, To: socketID, Description: offer})
	}
	if err != nil {
		s.failPeerLocked(protocol.EventOffer, socketID, err)
	}
}

// answerLocked runs the callee side handshake for an incoming offer.
func (s *Session) answerLocked(offer protocol.Description) {
	socketID := offer.From
	if socketID == "" {
		s.reportLocked(protocol.EventOffer, "", errors.New("offer without sender"))
		return
	}
	if _, ok := s.participants[socketID]; !ok {
		participant := protocol.Participant{SocketID: socketID}
		if offer.Sender != nil {
			participant = *offer.Sender
			participant.SocketID = socketID
		}
		s.participants[socketID] = participant
	}

	p, err := s.peerLocked(socketID)
	if err != nil {
		s.failPeerLocked(protocol.EventOffer, socketID, err)
		return
	}

	if err := s.setRemoteLocked(socketID, p, offer.Description); err != nil {
		s.failPeerLocked(protocol.EventOffer, socketID, err)
		return
	}

	answer, err := p.pc.CreateAnswer()
	if err == nil {
		err = p.pc.SetLocalDescription(answer)
	}
	if err == nil {
		err = s.cfg.Signaler.Emit(protocol.EventAnswer, protocol.Description{RoomID: s.roomID, To: socketID, Description: answer})
	}
	if err != nil {
		s.failPeerLocked(protocol.EventAnswer, socketID, err)
	}
}

func (s *Session) applyAnswerLocked(answer protocol.Description) {
	p, ok := s.peers[answer.From]
	if !ok {
		s.reportLocked(protocol.EventAnswer, answer.From, errors.New("answer for unknown peer"))
		return
	}
	if p.remoteSet {
		s.logger.Debug().Str("socket_id", answer.From).Msg("ignoring repeated answer")
		return
	}
	if err := s.setRemoteLocked(answer.From, p, answer.Description); err != nil {
		s.failPeerLocked(protocol.EventAnswer, answer.From, err)
	}
}

// candidateLocked applies a remote candidate or queues it until the remote
// description of its peer is set.
func (s *Session) candidateLocked(candidate protocol.Candidate) {
	socketID := candidate.From
	if socketID == "" {
		return
	}

	p, ok := s.peers[socketID]
	if !ok || !p.remoteSet {
		if len(s.iceQueues[socketID]) >= maxQueuedCandidates {
			s.logger.Debug().Str("socket_id", socketID).Msg("candidate queue full, dropping candidate")
			return
		}
		s.iceQueues[socketID] = append(s.iceQueues[socketID], candidate.Candidate)
		return
	}
	if err := p.pc.AddICECandidate(candidate.Candidate); err != nil {
		s.reportLocked(protocol.EventICECandidate, socketID, err)
	}
}

// setRemoteLocked applies desc and flushes the queued candidates in arrival order.
func (s *Session) setRemoteLocked(socketID string, p *peer, desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	p.remoteSet = true

	queued := s.iceQueues[socketID]
	delete(s.iceQueues, socketID)
	for _, candidate := range queued {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			s.reportLocked(protocol.EventICECandidate, socketID, err)
		}
	}
	return nil
}

// peerLocked returns the peer for socketID, creating it with local tracks attached.
func (s *Session) peerLocked(socketID string) (*peer, error) {
	if p, ok := s.peers[socketID]; ok {
		return p, nil
	}
	if s.audio == nil && s.video == nil {
		return nil, ErrMediaUnavailable
	}

	pc, err := s.cfg.Peers.NewPeer(socketID)
	if err != nil {
		return nil, err
	}

	video := s.video
	if s.screen != nil {
		video = s.screen
	}
	for _, track := range []LocalTrack{s.audio, video} {
		if track == nil {
			continue
		}
		if err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	roomID := s.roomID
	signaler := s.cfg.Signaler
	logger := s.logger
	pc.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		if err := signaler.Emit(protocol.EventICECandidate, protocol.Candidate{RoomID: roomID, To: socketID, Candidate: candidate}); err != nil {
			logger.Debug().Err(err).Str("socket_id", socketID).Msg("failed to send ice candidate")
		}
	})

	p := &peer{pc: pc}
	s.peers[socketID] = p
	return p, nil
}

// failPeerLocked abandons one peer without touching the others.
func (s *Session) failPeerLocked(event, socketID string, err error) {
	s.dropPeerLocked(socketID)
	s.reportLocked(event, socketID, err)
}

func (s *Session) dropPeerLocked(socketID string) {
	if p, ok := s.peers[socketID]; ok {
		if err := p.pc.Close(); err != nil {
			s.logger.Debug().Err(err).Str("socket_id", socketID).Msg("failed to close peer connection")
		}
		delete(s.peers, socketID)
	}
	delete(s.participants, socketID)
	delete(s.iceQueues, socketID)
}

func (s *Session) reportLocked(event, socketID string, err error) {
	s.logger.Warn().Err(err).Str("event", event).Str("socket_id", socketID).Msg("signaling failed")
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(events.SignalingError{Event: event, SocketID: socketID, Err: err})
	}
}

// ToggleAudio mutes or unmutes the microphone and returns whether it is now enabled.
func (s *Session) ToggleAudio() (bool, error) {
	return s.toggle(func() LocalTrack { return s.audio }, protocol.EventToggleAudio)
}

// ToggleVideo turns the camera on or off and returns whether it is now enabled.
func (s *Session) ToggleVideo() (bool, error) {
	return s.toggle(func() LocalTrack { return s.video }, protocol.EventToggleVideo)
}

func (s *Session) toggle(pick func() LocalTrack, event string) (bool, error) {
	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return false, fmt.Errorf("%w: toggle from %s", ErrInvalidState, state)
	}
	track := pick()
	if track == nil {
		s.mu.Unlock()
		return false, ErrMediaUnavailable
	}
	enabled := !track.Enabled()
	track.SetEnabled(enabled)
	roomID := s.roomID
	s.mu.Unlock()

	return enabled, s.cfg.Signaler.Emit(event, protocol.Toggle{RoomID: roomID, Enabled: enabled})
}

// StartScreenShare replaces the outgoing video on every peer with a screen capture.
func (s *Session) StartScreenShare(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: screen share from %s", ErrInvalidState, state)
	}
	if s.screen != nil {
		s.mu.Unlock()
		return ErrAlreadySharing
	}
	s.mu.Unlock()

	screen, err := s.cfg.Media.DisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("screen capture: %w", err)
	}

	s.mu.Lock()
	if s.state != StateActive || s.screen != nil {
		s.mu.Unlock()
		screen.Stop()
		return ErrSessionClosed
	}
	s.screen = screen
	s.replaceVideoLocked(screen, protocol.EventStartScreenShare)
	roomID := s.roomID
	s.mu.Unlock()

	return s.cfg.Signaler.Emit(protocol.EventStartScreenShare, protocol.RoomRef{RoomID: roomID})
}

// StopScreenShare restores the camera track on every peer.
func (s *Session) StopScreenShare() error {
	s.mu.Lock()
	if s.screen == nil {
		s.mu.Unlock()
		return ErrNotSharing
	}
	screen := s.screen
	s.screen = nil
	if s.video != nil {
		s.replaceVideoLocked(s.video, protocol.EventStopScreenShare)
	}
	roomID := s.roomID
	s.mu.Unlock()

	screen.Stop()
	return s.cfg.Signaler.Emit(protocol.EventStopScreenShare, protocol.RoomRef{RoomID: roomID})
}

// ScreenSharing reports whether a screen capture is being sent.
func (s *Session) ScreenSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen != nil
}

func (s *Session) replaceVideoLocked(track LocalTrack, event string) {
	for socketID, p := range s.peers {
		if err := p.pc.ReplaceVideoTrack(track); err != nil {
			s.reportLocked(event, socketID, err)
		}
	}
}

// End hangs up through the API and then leaves the room. The room is left even
// if the API call fails; that error is returned.
func (s *Session) End(ctx context.Context, reason string) error {
	roomID := s.RoomID()
	var apiErr error
	if roomID != "" {
		if _, err := s.cfg.API.EndCall(ctx, roomID, reason); err != nil {
			apiErr = fmt.Errorf("end call: %w", err)
		}
	}
	s.Leave()
	return apiErr
}

// Leave stops local media, closes every peer, clears bookkeeping, tells the
// room and finally runs OnEnded. Calling it again is a no-op.
func (s *Session) Leave() {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateEnded, StateDeclined, StateErrored:
		s.mu.Unlock()
		return
	}
	joined := s.state.inRoom()
	roomID := s.roomID
	s.releaseLocked()
	s.state = StateEnded
	s.mu.Unlock()

	if joined {
		if err := s.cfg.Signaler.Emit(protocol.EventLeaveRoom, protocol.RoomRef{RoomID: roomID}); err != nil {
			s.logger.Debug().Err(err).Str("room_id", roomID).Msg("failed to announce leave")
		}
	}

	if s.cfg.OnEnded != nil {
		s.cfg.OnEnded()
	}
}

func (s *Session) releaseLocked() {
	stopTracks([]LocalTrack{s.audio, s.video, s.screen})
	s.audio, s.video, s.screen = nil, nil, nil

	for socketID, p := range s.peers {
		if err := p.pc.Close(); err != nil {
			s.logger.Debug().Err(err).Str("socket_id", socketID).Msg("failed to close peer connection")
		}
	}
	s.peers = make(map[string]*peer)
	s.participants = make(map[string]protocol.Participant)
	s.iceQueues = make(map[string][]webrtc.ICECandidateInit)
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) failFrom(expected State) {
	s.transition(expected, StateErrored)
}

func stopTracks(tracks []LocalTrack) {
	for _, track := range tracks {
		if track != nil {
			track.Stop()
		}
	}
}
