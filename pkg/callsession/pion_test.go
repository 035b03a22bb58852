package callsession

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestPionPeersNegotiateAndReplaceVideo(t *testing.T) {
	factory, err := NewPionFactory(nil)
	require.NoError(t, err)

	devices := NewSyntheticDevices()
	tracks, err := devices.UserMedia(context.Background())
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	caller, err := factory.NewPeer("callee")
	require.NoError(t, err)
	defer caller.Close()
	callee, err := factory.NewPeer("caller")
	require.NoError(t, err)
	defer callee.Close()

	for _, track := range tracks {
		require.NoError(t, caller.AddTrack(track))
	}

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	require.NoError(t, caller.SetLocalDescription(offer))

	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, callee.SetLocalDescription(answer))
	require.NoError(t, caller.SetRemoteDescription(answer))

	screen, err := devices.DisplayMedia(context.Background())
	require.NoError(t, err)

	peer := caller.(*pionPeer)
	before := peer.pc.GetTransceivers()
	require.NoError(t, caller.ReplaceVideoTrack(screen))
	require.Same(t, screen.TrackLocal(), peer.video.Track())
	require.Equal(t, webrtc.SignalingStateStable, peer.pc.SignalingState())
	require.Len(t, peer.pc.GetTransceivers(), len(before))

	require.NoError(t, caller.ReplaceVideoTrack(tracks[1]))
	require.Same(t, tracks[1].TrackLocal(), peer.video.Track())
}

func TestPionPeerWithoutVideoCannotReplace(t *testing.T) {
	factory, err := NewPionFactory([]string{"stun:stun.l.google.com:19302"})
	require.NoError(t, err)

	pc, err := factory.NewPeer("remote")
	require.NoError(t, err)
	defer pc.Close()

	screen, err := NewSyntheticDevices().DisplayMedia(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, pc.ReplaceVideoTrack(screen), errNoVideoSender)
}

func TestSampleTrackMuteAndStop(t *testing.T) {
	track, err := NewSampleTrack(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, "mic", "stream")
	require.NoError(t, err)
	require.True(t, track.Enabled())
	require.True(t, track.Live())

	track.SetEnabled(false)
	require.False(t, track.Enabled())
	track.Stop()
	require.False(t, track.Live())
	require.Equal(t, "mic", track.ID())
}
