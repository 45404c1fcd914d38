package session

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/centinelacam/centinela/pkg/log"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// peer wraps the WebRTC connection that streams annotated video back to the
// client which opened the session.
type peer struct {
	log       log.Log
	pc        *webrtc.PeerConnection
	track     *webrtc.TrackLocalStaticSample
	connected atomic.Bool
	onClosed  func()
}

func newPeer(logger log.Log, onClosed func()) (*peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", "centinela")
	if err != nil {
		pc.Close()
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, err
	}
	// Drain incoming RTCP so interceptors keep working
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	p := &peer{
		log:      log.NewPrefixLogger(logger, "Peer"),
		pc:       pc,
		track:    track,
		onClosed: onClosed,
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Infof("ICE connection state: %v", state)
		switch state {
		case webrtc.ICEConnectionStateConnected:
			p.connected.Store(true)
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed, webrtc.ICEConnectionStateDisconnected:
			p.connected.Store(false)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			if p.onClosed != nil {
				p.onClosed()
			}
		}
	})
	return p, nil
}

// HandleOffer applies the client's SDP offer and returns the complete answer
// (we wait for ICE gathering so the answer carries all candidates).
func (p *peer) HandleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete
	return p.pc.LocalDescription().SDP, nil
}

func (p *peer) AddICECandidate(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("invalid ICE candidate: %w", err)
	}
	return p.pc.AddICECandidate(candidate)
}

func (p *peer) Connected() bool {
	return p.connected.Load()
}

// WriteSample pushes one encoded sample onto the video track. Safe to call
// before the connection is up; pion buffers or drops internally.
func (p *peer) WriteSample(sample media.Sample) {
	if !p.connected.Load() {
		return
	}
	if err := p.track.WriteSample(sample); err != nil {
		p.log.Warnf("track write failed: %v", err)
	}
}

func (p *peer) Close() {
	p.connected.Store(false)
	p.pc.Close()
}
