package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// TrackSender is the outbound track slot of a connection. Satisfied by
// *webrtc.RTPSender; ReplaceTrack is how screen share swaps the video source
// without renegotiating.
type TrackSender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(webrtc.TrackLocal) error
}

// Conn is the slice of the peer-connection API the engine touches. pion's
// *webrtc.PeerConnection backs it in production; the fake in rtctest backs it
// in tests, where candidate ordering and offer counts are asserted without
// opening sockets.
type Conn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (TrackSender, error)
	AddTransceiverFromKind(webrtc.RTPCodecType, webrtc.RTPTransceiverInit) error

	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// Factory builds fresh connections. The ICE server list is baked in at
// construction, so every connection a factory produces shares the servers
// resolved at join time.
type Factory func() (Conn, error)

// NewPionFactory returns a Factory producing real pion peer connections
// configured with the given ICE servers.
func NewPionFactory(servers []webrtc.ICEServer) Factory {
	return func() (Conn, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return &pionConn{pc: pc}, nil
	}
}

// pionConn adapts *webrtc.PeerConnection to Conn.
type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(opts)
}

func (c *pionConn) CreateAnswer(opts *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(opts)
}

func (c *pionConn) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *pionConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *pionConn) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) AddTrack(t webrtc.TrackLocal) (TrackSender, error) {
	sender, err := c.pc.AddTrack(t)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (c *pionConn) AddTransceiverFromKind(kind webrtc.RTPCodecType, init webrtc.RTPTransceiverInit) error {
	_, err := c.pc.AddTransceiverFromKind(kind, init)
	return err
}

func (c *pionConn) OnICECandidate(f func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(f)
}

func (c *pionConn) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.pc.OnTrack(f)
}

func (c *pionConn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(f)
}

func (c *pionConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(f)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
