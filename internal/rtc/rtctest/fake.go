// Package rtctest provides in-memory fakes for the rtc.Conn surface so
// signaling order, offer counts and teardown behavior can be asserted
// without sockets or media devices.
package rtctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/morpheuslive/callkit/internal/rtc"
)

// FakeConn records every operation performed on it and lets tests fire the
// callbacks a real peer connection would.
type FakeConn struct {
	mu sync.Mutex

	OfferCount    int
	AnswerCount   int
	LastOfferOpts *webrtc.OfferOptions
	LocalDesc     *webrtc.SessionDescription
	RemoteDesc    *webrtc.SessionDescription
	AppliedCands  []webrtc.ICECandidateInit
	AddedTracks   []webrtc.TrackLocal
	Senders       []*FakeSender
	Transceivers  []AddedTransceiver
	CloseCount    int

	// Error injection. Nil means succeed.
	SetRemoteErr    error
	AddCandidateErr func(webrtc.ICECandidateInit) error
	AddTrackErr     error

	onICECandidate func(*webrtc.ICECandidate)
	onTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onICEState     func(webrtc.ICEConnectionState)
	onConnState    func(webrtc.PeerConnectionState)
}

// NewFakeConn returns an empty fake.
func NewFakeConn() *FakeConn { return &FakeConn{} }

// Factory returns an rtc.Factory handing out fresh fakes, recording each
// one so the test can drive it afterwards.
func Factory(made *[]*FakeConn) rtc.Factory {
	var mu sync.Mutex
	return func() (rtc.Conn, error) {
		c := NewFakeConn()
		mu.Lock()
		*made = append(*made, c)
		mu.Unlock()
		return c, nil
	}
}

func (c *FakeConn) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OfferCount++
	c.LastOfferOpts = opts
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0 fake-offer-%d", c.OfferCount),
	}, nil
}

func (c *FakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RemoteDesc == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer applied")
	}
	c.AnswerCount++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0 fake-answer-%d", c.AnswerCount),
	}, nil
}

func (c *FakeConn) SetLocalDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LocalDesc = &sd
	return nil
}

func (c *FakeConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetRemoteErr != nil {
		return c.SetRemoteErr
	}
	c.RemoteDesc = &sd
	return nil
}

func (c *FakeConn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LocalDesc
}

func (c *FakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AddCandidateErr != nil {
		if err := c.AddCandidateErr(cand); err != nil {
			return err
		}
	}
	c.AppliedCands = append(c.AppliedCands, cand)
	return nil
}

func (c *FakeConn) AddTrack(t webrtc.TrackLocal) (rtc.TrackSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AddTrackErr != nil {
		return nil, c.AddTrackErr
	}
	c.AddedTracks = append(c.AddedTracks, t)
	s := &FakeSender{current: t}
	c.Senders = append(c.Senders, s)
	return s, nil
}

func (c *FakeConn) AddTransceiverFromKind(kind webrtc.RTPCodecType, init webrtc.RTPTransceiverInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transceivers = append(c.Transceivers, AddedTransceiver{Kind: kind, Direction: init.Direction})
	return nil
}

func (c *FakeConn) OnICECandidate(f func(*webrtc.ICECandidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICECandidate = f
}

func (c *FakeConn) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = f
}

func (c *FakeConn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICEState = f
}

func (c *FakeConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnState = f
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCount++
	return nil
}

// FireICEState invokes the registered ICE state callback.
func (c *FakeConn) FireICEState(s webrtc.ICEConnectionState) {
	c.mu.Lock()
	f := c.onICEState
	c.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// FireConnState invokes the registered connection state callback.
func (c *FakeConn) FireConnState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	f := c.onConnState
	c.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// FireTrack invokes the registered remote-track callback. Tests pass nil
// for both arguments; *webrtc.TrackRemote cannot be built outside pion.
func (c *FakeConn) FireTrack(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	c.mu.Lock()
	f := c.onTrack
	c.mu.Unlock()
	if f != nil {
		f(track, recv)
	}
}

// AddedTransceiver records one AddTransceiverFromKind call.
type AddedTransceiver struct {
	Kind      webrtc.RTPCodecType
	Direction webrtc.RTPTransceiverDirection
}

// FakeSender implements rtc.TrackSender and records replacements.
type FakeSender struct {
	mu       sync.Mutex
	current  webrtc.TrackLocal
	Replaced []webrtc.TrackLocal
}

func (s *FakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *FakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = t
	s.Replaced = append(s.Replaced, t)
	return nil
}

// FakeTrack is a minimal webrtc.TrackLocal for wiring through AddTrack and
// ReplaceTrack in tests.
type FakeTrack struct {
	TrackID string
	Kind_   webrtc.RTPCodecType
}

func NewFakeTrack(id string, kind webrtc.RTPCodecType) *FakeTrack {
	return &FakeTrack{TrackID: id, Kind_: kind}
}

func (t *FakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *FakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *FakeTrack) ID() string                            { return t.TrackID }
func (t *FakeTrack) RID() string                           { return "" }
func (t *FakeTrack) StreamID() string                      { return "callkit-test" }
func (t *FakeTrack) Kind() webrtc.RTPCodecType             { return t.Kind_ }
