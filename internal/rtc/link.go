package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by every operation on a torn-down link.
	ErrClosed = errors.New("peer link closed")
	// ErrNoVideoSender is returned by ReplaceVideoTrack when the link never
	// attached a video track (receive-only links).
	ErrNoVideoSender = errors.New("no video sender on link")
)

// Hooks fan link events out to the owning session. Nil hooks are skipped.
// All hooks fire from pion callback goroutines; the session serializes them
// through its own mutex.
type Hooks struct {
	// OnLocalCandidate fires for every locally gathered candidate, which is
	// emitted to the peer immediately. Outgoing candidates are never buffered.
	OnLocalCandidate func(webrtc.ICECandidateInit)
	OnRemoteTrack    func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	// OnConnected fires when ICE reaches connected or completed.
	OnConnected func()
	// OnICEFailed fires when ICE fails; the owner answers with an ICE
	// restart, not a teardown.
	OnICEFailed func()
	// OnBroken fires when the underlying connection reaches failed or
	// closed, which the owner treats as the end of the pairing.
	OnBroken func()
}

// Link binds one remote peer: the connection, the trickle-ICE candidate
// buffer and the outbound track senders. Inbound candidates that arrive
// before the remote description are queued and flushed, in arrival order,
// the moment the description lands; candidates arriving after are applied
// immediately. A failed candidate add logs and skips, it never aborts the
// flush.
type Link struct {
	PeerID string

	conn  Conn
	hooks Hooks
	log   *zap.Logger

	mu          sync.Mutex
	pending     []webrtc.ICECandidateInit
	remoteSet   bool
	audioSender TrackSender
	videoSender TrackSender
	closed      bool
}

// NewLink wires a connection to its hooks. All pion callbacks are registered
// here, in one place, before any signaling is exchanged.
func NewLink(peerID string, conn Conn, hooks Hooks, log *zap.Logger) *Link {
	l := &Link{
		PeerID: peerID,
		conn:   conn,
		hooks:  hooks,
		log:    log.With(zap.String("peer", peerID)),
	}
	l.setupCallbacks()
	return l
}

func (l *Link) setupCallbacks() {
	l.conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		if l.isClosed() {
			return
		}
		if l.hooks.OnLocalCandidate != nil {
			l.hooks.OnLocalCandidate(c.ToJSON())
		}
	})

	l.conn.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		if track != nil {
			l.log.Info("remote track",
				zap.String("kind", track.Kind().String()),
				zap.String("id", track.ID()))
		}
		if l.hooks.OnRemoteTrack != nil {
			l.hooks.OnRemoteTrack(track, recv)
		}
	})

	l.conn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		l.log.Debug("ice state", zap.String("state", state.String()))
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			if l.hooks.OnConnected != nil {
				l.hooks.OnConnected()
			}
		case webrtc.ICEConnectionStateFailed:
			if !l.isClosed() && l.hooks.OnICEFailed != nil {
				l.hooks.OnICEFailed()
			}
		}
	})

	l.conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.log.Debug("connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if !l.isClosed() && l.hooks.OnBroken != nil {
				l.hooks.OnBroken()
			}
		}
	})
}

// AttachTracks adds the local senders. Either argument may be nil; a kind
// with no local track gets a recvonly transceiver instead, so the offer
// still requests that media from the peer. Receive-only participants pass
// nil for both and end up requesting audio and video without sending any.
func (l *Link) AttachTracks(audio, video webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}

	if audio != nil {
		sender, err := l.conn.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		l.audioSender = sender
	} else if err := l.conn.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
		return fmt.Errorf("add recvonly audio transceiver: %w", err)
	}

	if video != nil {
		sender, err := l.conn.AddTrack(video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		l.videoSender = sender
	} else if err := l.conn.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
		return fmt.Errorf("add recvonly video transceiver: %w", err)
	}
	return nil
}

// CreateAndSetOffer produces the local offer and applies it. With iceRestart
// the offer requests new ICE credentials on the existing link, which is the
// recovery path for a failed ICE state.
func (l *Link) CreateAndSetOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := l.conn.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// SetRemoteOffer applies the peer's offer and releases any queued
// candidates.
func (l *Link) SetRemoteOffer(sd webrtc.SessionDescription) error {
	return l.setRemote(sd, "offer")
}

// SetRemoteAnswer applies the peer's answer and releases any queued
// candidates.
func (l *Link) SetRemoteAnswer(sd webrtc.SessionDescription) error {
	return l.setRemote(sd, "answer")
}

func (l *Link) setRemote(sd webrtc.SessionDescription, what string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if err := l.conn.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", what, err)
	}
	l.remoteSet = true
	l.flushPendingLocked()
	return nil
}

// flushPendingLocked applies the queued candidates in arrival order.
func (l *Link) flushPendingLocked() {
	for _, c := range l.pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.log.Warn("buffered candidate rejected", zap.Error(err))
		}
	}
	if n := len(l.pending); n > 0 {
		l.log.Debug("flushed buffered candidates", zap.Int("count", n))
	}
	l.pending = nil
}

// CreateAndSetAnswer produces the local answer to an applied remote offer.
func (l *Link) CreateAndSetAnswer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}

	answer, err := l.conn.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// AddCandidate queues the candidate until the remote description is applied,
// then applies directly. Never fails the caller for a bad candidate; those
// are logged and dropped, matching how trickle ICE degrades.
func (l *Link) AddCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if !l.remoteSet {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.conn.AddICECandidate(c); err != nil {
		l.log.Warn("candidate rejected", zap.Error(err))
	}
	return nil
}

// ReplaceVideoTrack swaps the outbound video source in place, with no
// renegotiation. Passing nil blanks the slot.
func (l *Link) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.videoSender == nil {
		return ErrNoVideoSender
	}
	if err := l.videoSender.ReplaceTrack(t); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

// HasVideoSender reports whether an outbound video slot exists.
func (l *Link) HasVideoSender() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.videoSender != nil
}

// PendingCandidates reports the buffered candidate count.
func (l *Link) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close tears the link down. Every subsequent operation returns ErrClosed;
// calling Close again is a no-op.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.pending = nil
	l.mu.Unlock()

	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}
