// Package call implements the 1:1 tutoring call: one signaling room, one
// peer link, a monotonic status machine and the control surface (mute,
// camera, screen share, hang up).
package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/morpheuslive/callkit/internal/media"
	"github.com/morpheuslive/callkit/internal/rtc"
	"github.com/morpheuslive/callkit/internal/signaling"
)

// Caller roles. The tutor always initiates the offer when the peer joins;
// the student answers. That fixed asymmetry is what prevents offer glare.
const (
	RoleTutor   = "tutor"
	RoleStudent = "student"
)

// Bus is the signaling surface the session needs: sending events and
// registering inbound handlers.
type Bus interface {
	signaling.Sender
	On(signaling.Event, signaling.Handler)
}

// Options carries the optional observer hooks.
type Options struct {
	// OnStatus observes accepted status transitions.
	OnStatus func(Status)
	// OnRemoteTrack receives the peer's inbound media (display, recording).
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	// OnPeerNotice receives advisory control notices from the peer
	// (muted, unmuted, video_on, video_off).
	OnPeerNotice func(eventType string)
	// OnDeparted fires once, after the ended status has lingered, when the
	// client should leave the call screen.
	OnDeparted func()
	// EndedLinger is how long ended is displayed before OnDeparted.
	EndedLinger time.Duration
}

// Session is one 1:1 call from this client's point of view.
type Session struct {
	sessionID string
	role      string
	bus       Bus
	factory   rtc.Factory
	bundle    *media.Bundle
	machine   *Machine
	opts      Options
	log       *zap.Logger

	mu    sync.Mutex
	link  *rtc.Link
	ended bool
}

// NewSession wires the session onto the bus. Handlers are registered here;
// nothing flows until Start.
func NewSession(sessionID, role string, bus Bus, factory rtc.Factory, bundle *media.Bundle, opts Options, log *zap.Logger) *Session {
	s := &Session{
		sessionID: sessionID,
		role:      role,
		bus:       bus,
		factory:   factory,
		bundle:    bundle,
		opts:      opts,
		log:       log.With(zap.String("session", sessionID), zap.String("role", role)),
	}
	s.machine = NewMachine(opts.OnStatus)

	bus.On(signaling.EventPeerJoined, s.handlePeerJoined)
	bus.On(signaling.EventOffer, s.handleOffer)
	bus.On(signaling.EventAnswer, s.handleAnswer)
	bus.On(signaling.EventICECandidate, s.handleCandidate)
	bus.On(signaling.EventCallNotice, s.handleNotice)
	bus.On(signaling.EventCallEnded, s.handleCallEnded)
	return s
}

// Start builds the peer link, attaches whatever local media exists and
// announces presence. Media absence is tolerated; the call proceeds
// receive-only for the missing kind.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return rtc.ErrClosed
	}

	conn, err := s.factory()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	s.link = rtc.NewLink("remote", conn, rtc.Hooks{
		OnLocalCandidate: s.sendCandidate,
		// A remote track or an ICE connected state, whichever lands first,
		// moves the call to connected.
		OnRemoteTrack: func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
			s.machine.Advance(StatusConnected)
			if s.opts.OnRemoteTrack != nil {
				s.opts.OnRemoteTrack(track, recv)
			}
		},
		OnConnected: func() { s.machine.Advance(StatusConnected) },
		OnICEFailed: s.restartICE,
		OnBroken:    func() { s.endLocally("connection broken") },
	}, s.log)

	if err := s.link.AttachTracks(s.bundle.Audio(), s.bundle.Video()); err != nil {
		s.log.Warn("attaching local tracks failed, continuing receive-only", zap.Error(err))
	}

	if err := s.bus.Send(signaling.EventJoinCall, signaling.JoinCall{SessionID: s.sessionID}); err != nil {
		return fmt.Errorf("announce join: %w", err)
	}
	s.machine.Advance(StatusWaiting)
	return nil
}

// Status returns the current call status.
func (s *Session) Status() Status { return s.machine.Current() }

func (s *Session) currentLink() *rtc.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	err := s.bus.Send(signaling.EventICECandidate, signaling.CandidatePayload{
		SessionID: s.sessionID,
		Candidate: c,
	})
	if err != nil {
		s.log.Warn("candidate send failed", zap.Error(err))
	}
}

// handlePeerJoined fires when the other party enters the room. Only the
// tutor responds with an offer.
func (s *Session) handlePeerJoined(params json.RawMessage) {
	var p signaling.PeerJoined
	if err := json.Unmarshal(params, &p); err != nil {
		s.log.Warn("bad peer_joined payload", zap.Error(err))
		return
	}
	s.log.Info("peer joined", zap.String("peerRole", p.Role))

	if s.role != RoleTutor {
		return
	}
	link := s.currentLink()
	if link == nil {
		return
	}
	offer, err := link.CreateAndSetOffer(false)
	if err != nil {
		s.log.Error("offer failed", zap.Error(err))
		return
	}
	err = s.bus.Send(signaling.EventOffer, signaling.OfferPayload{SessionID: s.sessionID, Offer: offer})
	if err != nil {
		s.log.Warn("offer send failed", zap.Error(err))
	}
}

func (s *Session) handleOffer(params json.RawMessage) {
	var p signaling.OfferPayload
	if err := json.Unmarshal(params, &p); err != nil {
		s.log.Warn("bad offer payload", zap.Error(err))
		return
	}
	link := s.currentLink()
	if link == nil {
		return
	}
	if err := link.SetRemoteOffer(p.Offer); err != nil {
		s.log.Error("applying remote offer failed", zap.Error(err))
		return
	}
	answer, err := link.CreateAndSetAnswer()
	if err != nil {
		s.log.Error("answer failed", zap.Error(err))
		return
	}
	err = s.bus.Send(signaling.EventAnswer, signaling.AnswerPayload{SessionID: s.sessionID, Answer: answer})
	if err != nil {
		s.log.Warn("answer send failed", zap.Error(err))
	}
}

func (s *Session) handleAnswer(params json.RawMessage) {
	var p signaling.AnswerPayload
	if err := json.Unmarshal(params, &p); err != nil {
		s.log.Warn("bad answer payload", zap.Error(err))
		return
	}
	link := s.currentLink()
	if link == nil {
		return
	}
	if err := link.SetRemoteAnswer(p.Answer); err != nil {
		s.log.Error("applying remote answer failed", zap.Error(err))
	}
}

func (s *Session) handleCandidate(params json.RawMessage) {
	var p signaling.CandidatePayload
	if err := json.Unmarshal(params, &p); err != nil {
		s.log.Warn("bad candidate payload", zap.Error(err))
		return
	}
	link := s.currentLink()
	if link == nil {
		return
	}
	if err := link.AddCandidate(p.Candidate); err != nil {
		s.log.Debug("candidate dropped", zap.Error(err))
	}
}

func (s *Session) handleNotice(params json.RawMessage) {
	var p signaling.CallNotice
	if err := json.Unmarshal(params, &p); err != nil {
		s.log.Warn("bad call notice", zap.Error(err))
		return
	}
	if s.opts.OnPeerNotice != nil {
		s.opts.OnPeerNotice(p.EventType)
	}
}

// restartICE recovers a failed ICE state in place. Only the tutor sends the
// restart offer, keeping the initiator asymmetry; the student side waits for
// it to arrive through the normal offer handler.
func (s *Session) restartICE() {
	if s.role != RoleTutor {
		s.log.Info("ice failed, waiting for initiator restart")
		return
	}
	link := s.currentLink()
	if link == nil {
		return
	}
	s.log.Info("ice failed, restarting")
	offer, err := link.CreateAndSetOffer(true)
	if err != nil {
		s.log.Error("ice restart offer failed", zap.Error(err))
		return
	}
	err = s.bus.Send(signaling.EventOffer, signaling.OfferPayload{SessionID: s.sessionID, Offer: offer})
	if err != nil {
		s.log.Warn("ice restart offer send failed", zap.Error(err))
	}
}

// ToggleMic flips the mute state and tells the peer.
func (s *Session) ToggleMic() bool {
	enabled, notice := s.bundle.ToggleMic()
	s.sendNotice(notice)
	return enabled
}

// ToggleCamera flips the camera state and tells the peer.
func (s *Session) ToggleCamera() bool {
	enabled, notice := s.bundle.ToggleCamera()
	s.sendNotice(notice)
	return enabled
}

func (s *Session) sendNotice(eventType string) {
	err := s.bus.Send(signaling.EventCallNotice, signaling.CallNotice{
		SessionID: s.sessionID,
		EventType: eventType,
	})
	if err != nil {
		s.log.Warn("notice send failed", zap.String("notice", eventType), zap.Error(err))
	}
}

// StartScreenShare swaps the outbound video to the screen track. The camera
// keeps capturing so StopScreenShare can restore it. When the capture layer
// detects the source went away it must call StopScreenShare itself.
func (s *Session) StartScreenShare(screen *media.Track) error {
	track, err := s.bundle.StartScreen(screen)
	if err != nil {
		return err
	}
	link := s.currentLink()
	if link == nil {
		return rtc.ErrClosed
	}
	if err := link.ReplaceVideoTrack(track); err != nil {
		s.bundle.StopScreen()
		return err
	}
	return nil
}

// StopScreenShare restores the camera on the video slot. No-op when no
// share is active.
func (s *Session) StopScreenShare() error {
	restore, ok := s.bundle.StopScreen()
	if !ok {
		return nil
	}
	link := s.currentLink()
	if link == nil {
		return nil
	}
	if err := link.ReplaceVideoTrack(restore); err != nil {
		return fmt.Errorf("restore camera: %w", err)
	}
	return nil
}

// End hangs up: tells the room service, then tears down. Safe to call any
// number of times and on any path.
func (s *Session) End() {
	s.mu.Lock()
	alreadyEnded := s.ended
	s.mu.Unlock()
	if !alreadyEnded {
		err := s.bus.Send(signaling.EventEndCall, signaling.EndCall{SessionID: s.sessionID})
		if err != nil {
			s.log.Warn("end_call send failed", zap.Error(err))
		}
	}
	s.endLocally("local hangup")
}

// handleCallEnded reacts to the peer or the service ending the call.
func (s *Session) handleCallEnded(params json.RawMessage) {
	var p signaling.CallEnded
	if err := json.Unmarshal(params, &p); err == nil && p.EndedBy != "" {
		s.log.Info("call ended by peer", zap.String("endedBy", p.EndedBy))
	}
	s.endLocally("remote ended")
}

// TransportLost is invoked when the signaling channel dies. The call cannot
// continue without signaling, so it ends the same way a call_ended does.
func (s *Session) TransportLost() {
	s.endLocally("signaling transport lost")
}

// endLocally is the single teardown path. First call wins; the rest
// return immediately.
func (s *Session) endLocally(reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	link := s.link
	s.mu.Unlock()

	s.log.Info("ending call", zap.String("reason", reason))

	if link != nil {
		if err := link.Close(); err != nil {
			s.log.Warn("link close failed", zap.Error(err))
		}
	}
	s.bundle.Close()
	s.machine.Advance(StatusEnded)

	if s.opts.OnDeparted != nil {
		linger := s.opts.EndedLinger
		if linger <= 0 {
			linger = 2 * time.Second
		}
		time.AfterFunc(linger, s.opts.OnDeparted)
	}
}
