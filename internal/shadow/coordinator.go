// Package shadow implements the multi-party shadow session: a full mesh of
// peer links between two hosts working through a doubt and any number of
// receive-only observers, plus the session chat, comprehension polls and
// screen-share notices.
package shadow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/morpheuslive/callkit/internal/media"
	"github.com/morpheuslive/callkit/internal/rtc"
	"github.com/morpheuslive/callkit/internal/signaling"
)

var (
	// ErrNotHost is returned when a receive-only participant tries a
	// host-only operation.
	ErrNotHost = errors.New("operation requires a host role")
	// ErrNotShadow is returned when a host tries to cast a poll vote.
	ErrNotShadow = errors.New("only shadows vote")
	// ErrAlreadyVoted is returned on a second vote in the same round.
	ErrAlreadyVoted = errors.New("already voted this round")
	// ErrNoOpenRound is returned when voting before any round opened.
	ErrNoOpenRound = errors.New("no poll round open")
)

// Bus is the signaling surface the coordinator needs.
type Bus interface {
	signaling.Sender
	On(signaling.Event, signaling.Handler)
}

// Options carries the observer hooks and tuning knobs.
type Options struct {
	// OnRemoteTrack receives inbound media, tagged with the sending peer.
	OnRemoteTrack func(peerID string, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)
	// OnChat observes every appended chat message, own and remote.
	OnChat func(signaling.ChatMessage)
	// OnPollOpened tells an observer a round is open for voting.
	OnPollOpened func(round int)
	// OnPollResults observes each tally broadcast.
	OnPollResults func(signaling.PollResults)
	// OnPeerScreenShare observes peers starting or stopping a share.
	OnPeerScreenShare func(peerID string, sharing bool)
	// OnRosterChange fires after any membership change.
	OnRosterChange func(peers []signaling.Participant)
	// OnEnded fires exactly once when the session is torn down.
	OnEnded func()
	// PollInterval is the host tutor's automatic round cadence. Zero
	// disables the ticker; rounds can still be opened manually.
	PollInterval time.Duration
}

// Coordinator is one participant's view of a shadow session.
type Coordinator struct {
	doubtID string
	userID  string
	name    string
	bus     Bus
	factory rtc.Factory
	bundle  *media.Bundle
	opts    Options
	log     *zap.Logger

	mu        sync.Mutex
	role      signaling.ShadowRole
	doubt     signaling.Doubt
	links     map[string]*rtc.Link
	initiated map[string]bool
	roster    map[string]signaling.Participant
	chat      []signaling.ChatMessage

	round      int
	votedRound map[int]bool
	votes      map[int]map[string]string
	results    map[int]signaling.PollResults

	tickerStop chan struct{}
	ended      bool
}

// NewCoordinator wires the coordinator onto the bus. Nothing flows until
// Join.
func NewCoordinator(doubtID, userID, name string, bus Bus, factory rtc.Factory, bundle *media.Bundle, opts Options, log *zap.Logger) *Coordinator {
	c := &Coordinator{
		doubtID:    doubtID,
		userID:     userID,
		name:       name,
		bus:        bus,
		factory:    factory,
		bundle:     bundle,
		opts:       opts,
		log:        log.With(zap.String("doubt", doubtID)),
		links:      make(map[string]*rtc.Link),
		initiated:  make(map[string]bool),
		roster:     make(map[string]signaling.Participant),
		votedRound: make(map[int]bool),
		votes:      make(map[int]map[string]string),
		results:    make(map[int]signaling.PollResults),
	}

	bus.On(signaling.EventShadowRoomState, c.handleRoomState)
	bus.On(signaling.EventShadowPeerJoined, c.handlePeerJoined)
	bus.On(signaling.EventShadowPeerLeft, c.handlePeerLeft)
	bus.On(signaling.EventShadowOffer, c.handleOffer)
	bus.On(signaling.EventShadowAnswer, c.handleAnswer)
	bus.On(signaling.EventShadowICE, c.handleCandidate)
	bus.On(signaling.EventShadowChat, c.handleChat)
	bus.On(signaling.EventShadowPollOpen, c.handlePollOpen)
	bus.On(signaling.EventShadowPollVote, c.handlePollVote)
	bus.On(signaling.EventShadowPollResults, c.handlePollResults)
	bus.On(signaling.EventShadowPeerScreen, c.handlePeerScreen)
	bus.On(signaling.EventShadowEnded, c.handleSessionEnded)
	return c
}

// Join announces presence. The room service answers with a room_state
// snapshot, which drives role adoption and mesh setup.
func (c *Coordinator) Join() error {
	err := c.bus.Send(signaling.EventShadowJoin, signaling.JoinSession{DoubtID: c.doubtID})
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	return nil
}

// Role returns the role assigned by the room service. Empty before the
// room_state snapshot arrives.
func (c *Coordinator) Role() signaling.ShadowRole {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Doubt returns the doubt metadata from the snapshot.
func (c *Coordinator) Doubt() signaling.Doubt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doubt
}

// handleRoomState adopts the assigned role and builds the mesh: the joiner
// initiates toward every member already in the snapshot. Members joining
// later initiate toward us, so each pair negotiates exactly once.
func (c *Coordinator) handleRoomState(params json.RawMessage) {
	var state signaling.RoomState
	if err := json.Unmarshal(params, &state); err != nil {
		c.log.Warn("bad room_state payload", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.role = state.ShadowRole
	c.doubt = state.Doubt
	c.mu.Unlock()

	c.log.Info("joined shadow session",
		zap.String("role", string(state.ShadowRole)),
		zap.Int("peers", len(state.Peers)))

	// Observers never send media; the camera is released outright so no
	// later path can attach it.
	if !state.ShadowRole.IsHost() {
		c.bundle.DropVideo()
	}

	for _, peer := range state.Peers {
		c.mu.Lock()
		c.roster[peer.SocketID] = peer
		c.mu.Unlock()

		link, err := c.ensureLink(peer.SocketID, true)
		if err != nil {
			c.log.Error("link setup failed", zap.String("peer", peer.SocketID), zap.Error(err))
			continue
		}
		offer, err := link.CreateAndSetOffer(false)
		if err != nil {
			c.log.Error("offer failed", zap.String("peer", peer.SocketID), zap.Error(err))
			continue
		}
		err = c.bus.Send(signaling.EventShadowOffer, signaling.ShadowOffer{
			DoubtID:  c.doubtID,
			ToPeerID: peer.SocketID,
			Offer:    offer,
		})
		if err != nil {
			c.log.Warn("offer send failed", zap.String("peer", peer.SocketID), zap.Error(err))
		}
	}
	c.notifyRoster()

	if state.ShadowRole == signaling.RoleHostTutor && c.opts.PollInterval > 0 {
		c.startPollTicker()
	}
}

// ensureLink returns the link for a peer, creating it on first contact.
// Track attachment follows the role policy: hosts send to everyone,
// observers to no one. The initiator flag records which side of the pair
// drives offers, including ICE restarts.
func (c *Coordinator) ensureLink(peerID string, initiator bool) (*rtc.Link, error) {
	c.mu.Lock()
	if link, ok := c.links[peerID]; ok {
		c.mu.Unlock()
		return link, nil
	}
	role := c.role
	c.mu.Unlock()

	conn, err := c.factory()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	link := rtc.NewLink(peerID, conn, rtc.Hooks{
		OnLocalCandidate: func(cand webrtc.ICECandidateInit) {
			err := c.bus.Send(signaling.EventShadowICE, signaling.ShadowCandidate{
				DoubtID:   c.doubtID,
				ToPeerID:  peerID,
				Candidate: cand,
			})
			if err != nil {
				c.log.Warn("candidate send failed", zap.String("peer", peerID), zap.Error(err))
			}
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
			if c.opts.OnRemoteTrack != nil {
				c.opts.OnRemoteTrack(peerID, track, recv)
			}
		},
		OnICEFailed: func() { c.restartICE(peerID) },
		OnBroken:    func() { c.dropPeer(peerID) },
	}, c.log)

	// Hosts send their capture; observers attach nothing. Either way the
	// link requests inbound audio and video via recvonly transceivers for
	// the kinds that have no local track.
	var audio, video webrtc.TrackLocal
	if role.IsHost() {
		audio, video = c.bundle.Audio(), c.bundle.Video()
	}
	if err := link.AttachTracks(audio, video); err != nil {
		c.log.Warn("attaching tracks failed, continuing receive-only",
			zap.String("peer", peerID), zap.Error(err))
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		link.Close()
		return nil, rtc.ErrClosed
	}
	c.links[peerID] = link
	c.initiated[peerID] = initiator
	c.mu.Unlock()
	return link, nil
}

func (c *Coordinator) link(peerID string) *rtc.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[peerID]
}

// handlePeerJoined records the newcomer. No offer goes out: the later
// joiner initiates from its room_state snapshot.
func (c *Coordinator) handlePeerJoined(params json.RawMessage) {
	var p signaling.Participant
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("bad participant_joined payload", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.roster[p.SocketID] = p
	c.mu.Unlock()
	c.log.Info("participant joined", zap.String("peer", p.SocketID), zap.String("role", string(p.ShadowRole)))
	c.notifyRoster()
}

func (c *Coordinator) handlePeerLeft(params json.RawMessage) {
	var p signaling.Participant
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("bad participant_left payload", zap.Error(err))
		return
	}
	c.dropPeer(p.SocketID)
}

// dropPeer closes and forgets one pairing without touching the session.
func (c *Coordinator) dropPeer(peerID string) {
	c.mu.Lock()
	link := c.links[peerID]
	delete(c.links, peerID)
	delete(c.initiated, peerID)
	delete(c.roster, peerID)
	c.mu.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			c.log.Warn("link close failed", zap.String("peer", peerID), zap.Error(err))
		}
		c.log.Info("participant left", zap.String("peer", peerID))
	}
	c.notifyRoster()
}

// handleOffer answers a directed offer. The sender may be unknown when its
// participant_joined raced the offer; an ephemeral roster entry covers that.
func (c *Coordinator) handleOffer(params json.RawMessage) {
	var p signaling.ShadowOffer
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("bad shadow offer payload", zap.Error(err))
		return
	}
	from := p.FromSocketID
	if from == "" {
		c.log.Warn("shadow offer without sender")
		return
	}

	c.mu.Lock()
	if _, known := c.roster[from]; !known {
		c.roster[from] = signaling.Participant{
			SocketID:   from,
			UserID:     p.FromUserID,
			ShadowRole: p.FromRole,
		}
	}
	c.mu.Unlock()

	link, err := c.ensureLink(from, false)
	if err != nil {
		c.log.Error("responder link failed", zap.String("peer", from), zap.Error(err))
		return
	}
	if err := link.SetRemoteOffer(p.Offer); err != nil {
		c.log.Error("applying shadow offer failed", zap.String("peer", from), zap.Error(err))
		return
	}
	answer, err := link.CreateAndSetAnswer()
	if err != nil {
		c.log.Error("shadow answer failed", zap.String("peer", from), zap.Error(err))
		return
	}
	err = c.bus.Send(signaling.EventShadowAnswer, signaling.ShadowAnswer{
		DoubtID:  c.doubtID,
		ToPeerID: from,
		Answer:   answer,
	})
	if err != nil {
		c.log.Warn("shadow answer send failed", zap.String("peer", from), zap.Error(err))
	}
}

func (c *Coordinator) handleAnswer(params json.RawMessage) {
	var p signaling.ShadowAnswer
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("bad shadow answer payload", zap.Error(err))
		return
	}
	link := c.link(p.FromSocketID)
	if link == nil {
		c.log.Warn("answer from unknown peer", zap.String("peer", p.FromSocketID))
		return
	}
	if err := link.SetRemoteAnswer(p.Answer); err != nil {
		c.log.Error("applying shadow answer failed", zap.String("peer", p.FromSocketID), zap.Error(err))
	}
}

// handleCandidate routes a directed candidate. A candidate may outrun the
// offer from the same peer; the link is created early so it buffers.
func (c *Coordinator) handleCandidate(params json.RawMessage) {
	var p signaling.ShadowCandidate
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("bad shadow candidate payload", zap.Error(err))
		return
	}
	if p.FromSocketID == "" {
		return
	}
	link, err := c.ensureLink(p.FromSocketID, false)
	if err != nil {
		c.log.Warn("candidate for unreachable peer", zap.String("peer", p.FromSocketID), zap.Error(err))
		return
	}
	if err := link.AddCandidate(p.Candidate); err != nil {
		c.log.Debug("candidate dropped", zap.String("peer", p.FromSocketID), zap.Error(err))
	}
}

// restartICE recovers one failed pairing in place. The offer initiator for
// the pair handles it; the responder waits for the restart offer.
func (c *Coordinator) restartICE(peerID string) {
	c.mu.Lock()
	link := c.links[peerID]
	initiator := c.initiated[peerID]
	c.mu.Unlock()
	if link == nil {
		return
	}
	if !initiator {
		c.log.Info("ice failed, waiting for initiator restart", zap.String("peer", peerID))
		return
	}
	c.log.Info("ice failed, restarting", zap.String("peer", peerID))
	offer, err := link.CreateAndSetOffer(true)
	if err != nil {
		c.log.Error("ice restart offer failed", zap.String("peer", peerID), zap.Error(err))
		return
	}
	err = c.bus.Send(signaling.EventShadowOffer, signaling.ShadowOffer{
		DoubtID:  c.doubtID,
		ToPeerID: peerID,
		Offer:    offer,
	})
	if err != nil {
		c.log.Warn("ice restart send failed", zap.String("peer", peerID), zap.Error(err))
	}
}

// SendChat appends the message locally and broadcasts it.
func (c *Coordinator) SendChat(text string) error {
	c.mu.Lock()
	role := c.role
	c.mu.Unlock()

	msg := signaling.ChatMessage{
		DoubtID:    c.doubtID,
		FromUserID: c.userID,
		Name:       c.name,
		ShadowRole: role,
		Text:       text,
		SentAt:     time.Now().UTC(),
	}
	c.appendChat(msg)
	if err := c.bus.Send(signaling.EventShadowChat, msg); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}
	return nil
}

func (c *Coordinator) handleChat(params json.RawMessage) {
	var msg signaling.ChatMessage
	if err := json.Unmarshal(params, &msg); err != nil {
		c.log.Warn("bad chat payload", zap.Error(err))
		return
	}
	c.appendChat(msg)
}

// appendChat keeps arrival order; nothing is reordered or deduplicated.
func (c *Coordinator) appendChat(msg signaling.ChatMessage) {
	c.mu.Lock()
	c.chat = append(c.chat, msg)
	c.mu.Unlock()
	if c.opts.OnChat != nil {
		c.opts.OnChat(msg)
	}
}

// ChatLog returns a copy of the messages in arrival order.
func (c *Coordinator) ChatLog() []signaling.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signaling.ChatMessage, len(c.chat))
	copy(out, c.chat)
	return out
}

func (c *Coordinator) startPollTicker() {
	c.mu.Lock()
	if c.tickerStop != nil || c.ended {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.tickerStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.OpenRound(); err != nil {
					if errors.Is(err, rtc.ErrClosed) || errors.Is(err, ErrNotHost) {
						return
					}
					// Transient send failure; the cadence keeps going.
					c.log.Warn("scheduled poll round failed", zap.Error(err))
				}
			case <-stop:
				return
			}
		}
	}()
}

// OpenRound starts the next comprehension round. Host tutor only.
func (c *Coordinator) OpenRound() error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return rtc.ErrClosed
	}
	if c.role != signaling.RoleHostTutor {
		c.mu.Unlock()
		return ErrNotHost
	}
	c.round++
	round := c.round
	c.votes[round] = make(map[string]string)
	c.mu.Unlock()

	c.log.Info("poll round opened", zap.Int("round", round))
	err := c.bus.Send(signaling.EventShadowPollOpen, signaling.PollOpen{DoubtID: c.doubtID, Round: round})
	if err != nil {
		return fmt.Errorf("open poll round: %w", err)
	}
	return nil
}

func (c *Coordinator) handlePollOpen(params json.RawMessage) {
	var p signaling.PollOpen
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("bad poll_open payload", zap.Error(err))
		return
	}
	c.mu.Lock()
	if p.Round > c.round {
		c.round = p.Round
	}
	role := c.role
	c.mu.Unlock()

	if role == signaling.RoleShadow && c.opts.OnPollOpened != nil {
		c.opts.OnPollOpened(p.Round)
	}
}

// CastVote submits this observer's vote for the open round. The voted flag
// makes a second attempt fail locally before anything hits the wire.
func (c *Coordinator) CastVote(vote string) error {
	if vote != signaling.VoteGotIt && vote != signaling.VoteConfused {
		return fmt.Errorf("unknown vote %q", vote)
	}

	c.mu.Lock()
	if c.role != signaling.RoleShadow {
		c.mu.Unlock()
		return ErrNotShadow
	}
	round := c.round
	if round == 0 {
		c.mu.Unlock()
		return ErrNoOpenRound
	}
	if c.votedRound[round] {
		c.mu.Unlock()
		return ErrAlreadyVoted
	}
	c.votedRound[round] = true
	c.mu.Unlock()

	err := c.bus.Send(signaling.EventShadowPollVote, signaling.PollVote{
		DoubtID:    c.doubtID,
		FromUserID: c.userID,
		Round:      round,
		Vote:       vote,
	})
	if err != nil {
		return fmt.Errorf("cast vote: %w", err)
	}
	return nil
}

// handlePollVote aggregates on the host tutor. Per-voter dedupe means a
// replayed or duplicated vote can never skew a round's tally.
func (c *Coordinator) handlePollVote(params json.RawMessage) {
	var p signaling.PollVote
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("bad poll_vote payload", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.role != signaling.RoleHostTutor || p.FromUserID == "" {
		c.mu.Unlock()
		return
	}
	voters, ok := c.votes[p.Round]
	if !ok {
		c.mu.Unlock()
		c.log.Warn("vote for unopened round", zap.Int("round", p.Round))
		return
	}
	if _, dup := voters[p.FromUserID]; dup {
		c.mu.Unlock()
		return
	}
	voters[p.FromUserID] = p.Vote

	tally := signaling.PollResults{DoubtID: c.doubtID, Round: p.Round}
	for _, v := range voters {
		switch v {
		case signaling.VoteGotIt:
			tally.GotIt++
		case signaling.VoteConfused:
			tally.Confused++
		}
	}
	tally.Total = tally.GotIt + tally.Confused
	c.results[p.Round] = tally
	c.mu.Unlock()

	if c.opts.OnPollResults != nil {
		c.opts.OnPollResults(tally)
	}
	if err := c.bus.Send(signaling.EventShadowPollResults, tally); err != nil {
		c.log.Warn("poll results send failed", zap.Error(err))
	}
}

func (c *Coordinator) handlePollResults(params json.RawMessage) {
	var tally signaling.PollResults
	if err := json.Unmarshal(params, &tally); err != nil {
		c.log.Warn("bad poll_results payload", zap.Error(err))
		return
	}
	c.mu.Lock()
	if c.role == signaling.RoleHostTutor {
		// Our own broadcast reflected back; the local tally is canonical.
		c.mu.Unlock()
		return
	}
	c.results[tally.Round] = tally
	c.mu.Unlock()

	if c.opts.OnPollResults != nil {
		c.opts.OnPollResults(tally)
	}
}

// ResultsFor returns the cached tally for a round.
func (c *Coordinator) ResultsFor(round int) (signaling.PollResults, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tally, ok := c.results[round]
	return tally, ok
}

// StartScreenShare swaps every outbound video sender to the screen track
// and notifies the room. Hosts only.
func (c *Coordinator) StartScreenShare(screen *media.Track) error {
	c.mu.Lock()
	if !c.role.IsHost() {
		c.mu.Unlock()
		return ErrNotHost
	}
	c.mu.Unlock()

	track, err := c.bundle.StartScreen(screen)
	if err != nil {
		return err
	}
	c.replaceVideoEverywhere(track)

	err = c.bus.Send(signaling.EventShadowScreenShare, signaling.ScreenShare{DoubtID: c.doubtID, Sharing: true})
	if err != nil {
		c.log.Warn("screen share notice failed", zap.Error(err))
	}
	return nil
}

// StopScreenShare restores the camera everywhere. No-op without a share.
func (c *Coordinator) StopScreenShare() error {
	restore, ok := c.bundle.StopScreen()
	if !ok {
		return nil
	}
	c.replaceVideoEverywhere(restore)

	err := c.bus.Send(signaling.EventShadowScreenShare, signaling.ScreenShare{DoubtID: c.doubtID, Sharing: false})
	if err != nil {
		c.log.Warn("screen share notice failed", zap.Error(err))
	}
	return nil
}

func (c *Coordinator) replaceVideoEverywhere(track webrtc.TrackLocal) {
	c.mu.Lock()
	links := make([]*rtc.Link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	for _, l := range links {
		if !l.HasVideoSender() {
			continue
		}
		if err := l.ReplaceVideoTrack(track); err != nil {
			c.log.Warn("video replace failed", zap.String("peer", l.PeerID), zap.Error(err))
		}
	}
}

func (c *Coordinator) handlePeerScreen(params json.RawMessage) {
	var p signaling.ScreenShare
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Warn("bad screen share payload", zap.Error(err))
		return
	}
	if c.opts.OnPeerScreenShare != nil {
		c.opts.OnPeerScreenShare(p.FromSocketID, p.Sharing)
	}
}

// Roster returns a copy of the current membership.
func (c *Coordinator) Roster() []signaling.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signaling.Participant, 0, len(c.roster))
	for _, p := range c.roster {
		out = append(out, p)
	}
	return out
}

func (c *Coordinator) notifyRoster() {
	if c.opts.OnRosterChange != nil {
		c.opts.OnRosterChange(c.Roster())
	}
}

// End asks the room service to end the session for everyone, then tears
// down locally. Hosts only; observers use Leave.
func (c *Coordinator) End() error {
	c.mu.Lock()
	isHost := c.role.IsHost()
	c.mu.Unlock()
	if !isHost {
		return ErrNotHost
	}

	err := c.bus.Send(signaling.EventShadowEnd, signaling.EndSession{DoubtID: c.doubtID})
	if err != nil {
		c.log.Warn("end_session send failed", zap.Error(err))
	}
	c.teardown("local end")
	return nil
}

// Leave tears down this participant only.
func (c *Coordinator) Leave() {
	c.teardown("local leave")
}

func (c *Coordinator) handleSessionEnded(json.RawMessage) {
	c.teardown("session ended")
}

// TransportLost ends the session view when signaling dies; the mesh cannot
// be maintained without it.
func (c *Coordinator) TransportLost() {
	c.teardown("signaling transport lost")
}

// teardown is the single exit path. First caller wins.
func (c *Coordinator) teardown(reason string) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	links := c.links
	c.links = make(map[string]*rtc.Link)
	c.initiated = make(map[string]bool)
	c.roster = make(map[string]signaling.Participant)
	if c.tickerStop != nil {
		close(c.tickerStop)
		c.tickerStop = nil
	}
	c.mu.Unlock()

	c.log.Info("leaving shadow session", zap.String("reason", reason))
	for _, link := range links {
		if err := link.Close(); err != nil {
			c.log.Warn("link close failed", zap.String("peer", link.PeerID), zap.Error(err))
		}
	}
	c.bundle.Close()

	if c.opts.OnEnded != nil {
		c.opts.OnEnded()
	}
}
