package shadow

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/morpheuslive/callkit/internal/media"
	"github.com/morpheuslive/callkit/internal/rtc/rtctest"
	"github.com/morpheuslive/callkit/internal/signaling"
)

type fakeBus struct {
	mu       sync.Mutex
	handlers map[signaling.Event]signaling.Handler
	sent     []busEvent
	sendErr  func(signaling.Event) error
}

type busEvent struct {
	ev     signaling.Event
	params json.RawMessage
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[signaling.Event]signaling.Handler)}
}

func (b *fakeBus) Send(ev signaling.Event, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		if err := b.sendErr(ev); err != nil {
			return err
		}
	}
	b.sent = append(b.sent, busEvent{ev: ev, params: raw})
	return nil
}

func (b *fakeBus) On(ev signaling.Event, h signaling.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[ev] = h
}

func (b *fakeBus) deliver(t *testing.T, ev signaling.Event, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", ev, err)
	}
	b.mu.Lock()
	h := b.handlers[ev]
	b.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler registered for %s", ev)
	}
	h(raw)
}

func (b *fakeBus) sentOf(ev signaling.Event) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []json.RawMessage
	for _, e := range b.sent {
		if e.ev == ev {
			out = append(out, e.params)
		}
	}
	return out
}

type fixture struct {
	coord  *Coordinator
	bus    *fakeBus
	bundle *media.Bundle
	conns  []*rtctest.FakeConn
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{bus: newFakeBus()}
	f.bundle = media.NewBundle(
		media.NewTrack(rtctest.NewFakeTrack("mic", webrtc.RTPCodecTypeAudio), nil),
		media.NewTrack(rtctest.NewFakeTrack("camera", webrtc.RTPCodecTypeVideo), nil),
		zap.NewNop(),
	)
	f.coord = NewCoordinator("doubt-1", "me", "Me", f.bus, rtctest.Factory(&f.conns), f.bundle, opts, zap.NewNop())
	return f
}

func peer(id string, role signaling.ShadowRole) signaling.Participant {
	return signaling.Participant{SocketID: id, UserID: "user-" + id, ShadowRole: role}
}

func roomState(role signaling.ShadowRole, peers ...signaling.Participant) signaling.RoomState {
	return signaling.RoomState{
		ShadowRole: role,
		Doubt:      signaling.Doubt{Subject: "limits", Description: "why does this converge"},
		Peers:      peers,
	}
}

func offerFrom(socketID string, role signaling.ShadowRole) signaling.ShadowOffer {
	return signaling.ShadowOffer{
		DoubtID:      "doubt-1",
		FromSocketID: socketID,
		FromUserID:   "user-" + socketID,
		FromRole:     role,
		Offer:        webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 " + socketID},
	}
}

func TestJoinerInitiatesTowardSnapshotPeersOnly(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.coord.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if n := len(f.bus.sentOf(signaling.EventShadowJoin)); n != 1 {
		t.Fatalf("join sent %d times, want 1", n)
	}

	f.bus.deliver(t, signaling.EventShadowRoomState,
		roomState(signaling.RoleHostStudent, peer("p1", signaling.RoleHostTutor), peer("p2", signaling.RoleShadow)))

	// Exactly one offer per existing peer, directed.
	offers := f.bus.sentOf(signaling.EventShadowOffer)
	if len(offers) != 2 {
		t.Fatalf("sent %d offers, want 2", len(offers))
	}
	targets := map[string]int{}
	for _, raw := range offers {
		var o signaling.ShadowOffer
		if err := json.Unmarshal(raw, &o); err != nil {
			t.Fatalf("offer payload: %v", err)
		}
		targets[o.ToPeerID]++
	}
	if targets["p1"] != 1 || targets["p2"] != 1 {
		t.Errorf("offer targets = %v, want one each for p1 and p2", targets)
	}

	// A later joiner triggers no offer from us; they will initiate.
	f.bus.deliver(t, signaling.EventShadowPeerJoined, peer("p3", signaling.RoleShadow))
	if n := len(f.bus.sentOf(signaling.EventShadowOffer)); n != 2 {
		t.Errorf("offer count rose to %d after participant_joined, want 2", n)
	}
	if len(f.coord.Roster()) != 3 {
		t.Errorf("roster size = %d, want 3", len(f.coord.Roster()))
	}
}

func TestResponderAnswersLateJoinerOffer(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.deliver(t, signaling.EventShadowRoomState, roomState(signaling.RoleHostTutor))

	// Offer from a peer we have never heard of (joined event raced).
	f.bus.deliver(t, signaling.EventShadowOffer, offerFrom("p9", signaling.RoleShadow))

	answers := f.bus.sentOf(signaling.EventShadowAnswer)
	if len(answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(answers))
	}
	var a signaling.ShadowAnswer
	if err := json.Unmarshal(answers[0], &a); err != nil {
		t.Fatalf("answer payload: %v", err)
	}
	if a.ToPeerID != "p9" {
		t.Errorf("answer directed at %q, want p9", a.ToPeerID)
	}
	if len(f.coord.Roster()) != 1 {
		t.Errorf("ephemeral roster entry missing: %v", f.coord.Roster())
	}
}

func TestShadowNeverAttachesMedia(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.deliver(t, signaling.EventShadowRoomState,
		roomState(signaling.RoleShadow, peer("h1", signaling.RoleHostTutor), peer("h2", signaling.RoleHostStudent)))

	if len(f.conns) != 2 {
		t.Fatalf("created %d links, want 2", len(f.conns))
	}
	for i, conn := range f.conns {
		if len(conn.AddedTracks) != 0 {
			t.Errorf("shadow link %d carries %d outbound tracks, want 0", i, len(conn.AddedTracks))
		}
		// Receive-only, not media-less: both kinds are still requested.
		if got := len(conn.Transceivers); got != 2 {
			t.Errorf("shadow link %d has %d recvonly transceivers, want 2", i, got)
		}
		for _, tr := range conn.Transceivers {
			if tr.Direction != webrtc.RTPTransceiverDirectionRecvonly {
				t.Errorf("shadow link %d %v direction = %v, want recvonly", i, tr.Kind, tr.Direction)
			}
		}
	}
	// Video capture is released outright on role adoption.
	if f.bundle.Video() != nil {
		t.Error("shadow still owns a video track")
	}

	// Responder path attaches nothing either.
	f.bus.deliver(t, signaling.EventShadowOffer, offerFrom("h3", signaling.RoleShadow))
	if got := len(f.conns); got != 3 {
		t.Fatalf("created %d links, want 3", got)
	}
	if n := len(f.conns[2].AddedTracks); n != 0 {
		t.Errorf("responder shadow link carries %d tracks, want 0", n)
	}

	// And host-only operations are refused.
	screen := media.NewTrack(rtctest.NewFakeTrack("screen", webrtc.RTPCodecTypeVideo), nil)
	if err := f.coord.StartScreenShare(screen); !errors.Is(err, ErrNotHost) {
		t.Errorf("shadow StartScreenShare = %v, want ErrNotHost", err)
	}
	if err := f.coord.OpenRound(); !errors.Is(err, ErrNotHost) {
		t.Errorf("shadow OpenRound = %v, want ErrNotHost", err)
	}
}

func TestHostAttachesMediaToEveryLink(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.deliver(t, signaling.EventShadowRoomState,
		roomState(signaling.RoleHostTutor, peer("p1", signaling.RoleHostStudent), peer("p2", signaling.RoleShadow)))

	if len(f.conns) != 2 {
		t.Fatalf("created %d links, want 2", len(f.conns))
	}
	for i, conn := range f.conns {
		if len(conn.AddedTracks) != 2 {
			t.Errorf("host link %d carries %d tracks, want mic+camera", i, len(conn.AddedTracks))
		}
	}
}

func TestCandidateBeforeOfferBuffersOnEphemeralLink(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.deliver(t, signaling.EventShadowRoomState, roomState(signaling.RoleHostTutor))

	f.bus.deliver(t, signaling.EventShadowICE, signaling.ShadowCandidate{
		DoubtID:      "doubt-1",
		FromSocketID: "p5",
		Candidate:    webrtc.ICECandidateInit{Candidate: "candidate:0"},
	})
	if len(f.conns) != 1 {
		t.Fatalf("created %d links for early candidate, want 1", len(f.conns))
	}
	if n := len(f.conns[0].AppliedCands); n != 0 {
		t.Fatalf("candidate applied before remote description")
	}

	f.bus.deliver(t, signaling.EventShadowOffer, offerFrom("p5", signaling.RoleShadow))
	if n := len(f.conns[0].AppliedCands); n != 1 {
		t.Errorf("applied %d candidates after offer, want 1", n)
	}
}

func TestChatIsAppendOnlyInArrivalOrder(t *testing.T) {
	var observed []string
	f := newFixture(t, Options{
		OnChat: func(m signaling.ChatMessage) { observed = append(observed, m.Text) },
	})
	f.bus.deliver(t, signaling.EventShadowRoomState, roomState(signaling.RoleShadow))

	f.bus.deliver(t, signaling.EventShadowChat, signaling.ChatMessage{FromUserID: "a", Text: "first"})
	if err := f.coord.SendChat("second"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	f.bus.deliver(t, signaling.EventShadowChat, signaling.ChatMessage{FromUserID: "a", Text: "third"})

	log := f.coord.ChatLog()
	want := []string{"first", "second", "third"}
	if len(log) != 3 {
		t.Fatalf("chat log has %d entries, want 3", len(log))
	}
	for i, w := range want {
		if log[i].Text != w {
			t.Errorf("log[%d] = %q, want %q", i, log[i].Text, w)
		}
		if observed[i] != w {
			t.Errorf("observed[%d] = %q, want %q", i, observed[i], w)
		}
	}

	if n := len(f.bus.sentOf(signaling.EventShadowChat)); n != 1 {
		t.Errorf("broadcast %d chat messages, want 1 (own only)", n)
	}
}

func TestPollRoundLifecycle(t *testing.T) {
	var results []signaling.PollResults
	tutor := newFixture(t, Options{
		OnPollResults: func(r signaling.PollResults) { results = append(results, r) },
	})
	tutor.bus.deliver(t, signaling.EventShadowRoomState,
		roomState(signaling.RoleHostTutor, peer("s1", signaling.RoleShadow), peer("s2", signaling.RoleShadow)))

	if err := tutor.coord.OpenRound(); err != nil {
		t.Fatalf("OpenRound: %v", err)
	}
	opens := tutor.bus.sentOf(signaling.EventShadowPollOpen)
	if len(opens) != 1 {
		t.Fatalf("broadcast %d poll_open, want 1", len(opens))
	}

	vote := func(user, v string) {
		tutor.bus.deliver(t, signaling.EventShadowPollVote, signaling.PollVote{
			DoubtID: "doubt-1", FromUserID: user, Round: 1, Vote: v,
		})
	}
	vote("s1", signaling.VoteGotIt)
	vote("s2", signaling.VoteConfused)
	vote("s1", signaling.VoteConfused) // replay: must not change the tally

	tally, ok := tutor.coord.ResultsFor(1)
	if !ok {
		t.Fatal("no cached tally for round 1")
	}
	if tally.GotIt != 1 || tally.Confused != 1 || tally.Total != 2 {
		t.Errorf("tally = %+v, want 1 got_it, 1 confused, total 2", tally)
	}

	// One broadcast per accepted vote, none for the replay.
	if n := len(tutor.bus.sentOf(signaling.EventShadowPollResults)); n != 2 {
		t.Errorf("broadcast %d result frames, want 2", n)
	}
	if len(results) != 2 {
		t.Errorf("observer saw %d tallies, want 2", len(results))
	}

	// A vote for a round that never opened is ignored.
	tutor.bus.deliver(t, signaling.EventShadowPollVote, signaling.PollVote{
		DoubtID: "doubt-1", FromUserID: "s2", Round: 7, Vote: signaling.VoteGotIt,
	})
	if _, ok := tutor.coord.ResultsFor(7); ok {
		t.Error("unopened round acquired a tally")
	}
}

func TestShadowVotesOncePerRound(t *testing.T) {
	opened := 0
	f := newFixture(t, Options{OnPollOpened: func(int) { opened++ }})
	f.bus.deliver(t, signaling.EventShadowRoomState, roomState(signaling.RoleShadow, peer("h1", signaling.RoleHostTutor)))

	if err := f.coord.CastVote(signaling.VoteGotIt); !errors.Is(err, ErrNoOpenRound) {
		t.Fatalf("vote before any round = %v, want ErrNoOpenRound", err)
	}

	f.bus.deliver(t, signaling.EventShadowPollOpen, signaling.PollOpen{DoubtID: "doubt-1", Round: 1})
	if opened != 1 {
		t.Fatalf("OnPollOpened fired %d times, want 1", opened)
	}

	if err := f.coord.CastVote("maybe"); err == nil {
		t.Error("unknown vote value accepted")
	}
	if err := f.coord.CastVote(signaling.VoteGotIt); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if err := f.coord.CastVote(signaling.VoteConfused); !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("second vote = %v, want ErrAlreadyVoted", err)
	}
	if n := len(f.bus.sentOf(signaling.EventShadowPollVote)); n != 1 {
		t.Errorf("sent %d votes, want 1", n)
	}

	// New round resets the flag.
	f.bus.deliver(t, signaling.EventShadowPollOpen, signaling.PollOpen{DoubtID: "doubt-1", Round: 2})
	if err := f.coord.CastVote(signaling.VoteConfused); err != nil {
		t.Errorf("vote in new round: %v", err)
	}
}

func TestPollTickerSurvivesSendFailure(t *testing.T) {
	f := newFixture(t, Options{PollInterval: 10 * time.Millisecond})
	defer f.coord.Leave()

	// The first scheduled poll_open fails to send; later rounds must still
	// go out.
	failed := false
	f.bus.mu.Lock()
	f.bus.sendErr = func(ev signaling.Event) error {
		if ev == signaling.EventShadowPollOpen && !failed {
			failed = true
			return errors.New("transport hiccup")
		}
		return nil
	}
	f.bus.mu.Unlock()

	f.bus.deliver(t, signaling.EventShadowRoomState, roomState(signaling.RoleHostTutor))

	deadline := time.After(2 * time.Second)
	for len(f.bus.sentOf(signaling.EventShadowPollOpen)) == 0 {
		select {
		case <-deadline:
			t.Fatal("no poll_open broadcast after a failed send; ticker died")
		case <-time.After(5 * time.Millisecond):
		}
	}
	f.bus.mu.Lock()
	sawFailure := failed
	f.bus.mu.Unlock()
	if !sawFailure {
		t.Fatal("send failure was never injected")
	}
}

func TestScreenShareReplacesVideoOnAllHostLinks(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.deliver(t, signaling.EventShadowRoomState,
		roomState(signaling.RoleHostStudent, peer("p1", signaling.RoleHostTutor), peer("p2", signaling.RoleShadow)))

	screen := media.NewTrack(rtctest.NewFakeTrack("screen", webrtc.RTPCodecTypeVideo), nil)
	if err := f.coord.StartScreenShare(screen); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	for i, conn := range f.conns {
		videoSender := conn.Senders[1]
		if got := videoSender.Track().ID(); got != "screen" {
			t.Errorf("link %d video = %q during share, want screen", i, got)
		}
	}

	var notices []signaling.ScreenShare
	for _, raw := range f.bus.sentOf(signaling.EventShadowScreenShare) {
		var n signaling.ScreenShare
		if err := json.Unmarshal(raw, &n); err != nil {
			t.Fatalf("notice payload: %v", err)
		}
		notices = append(notices, n)
	}
	if len(notices) != 1 || !notices[0].Sharing {
		t.Fatalf("start notices = %+v, want one sharing=true", notices)
	}

	if err := f.coord.StopScreenShare(); err != nil {
		t.Fatalf("StopScreenShare: %v", err)
	}
	for i, conn := range f.conns {
		if got := conn.Senders[1].Track().ID(); got != "camera" {
			t.Errorf("link %d video = %q after stop, want camera", i, got)
		}
	}
	if err := f.coord.StopScreenShare(); err != nil {
		t.Errorf("second StopScreenShare: %v", err)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	endedCount := 0
	f := newFixture(t, Options{OnEnded: func() { endedCount++ }})
	f.bus.deliver(t, signaling.EventShadowRoomState,
		roomState(signaling.RoleHostTutor, peer("p1", signaling.RoleHostStudent)))

	if err := f.coord.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	f.coord.Leave()
	f.coord.TransportLost()
	f.bus.deliver(t, signaling.EventShadowEnded, signaling.EndSession{DoubtID: "doubt-1"})

	if endedCount != 1 {
		t.Errorf("OnEnded fired %d times, want 1", endedCount)
	}
	if n := len(f.bus.sentOf(signaling.EventShadowEnd)); n != 1 {
		t.Errorf("end_session sent %d times, want 1", n)
	}
	if got := f.conns[0].CloseCount; got != 1 {
		t.Errorf("link closed %d times, want 1", got)
	}
	if len(f.coord.Roster()) != 0 {
		t.Error("roster survived teardown")
	}
}

func TestObserverCannotEndForEveryone(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.deliver(t, signaling.EventShadowRoomState, roomState(signaling.RoleShadow, peer("h1", signaling.RoleHostTutor)))

	if err := f.coord.End(); !errors.Is(err, ErrNotHost) {
		t.Fatalf("shadow End = %v, want ErrNotHost", err)
	}
	if n := len(f.bus.sentOf(signaling.EventShadowEnd)); n != 0 {
		t.Errorf("end_session sent %d times by observer, want 0", n)
	}
}

func TestParticipantLeftClosesOnlyThatLink(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.deliver(t, signaling.EventShadowRoomState,
		roomState(signaling.RoleHostTutor, peer("p1", signaling.RoleHostStudent), peer("p2", signaling.RoleShadow)))

	f.bus.deliver(t, signaling.EventShadowPeerLeft, peer("p1", signaling.RoleHostStudent))

	if got := f.conns[0].CloseCount; got != 1 {
		t.Errorf("departed link closed %d times, want 1", got)
	}
	if got := f.conns[1].CloseCount; got != 0 {
		t.Errorf("surviving link closed %d times, want 0", got)
	}
	if len(f.coord.Roster()) != 1 {
		t.Errorf("roster size = %d after departure, want 1", len(f.coord.Roster()))
	}
}
