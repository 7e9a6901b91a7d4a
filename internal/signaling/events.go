package signaling

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Event is the name of a signaling message. The vocabulary is closed: every
// frame on the wire carries one of these as its method, and the payload shape
// for each is fixed by the structs below.
type Event string

// 1:1 call events.
const (
	EventJoinCall     Event = "join_call"
	EventPeerJoined   Event = "call_peer_joined"
	EventOffer        Event = "webrtc_offer"
	EventAnswer       Event = "webrtc_answer"
	EventICECandidate Event = "webrtc_ice_candidate"
	EventCallNotice   Event = "call_event"
	EventEndCall      Event = "end_call"
	EventCallEnded    Event = "call_ended"
)

// Shadow session events.
const (
	EventShadowJoin        Event = "shadow:join_session"
	EventShadowRoomState   Event = "shadow:room_state"
	EventShadowPeerJoined  Event = "shadow:participant_joined"
	EventShadowPeerLeft    Event = "shadow:participant_left"
	EventShadowOffer       Event = "shadow:offer"
	EventShadowAnswer      Event = "shadow:answer"
	EventShadowICE         Event = "shadow:ice"
	EventShadowChat        Event = "shadow:chat_message"
	EventShadowPollOpen    Event = "shadow:poll_open"
	EventShadowPollVote    Event = "shadow:poll_vote"
	EventShadowPollResults Event = "shadow:poll_results"
	EventShadowScreenShare Event = "shadow:screen_share"
	EventShadowPeerScreen  Event = "shadow:peer_screen_share"
	EventShadowEnd         Event = "shadow:end_session"
	EventShadowEnded       Event = "shadow:session_ended"
)

// ShadowRole distinguishes the full-duplex hosts from receive-only observers
// in a shadow session.
type ShadowRole string

const (
	RoleHostTutor   ShadowRole = "host_tutor"
	RoleHostStudent ShadowRole = "host_student"
	RoleShadow      ShadowRole = "shadow"
)

// IsHost reports whether the role sends media.
func (r ShadowRole) IsHost() bool {
	return r == RoleHostTutor || r == RoleHostStudent
}

// Participant mirrors one room member as reported by the room service. The
// connection id (SocketID) is unique per socket/tab and keys peer links.
type Participant struct {
	SocketID   string     `json:"socketId"`
	UserID     string     `json:"userId"`
	Name       string     `json:"name"`
	Role       string     `json:"role"`
	ShadowRole ShadowRole `json:"shadowRole"`
}

// JoinCall announces presence in a 1:1 call room.
type JoinCall struct {
	SessionID string `json:"sessionId"`
}

// PeerJoined is broadcast to existing members when someone joins a call room.
type PeerJoined struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// OfferPayload carries a session description offer for the 1:1 call.
type OfferPayload struct {
	SessionID string                    `json:"sessionId"`
	Offer     webrtc.SessionDescription `json:"offer"`
}

// AnswerPayload carries the responder's session description.
type AnswerPayload struct {
	SessionID string                    `json:"sessionId"`
	Answer    webrtc.SessionDescription `json:"answer"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	SessionID string                  `json:"sessionId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// CallNotice is an advisory control-state change (muted, unmuted, video_on,
// video_off). It never affects the media path.
type CallNotice struct {
	SessionID string `json:"sessionId"`
	EventType string `json:"eventType"`
}

// EndCall asks the room service to end the call for everyone.
type EndCall struct {
	SessionID string `json:"sessionId"`
}

// CallEnded notifies that the other party (or the service) ended the call.
type CallEnded struct {
	EndedBy string `json:"endedBy,omitempty"`
	Role    string `json:"role,omitempty"`
	EndedAt string `json:"endedAt,omitempty"`
}

// JoinSession announces presence in a shadow session room.
type JoinSession struct {
	DoubtID string `json:"doubtId"`
}

// Doubt is the subject line of the doubt being resolved in a shadow session.
type Doubt struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
}

// RoomState is the snapshot a joiner receives: its assigned role, the doubt
// metadata and every member already present.
type RoomState struct {
	ShadowRole ShadowRole    `json:"shadowRole"`
	Doubt      Doubt         `json:"doubt"`
	Peers      []Participant `json:"peers"`
}

// ShadowOffer is a directed offer inside the mesh. ToPeerID is set by the
// sender; the room service rewrites delivery with the From* fields.
type ShadowOffer struct {
	DoubtID      string                    `json:"doubtId,omitempty"`
	ToPeerID     string                    `json:"toPeerId,omitempty"`
	FromSocketID string                    `json:"fromSocketId,omitempty"`
	FromUserID   string                    `json:"fromUserId,omitempty"`
	FromRole     ShadowRole                `json:"fromRole,omitempty"`
	Offer        webrtc.SessionDescription `json:"offer"`
}

// ShadowAnswer is the directed response to a ShadowOffer.
type ShadowAnswer struct {
	DoubtID      string                    `json:"doubtId,omitempty"`
	ToPeerID     string                    `json:"toPeerId,omitempty"`
	FromSocketID string                    `json:"fromSocketId,omitempty"`
	Answer       webrtc.SessionDescription `json:"answer"`
}

// ShadowCandidate is a directed ICE candidate inside the mesh.
type ShadowCandidate struct {
	DoubtID      string                  `json:"doubtId,omitempty"`
	ToPeerID     string                  `json:"toPeerId,omitempty"`
	FromSocketID string                  `json:"fromSocketId,omitempty"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

// ChatMessage is one entry of the session chat. Messages are appended in
// arrival order and never reordered or deduplicated.
type ChatMessage struct {
	DoubtID    string     `json:"doubtId,omitempty"`
	FromUserID string     `json:"fromUserId"`
	Name       string     `json:"name"`
	ShadowRole ShadowRole `json:"shadowRole"`
	Text       string     `json:"text"`
	SentAt     time.Time  `json:"sentAt"`
}

// Poll vote values.
const (
	VoteGotIt    = "got_it"
	VoteConfused = "confused"
)

// PollOpen announces a new comprehension round to the observers.
type PollOpen struct {
	DoubtID string `json:"doubtId,omitempty"`
	Round   int    `json:"round"`
}

// PollVote is a shadow observer's vote for one comprehension round.
type PollVote struct {
	DoubtID    string `json:"doubtId,omitempty"`
	FromUserID string `json:"fromUserId,omitempty"`
	Round      int    `json:"round"`
	Vote       string `json:"vote"`
}

// PollResults is the aggregated tally for one round, keyed by round number so
// late joiners and repeated rounds render correctly.
type PollResults struct {
	DoubtID  string `json:"doubtId,omitempty"`
	Round    int    `json:"round"`
	GotIt    int    `json:"gotIt"`
	Confused int    `json:"confused"`
	Total    int    `json:"total"`
}

// ScreenShare is the advisory sharing started/stopped notice. The video
// frames themselves flow through the replaced sender track.
type ScreenShare struct {
	DoubtID      string `json:"doubtId,omitempty"`
	FromSocketID string `json:"fromSocketId,omitempty"`
	Sharing      bool   `json:"sharing"`
}

// EndSession asks the room service to end the shadow session for everyone.
type EndSession struct {
	DoubtID string `json:"doubtId"`
}
