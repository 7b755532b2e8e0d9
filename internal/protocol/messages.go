package protocol

import (
	"encoding/json"
	"time"
)

// Kind names a wire message type carried in the "type" field.
type Kind string

// Client to server kinds.
const (
	KindJoinRoom        Kind = "join-room"
	KindLeaveRoom       Kind = "leave-room"
	KindNavigate        Kind = "navigate"
	KindResolveConflict Kind = "resolve-conflict"
	KindJoinCall        Kind = "join-call"
	KindLeaveCall       Kind = "leave-call"
	KindCallOffer       Kind = "call-offer"
	KindCallAnswer      Kind = "call-answer"
	KindCallICE         Kind = "call-ice"
	KindPing            Kind = "ping"
)

// Server to client kinds.
const (
	KindRoomJoined           Kind = "room-joined"
	KindRoomLeft             Kind = "room-left"
	KindParticipantJoined    Kind = "participant-joined"
	KindParticipantLeft      Kind = "participant-left"
	KindParticipantPositions Kind = "participant-positions"
	KindNavigationUpdate     Kind = "navigation-update"
	KindNavigationConflict   Kind = "navigation-conflict"
	KindNavigationSync       Kind = "navigation-sync"
	KindCallJoinedNotice     Kind = "call-joined-notice"
	KindCallLeftNotice       Kind = "call-left-notice"
	KindError                Kind = "error"
	KindPong                 Kind = "pong"
)

// IsCallSignal reports whether the kind is an opaque call negotiation message.
func (k Kind) IsCallSignal() bool {
	switch k {
	case KindCallOffer, KindCallAnswer, KindCallICE:
		return true
	default:
		return false
	}
}

// Message is implemented by every server to client message.
type Message interface {
	Kind() Kind
}

// ParticipantInfo describes one room member in snapshots.
type ParticipantInfo struct {
	ParticipantID   string    `json:"participantId"`
	ParticipantName string    `json:"participantName"`
	Position        string    `json:"position,omitempty"`
	JoinedAt        time.Time `json:"joinedAt"`
}

// NavigationEntry is the wire form of a navigation history record.
type NavigationEntry struct {
	ParticipantID   string    `json:"participantId"`
	ParticipantName string    `json:"participantName"`
	Ref             string    `json:"ref"`
	Timestamp       time.Time `json:"timestamp"`
}

// ParticipantRef names a participant that proposed a conflicting ref.
type ParticipantRef struct {
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
}

// ConflictingRef groups the participants that proposed the same ref.
type ConflictingRef struct {
	Ref          string           `json:"ref"`
	Participants []ParticipantRef `json:"participants"`
}

type RoomJoined struct {
	RoomID       string            `json:"roomId"`
	Position     *string           `json:"position"`
	Participants []ParticipantInfo `json:"participants"`
	History      []NavigationEntry `json:"history"`
}

func (RoomJoined) Kind() Kind { return KindRoomJoined }

type RoomLeft struct {
	RoomID string `json:"roomId"`
}

func (RoomLeft) Kind() Kind { return KindRoomLeft }

type ParticipantJoined struct {
	RoomID           string `json:"roomId"`
	ParticipantID    string `json:"participantId"`
	ParticipantName  string `json:"participantName"`
	ParticipantCount int    `json:"participantCount"`
}

func (ParticipantJoined) Kind() Kind { return KindParticipantJoined }

type ParticipantLeft struct {
	RoomID           string `json:"roomId"`
	ParticipantID    string `json:"participantId"`
	ParticipantName  string `json:"participantName"`
	ParticipantCount int    `json:"participantCount"`
}

func (ParticipantLeft) Kind() Kind { return KindParticipantLeft }

type ParticipantPositions struct {
	RoomID       string            `json:"roomId"`
	Position     *string           `json:"position"`
	Participants []ParticipantInfo `json:"participants"`
	Timestamp    time.Time         `json:"timestamp"`
}

func (ParticipantPositions) Kind() Kind { return KindParticipantPositions }

type NavigationUpdate struct {
	RoomID          string    `json:"roomId"`
	NewRef          string    `json:"newRef"`
	NavigatedBy     string    `json:"navigatedBy"`
	NavigatedByName string    `json:"navigatedByName"`
	Timestamp       time.Time `json:"timestamp"`
}

func (NavigationUpdate) Kind() Kind { return KindNavigationUpdate }

type NavigationConflict struct {
	RoomID          string           `json:"roomId"`
	ConflictingRefs []ConflictingRef `json:"conflictingRefs"`
	Timestamp       time.Time        `json:"timestamp"`
}

func (NavigationConflict) Kind() Kind { return KindNavigationConflict }

type NavigationSync struct {
	RoomID     string    `json:"roomId"`
	Ref        string    `json:"ref"`
	ResolvedBy string    `json:"resolvedBy"`
	Timestamp  time.Time `json:"timestamp"`
}

func (NavigationSync) Kind() Kind { return KindNavigationSync }

type CallJoinedNotice struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
}

func (CallJoinedNotice) Kind() Kind { return KindCallJoinedNotice }

type CallLeftNotice struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
}

func (CallLeftNotice) Kind() Kind { return KindCallLeftNotice }

// CallSignal carries an offer, answer or ICE candidate to its target untouched.
type CallSignal struct {
	SignalKind Kind            `json:"-"`
	From       string          `json:"from"`
	Payload    json.RawMessage `json:"payload"`
}

func (s CallSignal) Kind() Kind { return s.SignalKind }

type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (Error) Kind() Kind { return KindError }

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

func (Pong) Kind() Kind { return KindPong }
