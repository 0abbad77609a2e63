// Package api defines the signaling protocol shared by the coordinator and the room participants.
//
// Each message is a JSON object with a required type field which selects the variant,
// the sender (from) stamped by the coordinator and an optional unicast target (to).
// A message without a target is a room broadcast (everyone except the sender).
// The remaining fields depend on the type:
//
//	join        {userId, role}
//	leave       {}
//	offer       {sdp, trackInfo?, renegotiate?}
//	answer      {sdp}
//	ice         {candidate}
//	chat        {text}
//	incident    {tag, level, note, ts, by}
//	control     {action}
//	ai_analysis {candidate_id, scenario, analyses, timestamp}
//
// The coordinator itself emits roster, participant_joined, participant_left and error.
// Session descriptions and network candidates are opaque blobs, only the media transport reads them.
//
// Example:
//
//	{"type":"offer","from":"u1","sdp":{"type":"offer","sdp":"v=0..."},"trackInfo":[{"trackId":"t1","label":"camera","kind":"video"}]}
package api

import (
	"time"

	"github.com/goccy/go-json"
)

type (
	Type   string
	Role   string
	Action string
	Label  string
	Kind   string
)

const (
	Join       Type = "join"
	Leave      Type = "leave"
	Offer      Type = "offer"
	Answer     Type = "answer"
	Ice        Type = "ice"
	Chat       Type = "chat"
	Incident   Type = "incident"
	Control    Type = "control"
	AiAnalysis Type = "ai_analysis"

	Roster            Type = "roster"
	ParticipantJoined Type = "participant_joined"
	ParticipantLeft   Type = "participant_left"
	Error             Type = "error"
)

const (
	Candidate Role = "candidate"
	Proctor   Role = "proctor"
)

const (
	Pause  Action = "pause"
	End    Action = "end"
	Resume Action = "resume"
)

const (
	Camera  Label = "camera"
	Screen  Label = "screen"
	Unknown Label = "unknown"
)

const (
	Video Kind = "video"
	Audio Kind = "audio"
)

// ServerID is the sender name of the coordinator (and its relay).
const ServerID = "server"

func (r Role) IsValid() bool   { return r == Candidate || r == Proctor }
func (a Action) IsValid() bool { return a == Pause || a == End || a == Resume }

type (
	// TrackInfo is the explicit label of a track sent alongside an offer.
	TrackInfo struct {
		TrackID string `json:"trackId"`
		Label   Label  `json:"label"`
		Kind    Kind   `json:"kind"`
	}
	Participant struct {
		UserID string `json:"userId"`
		Role   Role   `json:"role"`
	}
	Alert struct {
		Type    string `json:"type"`
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	AnalysisResult struct {
		Alert *Alert `json:"alert,omitempty"`
	}
	Analysis struct {
		Result AnalysisResult `json:"result"`
	}
	// AnalysisReport is a feed from an external detector service.
	AnalysisReport struct {
		CandidateID string     `json:"candidate_id"`
		Scenario    string     `json:"scenario,omitempty"`
		Analyses    []Analysis `json:"analyses"`
		Timestamp   Time       `json:"timestamp"`
	}
)

// Message is the tagged union of every signaling message.
type Message struct {
	Type Type   `json:"type"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// join
	UserID string `json:"userId,omitempty"`
	Role   Role   `json:"role,omitempty"`

	// offer, answer
	Sdp         json.RawMessage `json:"sdp,omitempty"`
	TrackInfo   []TrackInfo     `json:"trackInfo,omitempty"`
	Renegotiate bool            `json:"renegotiate,omitempty"`

	// ice
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// chat
	Text string `json:"text,omitempty"`

	// incident
	Tag           string `json:"tag,omitempty"`
	Level         string `json:"level,omitempty"`
	Note          string `json:"note,omitempty"`
	Ts            int64  `json:"ts,omitempty"`
	By            string `json:"by,omitempty"`
	Escalated     int    `json:"escalated,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	// control
	Action Action `json:"action,omitempty"`

	// ai_analysis, either flat or wrapped into data
	CandidateID string          `json:"candidate_id,omitempty"`
	Scenario    string          `json:"scenario,omitempty"`
	Analyses    []Analysis      `json:"analyses,omitempty"`
	Timestamp   *Time           `json:"timestamp,omitempty"`
	Data        *AnalysisReport `json:"data,omitempty"`

	// roster, participant_joined/left
	Participants []Participant `json:"participants,omitempty"`

	// error
	Reason string `json:"reason,omitempty"`
}

// Report returns the ai_analysis payload whichever way it was sent.
func (m *Message) Report() *AnalysisReport {
	if m.Data != nil {
		return m.Data
	}
	if m.CandidateID == "" && m.Analyses == nil {
		return nil
	}
	r := AnalysisReport{CandidateID: m.CandidateID, Scenario: m.Scenario, Analyses: m.Analyses}
	if m.Timestamp != nil {
		r.Timestamp = *m.Timestamp
	}
	return &r
}

// IsBroadcast tells if the message has no unicast target.
func (m *Message) IsBroadcast() bool { return m.To == "" }

// IsFor checks if the message should be processed by the user.
func (m *Message) IsFor(user string) bool { return m.To == "" || m.To == user }

func NewJoin(user string, role Role) Message { return Message{Type: Join, UserID: user, Role: role} }
func NewLeave() Message                      { return Message{Type: Leave} }

func NewOffer(sdp []byte, tracks []TrackInfo, renegotiate bool, to string) Message {
	return Message{Type: Offer, Sdp: sdp, TrackInfo: tracks, Renegotiate: renegotiate, To: to}
}

func NewAnswer(sdp []byte, to string) Message { return Message{Type: Answer, Sdp: sdp, To: to} }
func NewIce(candidate []byte, to string) Message {
	return Message{Type: Ice, Candidate: candidate, To: to}
}
func NewChat(text, to string) Message           { return Message{Type: Chat, Text: text, To: to} }
func NewControl(action Action, to string) Message { return Message{Type: Control, Action: action, To: to} }
func NewError(reason string) Message            { return Message{Type: Error, Reason: reason} }

func NewIncident(tag, level, note string, ts time.Time, by string) Message {
	return Message{Type: Incident, Tag: tag, Level: level, Note: note, Ts: ts.UnixMilli(), By: by}
}
