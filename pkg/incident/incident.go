// Package incident turns local sensor readings into integrity incidents
// and keeps the proctor side timeline of them.
//
// Tags follow the exam rules:
//
//	A1 no face for a while     A7 unauthorized device
//	A2 several faces           A8 network check failed
//	A3 tab hidden or blur      A9 secure browser check failed
//	A4 screen not shared       A10 impersonation
//	A5 forbidden text on screen A11 other check-in failure
//	A6 sustained speech
package incident

import (
	"context"
	"time"

	"github.com/examwatch/proctor/pkg/api"
)

type Tag string

const (
	NoFace        Tag = "A1"
	ManyFaces     Tag = "A2"
	FocusLost     Tag = "A3"
	NoScreen      Tag = "A4"
	ForbiddenText Tag = "A5"
	Speech        Tag = "A6"
	Device        Tag = "A7"
	Network       Tag = "A8"
	Browser       Tag = "A9"
	Impersonation Tag = "A10"
	CheckIn       Tag = "A11"
)

type Level string

const (
	S1 Level = "S1"
	S2 Level = "S2"
	S3 Level = "S3"
)

// Rank orders the levels, S3 is the most urgent. Unknown levels rank zero.
func (l Level) Rank() int {
	switch l {
	case S1:
		return 1
	case S2:
		return 2
	case S3:
		return 3
	}
	return 0
}

func (l Level) IsValid() bool { return l.Rank() > 0 }

// ParseLevel reads external levels, anything above S3 is S3.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "S1", "S2", "S3":
		return Level(s), true
	case "S4", "S5":
		return S3, true
	}
	return "", false
}

var defaultLevels = map[Tag]Level{
	NoFace:        S1,
	ManyFaces:     S2,
	FocusLost:     S1,
	NoScreen:      S2,
	ForbiddenText: S2,
	Speech:        S2,
	Device:        S2,
	Network:       S1,
	Browser:       S2,
	Impersonation: S3,
	CheckIn:       S1,
}

// DefaultLevel is the level of a tag when nobody said otherwise.
func DefaultLevel(t Tag) Level {
	if l, ok := defaultLevels[t]; ok {
		return l
	}
	return S2
}

// Known tells if the tag is one of the exam rules.
func Known(t Tag) bool { _, ok := defaultLevels[t]; return ok }

type Incident struct {
	ID              string    `json:"id"`
	Tag             Tag       `json:"tag"`
	Level           Level     `json:"level"`
	Note            string    `json:"note,omitempty"`
	Timestamp       time.Time `json:"ts"`
	ActorID         string    `json:"actor"`
	EscalationCount int       `json:"escalated"`
	Resolved        bool      `json:"resolved"`
	SessionStatus   string    `json:"session_status,omitempty"`
}

// FromMessage reads an incident message, the actor is the reporter
// or the sender when the reporter is missing.
func FromMessage(m api.Message) Incident {
	actor := m.By
	if actor == "" {
		actor = m.From
	}
	inc := Incident{
		Tag:             Tag(m.Tag),
		Level:           Level(m.Level),
		Note:            m.Note,
		ActorID:         actor,
		EscalationCount: m.Escalated,
		SessionStatus:   m.SessionStatus,
	}
	if m.Ts > 0 {
		inc.Timestamp = time.UnixMilli(m.Ts)
	}
	return inc
}

// Message makes the wire form of the incident.
func (i Incident) Message() api.Message {
	m := api.NewIncident(string(i.Tag), string(i.Level), i.Note, i.Timestamp, i.ActorID)
	m.Escalated = i.EscalationCount
	m.SessionStatus = i.SessionStatus
	return m
}

// FromAnalysis converts the alerts of an external analysis report into incidents.
func FromAnalysis(r *api.AnalysisReport, now time.Time) []Incident {
	if r == nil {
		return nil
	}
	ts := r.Timestamp.Time
	if ts.IsZero() {
		ts = now
	}
	var out []Incident
	for _, a := range r.Analyses {
		alert := a.Result.Alert
		if alert == nil || alert.Type == "" {
			continue
		}
		level, ok := ParseLevel(alert.Level)
		if !ok {
			level = DefaultLevel(Tag(alert.Type))
		}
		note := alert.Message
		if r.Scenario != "" {
			note = r.Scenario + ": " + note
		}
		out = append(out, Incident{
			Tag:       Tag(alert.Type),
			Level:     level,
			Note:      note,
			Timestamp: ts,
			ActorID:   r.CandidateID,
		})
	}
	return out
}

// Observation is one reading of a detector: the condition of the tag is on or off.
type Observation struct {
	Tag    Tag
	Active bool
	Level  Level
	Note   string
}

func (o Observation) level() Level {
	if o.Level.IsValid() {
		return o.Level
	}
	return DefaultLevel(o.Tag)
}

// Detector evaluates some local condition.
type Detector interface {
	Name() string
	Evaluate(ctx context.Context) ([]Observation, error)
}

// EventSource pushes observations when something happens instead of being polled.
type EventSource interface {
	Attach(emit func(Observation))
}
