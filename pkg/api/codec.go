package api

import (
	"fmt"

	"github.com/goccy/go-json"
)

func Encode(m Message) ([]byte, error) { return json.Marshal(m) }

// Decode parses a wire message and checks that it has the fields its type requires.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Validate checks the variant specific fields.
// Unknown types pass, the receiver decides whether it has a handler for them.
func (m *Message) Validate() error {
	var missing string
	switch m.Type {
	case "":
		missing = "type"
	case Join:
		if m.UserID == "" {
			missing = "userId"
		} else if !m.Role.IsValid() {
			return fmt.Errorf("%w: bad role %q", ErrMalformed, m.Role)
		}
	case Offer, Answer:
		if len(m.Sdp) == 0 {
			missing = "sdp"
		}
	case Ice:
		if len(m.Candidate) == 0 {
			missing = "candidate"
		}
	case Incident:
		if m.Tag == "" {
			missing = "tag"
		}
	case Control:
		if !m.Action.IsValid() {
			return fmt.Errorf("%w: bad action %q", ErrMalformed, m.Action)
		}
	}
	if missing != "" {
		return fmt.Errorf("%w: no %s", ErrMalformed, missing)
	}
	return nil
}
