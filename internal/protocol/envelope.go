package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ServerID is the identity used for messages the server originates.
var ServerID = uuid.Nil

// ErrInvalidCommand is returned when an inbound frame cannot be decoded into
// an Envelope.
var ErrInvalidCommand = errors.New("invalid command")

// Envelope is one routed message. A zero To means broadcast and a zero From
// means the server. Envelopes are treated as immutable once built.
type Envelope struct {
	To      uuid.UUID
	From    uuid.UUID
	Content Content
}

// IsBroadcast reports whether the envelope has no specific recipient.
func (e Envelope) IsBroadcast() bool {
	return e.To == uuid.Nil
}

// DeliverableTo reports whether a session with the given identity should
// receive the envelope.
func (e Envelope) DeliverableTo(id uuid.UUID) bool {
	return e.IsBroadcast() || e.To == id
}

type wireEnvelope struct {
	To      *wireID         `json:"to,omitempty"`
	From    *wireID         `json:"from,omitempty"`
	Content json.RawMessage `json:"content"`
}

// wireID is an identity on the wire. An empty string decodes to the zero
// identity, like an absent or null field.
type wireID uuid.UUID

func (w wireID) MarshalText() ([]byte, error) {
	return uuid.UUID(w).MarshalText()
}

func (w *wireID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*w = wireID(uuid.Nil)
		return nil
	}
	id, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*w = wireID(id)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	content, err := encodeContent(e.Content)
	if err != nil {
		return nil, err
	}
	w := wireEnvelope{Content: content}
	if e.To != uuid.Nil {
		to := wireID(e.To)
		w.To = &to
	}
	if e.From != uuid.Nil {
		from := wireID(e.From)
		w.From = &from
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. All failures wrap
// ErrInvalidCommand.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	content, err := decodeContent(w.Content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	*e = Envelope{Content: content}
	if w.To != nil {
		e.To = uuid.UUID(*w.To)
	}
	if w.From != nil {
		e.From = uuid.UUID(*w.From)
	}
	return nil
}

// Encode serializes an envelope into a text frame.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a text frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		if errors.Is(err, ErrInvalidCommand) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return e, nil
}

func encodeContent(c Content) (json.RawMessage, error) {
	var payload any
	switch c := c.(type) {
	case Connect:
		payload = c
	case SetName:
		payload = c.Name
	case SetClientID:
		payload = c.ID
	case Sync:
		if c.body != nil {
			payload = c.body
		} else {
			payload = struct {
				RequestID string `json:"requestId"`
			}{c.RequestID}
		}
	case Joined:
		payload = c
	case Left:
		payload = c
	case ErrorMsg:
		payload = c
	case nil:
		return nil, errors.New("envelope has no content")
	default:
		return nil, fmt.Errorf("unknown content type %T", c)
	}
	return json.Marshal(map[Tag]any{c.Tag(): payload})
}

func decodeContent(raw json.RawMessage) (Content, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing content")
	}
	var tagged map[Tag]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, err
	}
	if len(tagged) != 1 {
		return nil, fmt.Errorf("content must have exactly one variant, got %d", len(tagged))
	}

	for tag, payload := range tagged {
		switch tag {
		case TagConnect:
			var c Connect
			if err := json.Unmarshal(payload, &c); err != nil {
				return nil, err
			}
			return c, nil
		case TagSetName:
			var name string
			if err := json.Unmarshal(payload, &name); err != nil {
				return nil, err
			}
			return SetName{Name: name}, nil
		case TagSetClientID:
			var id uuid.UUID
			if err := json.Unmarshal(payload, &id); err != nil {
				return nil, err
			}
			return SetClientID{ID: id}, nil
		case TagSync:
			return decodeSync(payload)
		case TagJoined:
			var j Joined
			if err := json.Unmarshal(payload, &j); err != nil {
				return nil, err
			}
			return j, nil
		case TagLeft:
			var l Left
			if err := json.Unmarshal(payload, &l); err != nil {
				return nil, err
			}
			return l, nil
		case TagError:
			var m ErrorMsg
			if err := json.Unmarshal(payload, &m); err != nil {
				return nil, err
			}
			return m, nil
		default:
			return nil, fmt.Errorf("unknown variant %q", tag)
		}
	}
	return nil, errors.New("missing content")
}
