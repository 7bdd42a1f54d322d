package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Tag names a content variant on the wire.
type Tag string

const (
	TagConnect     Tag = "connect"
	TagSetName     Tag = "setName"
	TagSetClientID Tag = "setClientId"
	TagSync        Tag = "sync"
	TagJoined      Tag = "joined"
	TagLeft        Tag = "left"
	TagError       Tag = "error"
)

// ErrorKind classifies an ErrorMsg sent to a misbehaving client.
type ErrorKind string

const (
	NameUnavailable ErrorKind = "nameUnavailable"
	MissingName     ErrorKind = "missingName"
	InvalidCommand  ErrorKind = "invalidCommand"
)

// Content is the payload of an Envelope. It is implemented only by the
// variant types in this package.
type Content interface {
	Tag() Tag
	isContent()
}

// Connect is the first message a client receives. Version changes whenever
// the server restarts so clients can detect a redeploy.
type Connect struct {
	Version uint64    `json:"version"`
	ID      uuid.UUID `json:"id"`
}

// SetName asks the server to claim a display name for the sender.
type SetName struct {
	Name string
}

// SetClientID replaces the server-assigned identity before a name is set.
// Reconnecting clients use it to keep their previous identity.
type SetClientID struct {
	ID uuid.UUID
}

// Sync is an application payload relayed between clients. The server reads
// RequestID for diagnostics and otherwise forwards the body untouched.
type Sync struct {
	RequestID string
	body      json.RawMessage
}

// Joined announces a participant and its current name.
type Joined struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Left announces that a participant's name is no longer in use.
type Left struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// ErrorMsg reports protocol misuse back to the offending client.
type ErrorMsg struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (Connect) Tag() Tag     { return TagConnect }
func (SetName) Tag() Tag     { return TagSetName }
func (SetClientID) Tag() Tag { return TagSetClientID }
func (Sync) Tag() Tag        { return TagSync }
func (Joined) Tag() Tag      { return TagJoined }
func (Left) Tag() Tag        { return TagLeft }
func (ErrorMsg) Tag() Tag    { return TagError }

func (Connect) isContent()     {}
func (SetName) isContent()     {}
func (SetClientID) isContent() {}
func (Sync) isContent()        {}
func (Joined) isContent()      {}
func (Left) isContent()        {}
func (ErrorMsg) isContent()    {}

// NewSync builds a Sync whose body is {"requestId": requestID, "payload": payload}.
func NewSync(requestID string, payload json.RawMessage) (Sync, error) {
	body, err := json.Marshal(struct {
		RequestID string          `json:"requestId"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}{requestID, payload})
	if err != nil {
		return Sync{}, err
	}
	return Sync{RequestID: requestID, body: body}, nil
}

// Body returns the JSON object exactly as it was received.
func (s Sync) Body() json.RawMessage {
	return s.body
}

func decodeSync(raw json.RawMessage) (Sync, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Sync{}, fmt.Errorf("sync body must be an object")
	}
	var head struct {
		RequestID *string `json:"requestId"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return Sync{}, err
	}
	if head.RequestID == nil {
		return Sync{}, fmt.Errorf("sync body is missing requestId")
	}
	body := make(json.RawMessage, len(trimmed))
	copy(body, trimmed)
	return Sync{RequestID: *head.RequestID, body: body}, nil
}
