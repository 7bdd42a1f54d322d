package server

import (
	"errors"

	"github.com/Tyrowin/gorelay/internal/protocol"
	"github.com/Tyrowin/gorelay/internal/registry"
	"github.com/google/uuid"
)

const (
	msgNameUnavailable = "Name is unavailable"
	msgMissingName     = "User name must be set before using other commands"
	msgInvalidCommand  = "Invalid command"
)

// routeResult is what handling one inbound envelope produced.
type routeResult struct {
	// Publish holds envelopes to post to the hub, in order.
	Publish []protocol.Envelope
	// Name is the session's name after routing.
	Name string
	// Ignored explains why nothing was done, for diagnostics.
	Ignored string
}

// router decides what an active session does with an inbound envelope.
type router struct {
	registry *registry.Registry
}

// route handles env sent by the session id currently named name. env.From
// must already be set to id.
func (rt router) route(id uuid.UUID, name string, env protocol.Envelope) routeResult {
	switch c := env.Content.(type) {
	case protocol.SetName:
		return rt.rename(id, name, c.Name)

	case protocol.Sync:
		return routeResult{Name: name, Publish: []protocol.Envelope{env}}

	case protocol.SetClientID:
		return routeResult{Name: name, Ignored: "client id can only be changed before a name is set"}

	case protocol.Connect, protocol.Joined, protocol.Left, protocol.ErrorMsg:
		return routeResult{Name: name, Ignored: "server-only message type " + string(c.Tag())}

	default:
		return routeResult{Name: name, Ignored: "unknown message type"}
	}
}

func (rt router) rename(id uuid.UUID, current, requested string) routeResult {
	if requested == "" {
		return routeResult{Name: current, Publish: []protocol.Envelope{
			errorTo(id, protocol.MissingName, msgMissingName),
		}}
	}
	if requested == current {
		return routeResult{Name: current, Ignored: "name unchanged"}
	}

	if _, err := rt.registry.TryClaim(id, requested); err != nil {
		if errors.Is(err, registry.ErrNameUnavailable) {
			return routeResult{Name: current, Publish: []protocol.Envelope{
				errorTo(id, protocol.NameUnavailable, msgNameUnavailable),
			}}
		}
		return routeResult{Name: current, Ignored: err.Error()}
	}

	return routeResult{Name: requested, Publish: []protocol.Envelope{
		{Content: protocol.Left{ID: id, Name: current}},
		{Content: protocol.Joined{ID: id, Name: requested}},
	}}
}

func errorTo(id uuid.UUID, kind protocol.ErrorKind, message string) protocol.Envelope {
	return protocol.Envelope{To: id, Content: protocol.ErrorMsg{Kind: kind, Message: message}}
}
