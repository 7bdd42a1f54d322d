// Package server implements the HTTP and WebSocket surface of the relay.
//
// A client first fetches a short-lived token from /token, then opens /ws with
// it. Each connection becomes a Session that announces the server version and
// the clients already present, waits for the client to claim a unique name,
// and then relays envelopes between the client and the shared Hub until
// either side goes away. The implementation is split into files for
// configuration, the hub, sessions, routing of inbound commands and the HTTP
// handlers.
package server
