// Package protocol defines the envelope exchanged between relay clients and
// the server, along with its JSON wire encoding.
//
// Every frame is a single JSON object:
//
//	{"to": "<uuid>", "from": "<uuid>", "content": {"<tag>": <payload>}}
//
// "to" is absent or null for broadcasts and "from" is absent for messages
// originated by the server. The content object carries exactly one key naming
// the variant. The variant set is closed: Connect, SetName, SetClientID, Sync,
// Joined, Left and ErrorMsg are the only implementations of Content.
package protocol
