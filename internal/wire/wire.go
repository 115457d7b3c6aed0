// Package wire implements the framed sync protocol codec. Every frame is one
// CBOR-encoded tagged map delivered as a single binary websocket message;
// field names are camelCase for interoperability with automerge-repo peers.
//
// Receivers skip frames with unknown type tags (classified via
// ErrUnknownType) and ignore unknown fields in known types, so protocol
// additions never force a disconnect.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize is the minimum frame size every peer must accept.
const MaxFrameSize = 16 << 20 // 16 MiB

// ProtocolVersion is the only sync protocol version currently spoken.
const ProtocolVersion = "1"

// Kind identifies a message type on the wire.
type Kind string

// Message kinds.
const (
	KindJoin           Kind = "join"
	KindPeer           Kind = "peer"
	KindLeave          Kind = "leave"
	KindRequest        Kind = "request"
	KindSync           Kind = "sync"
	KindDocUnavailable Kind = "doc-unavailable"
	KindError          Kind = "error"
)

// ErrUnknownType marks a frame whose type tag is not recognized. Receivers
// log and skip these rather than closing the connection.
var ErrUnknownType = errors.New("wire: unknown message type")

// Message is one decoded protocol frame.
type Message interface {
	Kind() Kind
}

// PeerMetadata rides along with a join message.
type PeerMetadata struct {
	StorageID   string `cbor:"storageId,omitempty"`
	IsEphemeral bool   `cbor:"isEphemeral"`
}

// Join opens the handshake (client → server).
type Join struct {
	Type                      string        `cbor:"type"`
	SenderID                  string        `cbor:"senderId"`
	SupportedProtocolVersions []string      `cbor:"supportedProtocolVersions"`
	Metadata                  *PeerMetadata `cbor:"metadata,omitempty"`
}

// Kind implements Message.
func (*Join) Kind() Kind { return KindJoin }

// Peer confirms the handshake (server → client). TargetID echoes the
// client's sender id.
type Peer struct {
	Type                    string `cbor:"type"`
	SenderID                string `cbor:"senderId"`
	TargetID                string `cbor:"targetId"`
	SelectedProtocolVersion string `cbor:"selectedProtocolVersion"`
}

// Kind implements Message.
func (*Peer) Kind() Kind { return KindPeer }

// Leave announces a graceful disconnect (client → server).
type Leave struct {
	Type     string `cbor:"type"`
	SenderID string `cbor:"senderId"`
}

// Kind implements Message.
func (*Leave) Kind() Kind { return KindLeave }

// Request opens a per-document sync session (client → server). Data carries
// the opening CRDT sync message and may be empty, but the field is always
// present on the wire.
type Request struct {
	Type       string `cbor:"type"`
	DocumentID string `cbor:"documentId"`
	SenderID   string `cbor:"senderId"`
	TargetID   string `cbor:"targetId"`
	DocType    string `cbor:"docType"`
	Data       []byte `cbor:"data"`
}

// Kind implements Message.
func (*Request) Kind() Kind { return KindRequest }

// Sync carries one CRDT sync message in either direction.
type Sync struct {
	Type       string `cbor:"type"`
	DocumentID string `cbor:"documentId"`
	SenderID   string `cbor:"senderId"`
	TargetID   string `cbor:"targetId"`
	Data       []byte `cbor:"data"`
}

// Kind implements Message.
func (*Sync) Kind() Kind { return KindSync }

// DocUnavailable tells a client the requested document cannot be served
// (server → client).
type DocUnavailable struct {
	Type       string `cbor:"type"`
	DocumentID string `cbor:"documentId"`
	SenderID   string `cbor:"senderId"`
	TargetID   string `cbor:"targetId"`
}

// Kind implements Message.
func (*DocUnavailable) Kind() Kind { return KindDocUnavailable }

// Error reports a fatal protocol-level failure (server → client).
type Error struct {
	Type    string `cbor:"type"`
	Message string `cbor:"message"`
}

// Kind implements Message.
func (*Error) Kind() Kind { return KindError }

// NewJoin builds the client's handshake opener.
func NewJoin(senderID string) *Join {
	return &Join{
		Type:                      string(KindJoin),
		SenderID:                  senderID,
		SupportedProtocolVersions: []string{ProtocolVersion},
		Metadata:                  &PeerMetadata{IsEphemeral: true},
	}
}

// NewPeer builds the server's handshake reply.
func NewPeer(senderID, targetID string) *Peer {
	return &Peer{
		Type:                    string(KindPeer),
		SenderID:                senderID,
		TargetID:                targetID,
		SelectedProtocolVersion: ProtocolVersion,
	}
}

// NewLeave builds a graceful-disconnect notice.
func NewLeave(senderID string) *Leave {
	return &Leave{Type: string(KindLeave), SenderID: senderID}
}

// NewRequest builds a session opener for one document.
func NewRequest(documentID, senderID, targetID, docType string, data []byte) *Request {
	if data == nil {
		data = []byte{}
	}

	return &Request{
		Type:       string(KindRequest),
		DocumentID: documentID,
		SenderID:   senderID,
		TargetID:   targetID,
		DocType:    docType,
		Data:       data,
	}
}

// NewSync builds a mid-session sync frame.
func NewSync(documentID, senderID, targetID string, data []byte) *Sync {
	if data == nil {
		data = []byte{}
	}

	return &Sync{
		Type:       string(KindSync),
		DocumentID: documentID,
		SenderID:   senderID,
		TargetID:   targetID,
		Data:       data,
	}
}

// NewDocUnavailable builds a document-unavailable reply.
func NewDocUnavailable(documentID, senderID, targetID string) *DocUnavailable {
	return &DocUnavailable{
		Type:       string(KindDocUnavailable),
		DocumentID: documentID,
		SenderID:   senderID,
		TargetID:   targetID,
	}
}

// NewError builds an error reply.
func NewError(message string) *Error {
	return &Error{Type: string(KindError), Message: message}
}

// Encode serializes a message to one CBOR frame.
func Encode(m Message) ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s frame: %w", m.Kind(), err)
	}

	return data, nil
}

// Decode parses one CBOR frame. Unknown type tags return ErrUnknownType
// (wrapped with the offending tag); callers skip those. A frame that is not
// a CBOR map at all is a hard decode error.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type string `cbor:"type"`
	}

	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("wire: decoding frame envelope: %w", err)
	}

	var msg Message

	switch Kind(envelope.Type) {
	case KindJoin:
		msg = &Join{}
	case KindPeer:
		msg = &Peer{}
	case KindLeave:
		msg = &Leave{}
	case KindRequest:
		msg = &Request{}
	case KindSync:
		msg = &Sync{}
	case KindDocUnavailable:
		msg = &DocUnavailable{}
	case KindError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	if err := cbor.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("wire: decoding %s frame: %w", envelope.Type, err)
	}

	return msg, nil
}
