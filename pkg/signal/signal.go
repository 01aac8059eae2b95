/*
File: pkg/signal/signal.go
Description: Defines the wire protocol for the call-signalling relay: the
kind-tagged envelope exchanged over the WebSocket, per-kind validation
rules, and the structured error codes surfaced to client UIs.
*/
// Package signal defines the relay's wire protocol. Every frame on the wire
// is a JSON Envelope tagged with a Kind; each kind has a fixed, validated
// field set. Session-negotiation payloads (offer/answer/candidate bodies)
// are opaque to the relay and are carried as raw JSON.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the type of a signalling envelope.
type Kind string

// Client-to-relay kinds.
const (
	KindRegister  Kind = "register"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindProgress  Kind = "progress"
	KindEnd       Kind = "end"
	KindReject    Kind = "reject"
	KindHeartbeat Kind = "heartbeat"
)

// Relay-to-client kinds.
const (
	KindRegistered   Kind = "registered"
	KindIncomingCall Kind = "incomingCall"
	KindCallAccepted Kind = "callAccepted"
	KindCallEnded    Kind = "callEnded"
	KindCallRejected Kind = "callRejected"
	KindCallError    Kind = "callError"
	KindHeartbeatAck Kind = "heartbeatAck"
)

// ErrorCode is a structured, client-consumable failure code carried on a
// callError or callEnded envelope.
type ErrorCode string

const (
	CodeRecipientUnavailable ErrorCode = "RECIPIENT_UNAVAILABLE"
	CodeCallerDisconnected   ErrorCode = "CALLER_DISCONNECTED"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
	CodeCallInProgress       ErrorCode = "CALL_IN_PROGRESS"
)

// Parse errors. Malformed envelopes are dropped by the relay with a local
// diagnostic log entry; none of these ever reaches a peer.
var (
	ErrUnknownKind     = errors.New("unknown envelope kind")
	ErrServerOnlyKind  = errors.New("kind is not valid from a client")
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
)

// MissingFieldError reports a required field absent for the envelope's kind.
type MissingFieldError struct {
	Kind  Kind
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("envelope kind %q is missing required field %q", e.Kind, e.Field)
}

// Envelope is the single frame type exchanged with the relay. Which fields
// are populated depends on Kind; ParseEnvelope enforces the per-kind rules.
type Envelope struct {
	Kind Kind `json:"kind"`

	// From is set by the relay on delivered frames; client-supplied values
	// are ignored (the registry, not the client, is authoritative).
	From string `json:"from,omitempty"`
	// To addresses an offer, answer, candidate, end or reject.
	To string `json:"to,omitempty"`

	// Registration fields.
	DeviceID        string `json:"deviceId,omitempty"`
	Platform        string `json:"platform,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`

	// Payload is the opaque session-negotiation blob produced by the media
	// engine. The relay checks size and presence, never content.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Code is set on callError and synthesized callEnded frames.
	Code ErrorCode `json:"code,omitempty"`
	// About names the client kind a callError is responding to.
	About Kind `json:"about,omitempty"`

	// Timestamp echoes the client clock on heartbeat frames.
	Timestamp int64 `json:"timestamp,omitempty"`
	// ServerTime carries the relay clock on registered and heartbeatAck frames.
	ServerTime int64 `json:"serverTime,omitempty"`
}

// ParseEnvelope decodes and validates a client frame. maxPayload caps the
// size of the opaque payload in bytes; zero means no cap.
func ParseEnvelope(data []byte, maxPayload int) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := env.validateClient(maxPayload); err != nil {
		return nil, err
	}
	return &env, nil
}

// validateClient enforces the fixed field set for client-origin kinds.
func (e *Envelope) validateClient(maxPayload int) error {
	if maxPayload > 0 && len(e.Payload) > maxPayload {
		return ErrPayloadTooLarge
	}

	switch e.Kind {
	case KindRegister:
		if e.DeviceID == "" {
			return &MissingFieldError{Kind: e.Kind, Field: "deviceId"}
		}
	case KindOffer, KindAnswer, KindCandidate, KindProgress:
		if e.To == "" {
			return &MissingFieldError{Kind: e.Kind, Field: "to"}
		}
		if len(e.Payload) == 0 {
			return &MissingFieldError{Kind: e.Kind, Field: "payload"}
		}
	case KindEnd, KindReject:
		if e.To == "" {
			return &MissingFieldError{Kind: e.Kind, Field: "to"}
		}
	case KindHeartbeat:
		// Timestamp is optional; the relay answers with its own clock.
	case KindRegistered, KindIncomingCall, KindCallAccepted,
		KindCallEnded, KindCallRejected, KindCallError, KindHeartbeatAck:
		return ErrServerOnlyKind
	default:
		return ErrUnknownKind
	}
	return nil
}

// Encode marshals the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// --- Relay-to-client frame constructors ---

// Registered acknowledges a successful registration.
func Registered(deviceID string, serverTime time.Time) *Envelope {
	return &Envelope{Kind: KindRegistered, DeviceID: deviceID, ServerTime: serverTime.UnixMilli()}
}

// IncomingCall notifies a callee of a relayed offer.
func IncomingCall(from string, payload json.RawMessage) *Envelope {
	return &Envelope{Kind: KindIncomingCall, From: from, Payload: payload}
}

// CallAccepted notifies a caller of a relayed answer.
func CallAccepted(from string, payload json.RawMessage) *Envelope {
	return &Envelope{Kind: KindCallAccepted, From: from, Payload: payload}
}

// Candidate forwards an opaque connectivity-candidate blob.
func Candidate(from string, payload json.RawMessage) *Envelope {
	return &Envelope{Kind: KindCandidate, From: from, Payload: payload}
}

// Progress forwards an opaque in-call progress blob.
func Progress(from string, payload json.RawMessage) *Envelope {
	return &Envelope{Kind: KindProgress, From: from, Payload: payload}
}

// CallEnded reports a graceful or synthesized call termination. code is
// empty for a graceful end and CodeCallerDisconnected for a synthesized one.
func CallEnded(from string, code ErrorCode) *Envelope {
	return &Envelope{Kind: KindCallEnded, From: from, Code: code}
}

// CallRejected reports a declined ringing call.
func CallRejected(from string) *Envelope {
	return &Envelope{Kind: KindCallRejected, From: from}
}

// CallError reports a non-fatal relay failure back to the sender. about
// names the client kind that failed.
func CallError(from string, code ErrorCode, about Kind) *Envelope {
	return &Envelope{Kind: KindCallError, From: from, Code: code, About: about}
}

// HeartbeatAck answers a heartbeat with the relay clock.
func HeartbeatAck(serverTime time.Time) *Envelope {
	return &Envelope{Kind: KindHeartbeatAck, ServerTime: serverTime.UnixMilli()}
}
