package domain

import "time"

// SignalType identifies the WebRTC negotiation step an envelope carries.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// Valid reports whether t is one of the known signal types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	SDPMid           string `json:"sdpMid"`
	SDPMLineIndex    int    `json:"sdpMLineIndex"`
	Candidate        string `json:"candidate"`
	UsernameFragment string `json:"usernameFragment,omitempty"`
}

// Envelope is one signaling message routed between two peers of a room.
// An empty To addresses every peer in the room.
//
// ID and CreatedAt are assigned by the signal store; envelopes built for
// sending leave them zero.
type Envelope struct {
	ID        string
	Type      SignalType
	From      string
	To        string
	RoomID    string
	SDP       *SDPPayload
	Candidate *ICECandidatePayload
	CreatedAt time.Time
}

// Broadcast reports whether the envelope is addressed to the whole room.
func (e Envelope) Broadcast() bool {
	return e.To == ""
}

// Validate checks the envelope shape without looking at the network.
func (e Envelope) Validate() error {
	if !e.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "unknown signal type " + string(e.Type)}
	}
	if e.From == "" {
		return &ValidationError{Field: "from", Reason: "sender is required"}
	}
	if e.RoomID == "" {
		return &ValidationError{Field: "roomId", Reason: "room is required"}
	}
	if e.To != "" && e.To == e.From {
		return &ValidationError{Field: "to", Reason: "sender and recipient are the same peer"}
	}

	switch e.Type {
	case SignalOffer, SignalAnswer:
		if e.SDP == nil || e.SDP.SDP == "" {
			return &ValidationError{Field: "payload", Reason: "missing session description"}
		}
		if e.SDP.Type != string(e.Type) {
			return &ValidationError{Field: "payload.type", Reason: "description type " + e.SDP.Type + " does not match " + string(e.Type)}
		}
		if e.Candidate != nil {
			return &ValidationError{Field: "payload", Reason: "unexpected candidate on " + string(e.Type)}
		}
	case SignalICECandidate:
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return &ValidationError{Field: "payload", Reason: "missing ICE candidate"}
		}
		if e.SDP != nil {
			return &ValidationError{Field: "payload", Reason: "unexpected description on ice-candidate"}
		}
	}
	return nil
}
