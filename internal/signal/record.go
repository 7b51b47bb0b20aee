package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"tablecam/native/internal/domain"
)

// Record is the persisted form of a signaling envelope.
type Record struct {
	ID         string        `json:"id"`
	RoomID     string        `json:"roomId"`
	FromUserID string        `json:"fromUserId"`
	ToUserID   *string       `json:"toUserId"`
	Payload    RecordPayload `json:"payload"`
	CreatedAt  int64         `json:"createdAt"`
}

// RecordPayload carries the signal type and its type-specific body.
type RecordPayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Query selects the records one peer should see in a room: everything
// addressed to UserID or broadcast, newer than Since (Unix ms), excluding
// the peer's own records.
type Query struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Since  int64  `json:"since,omitempty"`
}

// Match reports whether rec belongs to the query result.
func (q Query) Match(rec Record) bool {
	if rec.RoomID != q.RoomID || rec.FromUserID == q.UserID {
		return false
	}
	if rec.ToUserID != nil && *rec.ToUserID != q.UserID {
		return false
	}
	return rec.CreatedAt > q.Since
}

// EncodeEnvelope validates env and converts it to a record ready for insert.
func EncodeEnvelope(env domain.Envelope) (Record, error) {
	if err := env.Validate(); err != nil {
		return Record{}, err
	}

	var body any
	switch env.Type {
	case domain.SignalOffer, domain.SignalAnswer:
		body = env.SDP
	case domain.SignalICECandidate:
		body = env.Candidate
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Record{}, &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}

	rec := Record{
		RoomID:     env.RoomID,
		FromUserID: env.From,
		Payload:    RecordPayload{Type: string(env.Type), Payload: raw},
	}
	if !env.Broadcast() {
		to := env.To
		rec.ToUserID = &to
	}
	return rec, nil
}

// DecodeRecord converts a stored record back into a validated envelope.
func DecodeRecord(rec Record) (domain.Envelope, error) {
	env := domain.Envelope{
		ID:        rec.ID,
		Type:      domain.SignalType(rec.Payload.Type),
		From:      rec.FromUserID,
		RoomID:    rec.RoomID,
		CreatedAt: time.UnixMilli(rec.CreatedAt),
	}
	if rec.ToUserID != nil {
		env.To = *rec.ToUserID
	}

	switch env.Type {
	case domain.SignalOffer, domain.SignalAnswer:
		var sdp domain.SDPPayload
		if err := json.Unmarshal(rec.Payload.Payload, &sdp); err != nil {
			return env, &domain.ValidationError{Field: "payload", Reason: fmt.Sprintf("decode %s: %v", env.Type, err)}
		}
		env.SDP = &sdp
	case domain.SignalICECandidate:
		var candidate domain.ICECandidatePayload
		if err := json.Unmarshal(rec.Payload.Payload, &candidate); err != nil {
			return env, &domain.ValidationError{Field: "payload", Reason: fmt.Sprintf("decode %s: %v", env.Type, err)}
		}
		env.Candidate = &candidate
	}

	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}
