package signal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablecam/native/internal/domain"
)

func offer(from, to string) domain.Envelope {
	return domain.Envelope{
		Type:   domain.SignalOffer,
		From:   from,
		To:     to,
		RoomID: "room-1",
		SDP:    &domain.SDPPayload{Type: "offer", SDP: "v=0\r\noffer-from-" + from},
	}
}

func candidate(from, to, c string) domain.Envelope {
	return domain.Envelope{
		Type:      domain.SignalICECandidate,
		From:      from,
		To:        to,
		RoomID:    "room-1",
		Candidate: &domain.ICECandidatePayload{SDPMid: "0", Candidate: c},
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name  string
		env   domain.Envelope
		field string
	}{
		{"unknown type", domain.Envelope{Type: "renegotiate", From: "a", RoomID: "r"}, "type"},
		{"missing sender", domain.Envelope{Type: domain.SignalOffer, RoomID: "r", SDP: &domain.SDPPayload{Type: "offer", SDP: "x"}}, "from"},
		{"missing room", domain.Envelope{Type: domain.SignalOffer, From: "a", SDP: &domain.SDPPayload{Type: "offer", SDP: "x"}}, "roomId"},
		{"to self", domain.Envelope{Type: domain.SignalOffer, From: "a", To: "a", RoomID: "r", SDP: &domain.SDPPayload{Type: "offer", SDP: "x"}}, "to"},
		{"offer without sdp", domain.Envelope{Type: domain.SignalOffer, From: "a", RoomID: "r"}, "payload"},
		{"mismatched sdp type", domain.Envelope{Type: domain.SignalAnswer, From: "a", RoomID: "r", SDP: &domain.SDPPayload{Type: "offer", SDP: "x"}}, "payload.type"},
		{"candidate without body", domain.Envelope{Type: domain.SignalICECandidate, From: "a", RoomID: "r"}, "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.NoError(t, offer("a", "b").Validate())
	assert.NoError(t, candidate("a", "", "candidate:1 1 udp 1 10.0.0.1 5000 typ host").Validate())
}

func TestEncodeDecode_Offer(t *testing.T) {
	rec, err := EncodeEnvelope(offer("a", "b"))
	require.NoError(t, err)

	require.NotNil(t, rec.ToUserID)
	assert.Equal(t, "b", *rec.ToUserID)
	assert.Equal(t, "offer", rec.Payload.Type)

	rec.ID = "rec-1"
	rec.CreatedAt = 1700000000000

	env, err := DecodeRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", env.ID)
	assert.Equal(t, "a", env.From)
	assert.Equal(t, "b", env.To)
	require.NotNil(t, env.SDP)
	assert.Equal(t, "v=0\r\noffer-from-a", env.SDP.SDP)
	assert.Equal(t, int64(1700000000000), env.CreatedAt.UnixMilli())
}

func TestEncode_BroadcastHasNilRecipient(t *testing.T) {
	rec, err := EncodeEnvelope(candidate("a", "", "candidate:1"))
	require.NoError(t, err)
	assert.Nil(t, rec.ToUserID)
}

func TestDecode_MalformedPayload(t *testing.T) {
	to := "b"
	rec := Record{
		ID:         "bad",
		RoomID:     "room-1",
		FromUserID: "a",
		ToUserID:   &to,
		Payload:    RecordPayload{Type: "answer", Payload: []byte(`{"sdp": 42}`)},
	}

	_, err := DecodeRecord(rec)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestQueryMatch(t *testing.T) {
	b, c := "b", "c"
	q := Query{RoomID: "room-1", UserID: "b", Since: 100}

	assert.True(t, q.Match(Record{RoomID: "room-1", FromUserID: "a", ToUserID: &b, CreatedAt: 101}))
	assert.True(t, q.Match(Record{RoomID: "room-1", FromUserID: "a", CreatedAt: 101}), "broadcast")
	assert.False(t, q.Match(Record{RoomID: "room-1", FromUserID: "a", ToUserID: &c, CreatedAt: 101}), "other recipient")
	assert.False(t, q.Match(Record{RoomID: "room-2", FromUserID: "a", ToUserID: &b, CreatedAt: 101}), "other room")
	assert.False(t, q.Match(Record{RoomID: "room-1", FromUserID: "b", CreatedAt: 101}), "own broadcast")
	assert.False(t, q.Match(Record{RoomID: "room-1", FromUserID: "a", ToUserID: &b, CreatedAt: 100}), "not after since")
}
