package models_test

import (
	"driftchat/backend/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessage_Validate(t *testing.T) {
	gif := "https://media.example/cat.gif"
	blank := "  "

	tests := []struct {
		name string
		msg  models.Message
		err  error
	}{
		{"text", models.Message{SenderID: "a", ReceiverID: "b", Content: "hi"}, nil},
		{"gif only", models.Message{SenderID: "a", ReceiverID: "b", GifURL: &gif}, nil},
		{"neither", models.Message{SenderID: "a", ReceiverID: "b"}, models.ErrEmptyMessage},
		{"blank gif", models.Message{SenderID: "a", ReceiverID: "b", GifURL: &blank}, models.ErrEmptyMessage},
		{"both", models.Message{SenderID: "a", ReceiverID: "b", Content: "hi", GifURL: &gif}, models.ErrAmbiguousMessage},
		{"no receiver", models.Message{SenderID: "a", Content: "hi"}, models.ErrMissingReceiver},
		{"to self", models.Message{SenderID: "a", ReceiverID: "a", Content: "hi"}, models.ErrMissingReceiver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestMessage_BeforeTieBreaksOnSeq(t *testing.T) {
	ts := time.Now()
	first := &models.Message{Timestamp: ts, Seq: 1}
	second := &models.Message{Timestamp: ts, Seq: 2}
	earlier := &models.Message{Timestamp: ts.Add(-time.Millisecond), Seq: 3}

	assert.True(t, first.Before(second))
	assert.False(t, second.Before(first))
	assert.True(t, earlier.Before(first))
}
