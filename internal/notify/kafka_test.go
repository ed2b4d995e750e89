package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaNotifier_Publish(t *testing.T) {
	w := &recordingWriter{}
	n := &KafkaNotifier{writer: w, timeout: time.Second}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := n.Publish(context.Background(), Event{
		Type:      EventListingSettled,
		ListingID: "listing-1",
		UserID:    "user-2",
		Amount:    decimal.NewFromInt(150),
		At:        at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	require.Equal(t, []byte("listing-1"), w.msgs[0].Key)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	require.Equal(t, EventListingSettled, decoded["type"])
	require.Equal(t, "user-2", decoded["user_id"])
	require.Equal(t, "150", decoded["amount"])
}

func TestKafkaNotifier_WriteFailure(t *testing.T) {
	n := &KafkaNotifier{writer: &recordingWriter{err: errors.New("broker down")}}
	err := n.Publish(context.Background(), Event{Type: EventBidPlaced, ListingID: "l"})
	require.ErrorContains(t, err, "broker down")
}

func TestKafkaNotifier_NoEvents(t *testing.T) {
	w := &recordingWriter{}
	n := &KafkaNotifier{writer: w}
	require.NoError(t, n.Publish(context.Background()))
	require.Empty(t, w.msgs)
}
