package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByContract(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	contract := common.HexToAddress("0x00000000000000000000000000000000000000c4")
	ev := New(AlertCreated, contract, common.Address{}, time.Unix(1700000000, 0).UTC(), map[string]int{"id": 7}).
		WithChange(nil, "ACTIVE")
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != contract.Hex() {
		t.Fatalf("unexpected key %s", msg.Key)
	}
	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["kind"] != string(AlertCreated) || decoded["id"] != ev.ID {
		t.Fatalf("unexpected payload %v", decoded)
	}
}

func TestMultiReturnsFirstErrorAndReachesAll(t *testing.T) {
	failing := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}}
	rec := &Recorder{}
	m := Multi{failing, nil, rec}
	err := m.Publish(context.Background(), New(ReportSubmitted, common.Address{}, common.Address{}, time.Now(), nil))
	if err == nil {
		t.Fatalf("expected error from failing publisher")
	}
	if got := rec.Kinds(); len(got) != 1 || got[0] != ReportSubmitted {
		t.Fatalf("recorder should still receive the event, got %v", got)
	}
}
