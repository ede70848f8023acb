package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"notifier/internal/config"
	"notifier/internal/domain"
	"notifier/test/testutil"
)

func TestNATSProducerDeduplicatesByJobIDIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := config.DispatchConfig{
		URL:           []string{natsURL},
		Subject:       "notifier.dispatch.jobs",
		Stream:        "NOTIFIER_DISPATCH",
		MaxAckPending: 128,
	}
	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	ctx := context.Background()
	job := NewJob(testCandidate(), SourceLive, time.Now().UTC())
	if err := producer.Dispatch(ctx, job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// Re-dispatch of the same job carries the same Nats-Msg-Id and must be
	// absorbed by the stream instead of producing a second message.
	if err := producer.Dispatch(ctx, job); err != nil {
		t.Fatalf("duplicate dispatch: %v", err)
	}

	other := testCandidate()
	other.ID = "cand-2"
	other.Content[domain.ContentFieldTitle] = "disk usage above threshold"
	if err := producer.Dispatch(ctx, NewJob(other, SourceLive, time.Now().UTC())); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	info, err := js.StreamInfo(cfg.Stream)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.State.Msgs != 2 {
		t.Fatalf("expected 2 stored jobs after dedup, got %d", info.State.Msgs)
	}
}

func TestNATSProducerReusesExistingStreamIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := config.DispatchConfig{
		URL:           []string{natsURL},
		Subject:       "notifier.dispatch.jobs",
		Stream:        "NOTIFIER_DISPATCH",
		MaxAckPending: 128,
	}
	first, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("first producer: %v", err)
	}
	defer func() { _ = first.Close() }()

	// A second producer against the same broker binds the existing stream.
	second, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("second producer: %v", err)
	}
	defer func() { _ = second.Close() }()

	if err := second.Dispatch(context.Background(), NewJob(testCandidate(), SourceDelayed, time.Now().UTC())); err != nil {
		t.Fatalf("dispatch via second producer: %v", err)
	}
}
