package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"

	"github.com/convergio/converge/pkg/logging"
	"github.com/convergio/converge/pkg/protocol"
)

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()

	opts := &natssrv.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	s, err := natssrv.NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(func() {
		s.Shutdown()
	})
	return s
}

func newTestNATSBus(t *testing.T) Bus {
	t.Helper()
	s := runTestNATSServer(t)

	b, err := NewNATSBus(context.Background(), NATSConfig{
		URL:         s.ClientURL(),
		Prefix:      "converge.test",
		CacheBucket: "converge-test-cache",
		Logger:      logging.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("NewNATSBus: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNATSBus_PublishSubscribe(t *testing.T) {
	b := newTestNATSBus(t)

	got := make(chan protocol.Envelope, 2)
	sub := mustSubscribe(t, b, "quotes", got)

	in := protocol.NewSuccess("StockWorker", "c1", json.RawMessage(`{"price":42}`))
	if err := b.Publish("quotes", in); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case env := <-got:
		if env.CorrelationID != "c1" || env.Source != "StockWorker" {
			t.Errorf("received %+v", env)
		}
		if string(env.Payload) != `{"price":42}` {
			t.Errorf("payload = %s", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never arrived")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if err := b.Publish("quotes", in); err != nil {
		t.Fatalf("Publish() after unsubscribe error = %v", err)
	}
	select {
	case <-got:
		t.Error("unsubscribed handler still received an envelope")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNATSBus_ChannelIsolation(t *testing.T) {
	b := newTestNATSBus(t)

	gotA := make(chan protocol.Envelope, 1)
	gotB := make(chan protocol.Envelope, 1)
	mustSubscribe(t, b, "work.a", gotA)
	mustSubscribe(t, b, "work.b", gotB)

	if err := b.Publish("work.a", testEnvelope("c1")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-gotA:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber on work.a never received the envelope")
	}
	select {
	case <-gotB:
		t.Error("subscriber on work.b received an envelope published to work.a")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNATSBus_CacheTTL(t *testing.T) {
	b := newTestNATSBus(t)

	if _, err := b.CacheGet("absent"); err != ErrCacheMiss {
		t.Errorf("CacheGet(absent) = %v, want ErrCacheMiss", err)
	}

	if err := b.CacheSet("ratelimit.StockWorker.AAPL", []byte("v1"), 150*time.Millisecond); err != nil {
		t.Fatalf("CacheSet() error = %v", err)
	}
	value, err := b.CacheGet("ratelimit.StockWorker.AAPL")
	if err != nil {
		t.Fatalf("CacheGet() error = %v", err)
	}
	if string(value) != "v1" {
		t.Errorf("CacheGet() = %q, want v1", value)
	}

	time.Sleep(250 * time.Millisecond)
	if _, err := b.CacheGet("ratelimit.StockWorker.AAPL"); err != ErrCacheMiss {
		t.Errorf("CacheGet() after expiry = %v, want ErrCacheMiss", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	got := sanitizeKey("ratelimit.Stock Worker!.AAPL")
	want := "ratelimit.Stock_Worker_.AAPL"
	if got != want {
		t.Errorf("sanitizeKey() = %q, want %q", got, want)
	}
}
