package client

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/version"
)

type fakeTransport struct {
	written []Downstream
	closed  bool
	full    chan struct{}
}

func (f *fakeTransport) WriteDownstream(msg Downstream) error {
	f.written = append(f.written, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func discardLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func newTestConnection(transport *fakeTransport) *Connection {
	identity := Identity{ClientID: "c1", GroupID: cvr.GroupID("g1")}
	opts := connectionOptions{sendBufferSize: 4}
	return newConnection(identity, ConnEpoch("epoch-1"), transport, NewRegistry(), discardLogger(), version.Zero, opts, nil)
}

func TestConnectionSendDeliversInOrder(t *testing.T) {
	transport := &fakeTransport{}
	conn := newTestConnection(transport)
	go conn.Run()
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if err := conn.Send(Downstream{Kind: KindPokePart, PokeID: "p"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for len(transport.written) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(transport.written) != 3 {
		t.Fatalf("expected 3 messages delivered, got %d", len(transport.written))
	}
}

func TestConnectionSendFullBufferClosesConnection(t *testing.T) {
	transport := &fakeTransport{}
	conn := newTestConnection(transport)
	// No writer goroutine running, so the buffered channel fills up.
	for i := 0; i < 4; i++ {
		if err := conn.Send(Downstream{Kind: KindPokePart}); err != nil {
			t.Fatalf("unexpected error filling buffer: %v", err)
		}
	}
	if err := conn.Send(Downstream{Kind: KindPokePart}); err != errSendBufferFull {
		t.Fatalf("expected errSendBufferFull, got %v", err)
	}
	if !transport.closed {
		t.Fatalf("expected connection to be closed after buffer overrun")
	}
}

func TestConnectionVersionRoundTrips(t *testing.T) {
	transport := &fakeTransport{}
	conn := newTestConnection(transport)
	if conn.Version() != version.Zero {
		t.Fatalf("expected initial version to be zero, got %v", conn.Version())
	}
	v := version.Version{StateVersion: "05", MinorVersion: 2}
	conn.SetVersion(v)
	if conn.Version() != v {
		t.Fatalf("expected version %v, got %v", v, conn.Version())
	}
}
