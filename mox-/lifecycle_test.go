package mox

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"
)

func TestConnections(t *testing.T) {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	defer ShutdownCancel()
	nc0, nc1 := net.Pipe()
	defer nc0.Close()
	defer nc1.Close()
	Connections.Register(nc0, "mjl")
	Connections.Shutdown()

	done := Connections.Done()
	select {
	case <-done:
		t.Fatalf("already done, but still a connection open")
	default:
	}

	// The session reading from the connection gets an error after shutdown.
	_, err := nc0.Read(make([]byte, 1))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("got %v, expected os.ErrDeadlineExceeded", err)
	}
	Connections.Unregister(nc0)
	select {
	case <-done:
	default:
		t.Fatalf("unregistered connection, but not yet done")
	}

	// Unregistering again is harmless.
	Connections.Unregister(nc0)
}

func TestJitter(t *testing.T) {
	r := NewRand()
	for i := 0; i < 100; i++ {
		d := Jitter(r, time.Minute, 0.1)
		if d < 54*time.Second || d > 66*time.Second {
			t.Fatalf("jitter %s out of range", d)
		}
	}
	if d := Jitter(r, time.Minute, 0); d != time.Minute {
		t.Fatalf("got %s, expected no jitter", d)
	}
}
