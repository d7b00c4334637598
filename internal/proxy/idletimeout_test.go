package proxy

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// blockingBody returns one chunk then blocks until ctx is done.
type blockingBody struct {
	ctx  context.Context
	sent bool
}

func (b *blockingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, "chunk"), nil
	}
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *blockingBody) Close() error { return nil }

func TestIdleTimeoutReaderExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newIdleTimeoutReader(&blockingBody{ctx: ctx}, 50*time.Millisecond, cancel)
	defer r.Close()

	got, err := io.ReadAll(r)
	if !errors.Is(err, errIdleTimeout) {
		t.Fatalf("expected errIdleTimeout, got %v", err)
	}
	if string(got) != "chunk" {
		t.Errorf("read %q before timeout", got)
	}
}

func TestIdleTimeoutReaderCompletes(t *testing.T) {
	canceled := false
	r := newIdleTimeoutReader(io.NopCloser(strings.NewReader("complete body")), time.Second, func() { canceled = true })

	got, err := io.ReadAll(r)
	if err != nil || string(got) != "complete body" {
		t.Fatalf("ReadAll = %q, %v", got, err)
	}
	r.Close()
	if canceled {
		t.Error("timer fired on a completed body")
	}
}

func TestIdleTimeoutReaderIgnoresSlowConsumer(t *testing.T) {
	var canceled atomic.Bool
	r := newIdleTimeoutReader(io.NopCloser(strings.NewReader("abcdef")), 30*time.Millisecond, func() { canceled.Store(true) })
	defer r.Close()

	buf := make([]byte, 2)
	var got []byte
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		// Simulate a client write blocked well past the timeout.
		time.Sleep(80 * time.Millisecond)
	}
	if string(got) != "abcdef" {
		t.Errorf("read %q", got)
	}
	if canceled.Load() {
		t.Error("timer fired while the consumer was busy")
	}
}
