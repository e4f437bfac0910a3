package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-vecenv/protocol"
)

// streamPair returns two StreamConns connected through in-memory pipes.
func streamPair(t *testing.T) (*StreamConn, *StreamConn) {
	t.Helper()

	aReader, bWriter := io.Pipe()
	bReader, aWriter := io.Pipe()

	a := NewStreamConn(aReader, aWriter)
	b := NewStreamConn(bReader, bWriter)

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStreamConnRoundTrip(t *testing.T) {
	a, b := streamPair(t)
	ctx := testCtx(t)
	poolID := uuid.New()

	req, err := protocol.NewReset(poolID)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Send(ctx, req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if got.Type != protocol.MessageTypeReset {
		t.Errorf("expected Reset, got %v", got.Type)
	}
	if got.PoolID != poolID {
		t.Errorf("pool ID not preserved: %v", got.PoolID)
	}

	reply, err := protocol.NewReady(poolID)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Send(ctx, reply); err != nil {
		t.Fatalf("reply Send failed: %v", err)
	}
	if got, err = a.Recv(ctx); err != nil {
		t.Fatalf("reply Recv failed: %v", err)
	}
	if got.Type != protocol.MessageTypeReady {
		t.Errorf("expected Ready, got %v", got.Type)
	}
}

func TestStreamConnOrdering(t *testing.T) {
	a, b := streamPair(t)
	ctx := testCtx(t)
	poolID := uuid.New()

	types := []protocol.MessageType{
		protocol.MessageTypeReset,
		protocol.MessageTypeStep,
		protocol.MessageTypeGetSpaces,
	}
	for _, mt := range types {
		msg, err := protocol.New(mt, poolID, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := a.Send(ctx, msg); err != nil {
			t.Fatalf("Send %v failed: %v", mt, err)
		}
	}

	for _, want := range types {
		got, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if got.Type != want {
			t.Errorf("expected %v, got %v", want, got.Type)
		}
	}
}

func TestStreamConnDrainsBeforeEOF(t *testing.T) {
	reader, writer := io.Pipe()
	conn := NewStreamConn(reader, io.Discard)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := testCtx(t)
	poolID := uuid.New()

	go func() {
		for i := 0; i < 2; i++ {
			msg, _ := protocol.NewReady(poolID)
			_ = protocol.WriteFrame(writer, msg)
		}
		_ = writer.Close()
	}()

	for i := 0; i < 2; i++ {
		msg, err := conn.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		if msg.Type != protocol.MessageTypeReady {
			t.Errorf("expected Ready, got %v", msg.Type)
		}
	}

	if _, err := conn.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after drain, got %v", err)
	}
}

func TestStreamConnRecvContextCancelled(t *testing.T) {
	a, _ := streamPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Recv(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestStreamConnSendAfterClose(t *testing.T) {
	a, _ := streamPair(t)
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	msg, _ := protocol.NewReset(uuid.New())
	if err := a.Send(testCtx(t), msg); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestStreamConnCloseIdempotent(t *testing.T) {
	a, _ := streamPair(t)

	if err := a.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestStreamConnPeerCloseUnblocksRecv(t *testing.T) {
	a, b := streamPair(t)
	ctx := testCtx(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Recv(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	_ = b.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected error after peer close, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after peer close")
	}
}

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	ctx := testCtx(t)
	poolID := uuid.New()

	msg, err := protocol.NewGetSpaces(poolID)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Send(ctx, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if got.Type != protocol.MessageTypeGetSpaces {
		t.Errorf("expected GetSpaces, got %v", got.Type)
	}
	if got.PoolID != poolID {
		t.Errorf("pool ID not preserved: %v", got.PoolID)
	}
}

func TestPipeDrainsAfterPeerClose(t *testing.T) {
	a, b := Pipe()
	ctx := testCtx(t)
	poolID := uuid.New()

	for i := 0; i < 2; i++ {
		msg, _ := protocol.NewReady(poolID)
		if err := b.Send(ctx, msg); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	_ = b.Close()

	for i := 0; i < 2; i++ {
		msg, err := a.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		if msg.Type != protocol.MessageTypeReady {
			t.Errorf("expected Ready, got %v", msg.Type)
		}
	}

	if _, err := a.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after drain, got %v", err)
	}
}

func TestPipeSendAfterPeerClose(t *testing.T) {
	a, b := Pipe()
	_ = b.Close()

	msg, _ := protocol.NewReset(uuid.New())
	if err := a.Send(testCtx(t), msg); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestPipeSendAfterLocalClose(t *testing.T) {
	a, _ := Pipe()
	_ = a.Close()

	msg, _ := protocol.NewReset(uuid.New())
	if err := a.Send(testCtx(t), msg); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestPipeRecvContextCancelled(t *testing.T) {
	a, _ := Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Recv(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestPipeCloseIdempotent(t *testing.T) {
	a, _ := Pipe()

	if err := a.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
