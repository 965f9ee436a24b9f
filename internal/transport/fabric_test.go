package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/kernelctl/internal/testutil/testlog"
)

func recvWithin(t *testing.T, s Socket, d time.Duration) [][]byte {
	t.Helper()
	type result struct {
		frames [][]byte
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := s.Recv()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("recv: %v", r.err)
		}
		return r.frames
	case <-time.After(d):
		t.Fatalf("recv timed out after %s", d)
		return nil
	}
}

func TestFabricRouterDealer(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	f := NewFabric()
	router, err := f.Listen(ctx, Router, "shell")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a, _ := f.Dial(ctx, Dealer, "shell", []byte("a"))
	b, _ := f.Dial(ctx, Dealer, "shell", []byte("b"))

	if err := a.Send([][]byte{[]byte("hello")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := recvWithin(t, router, time.Second)
	if string(got[0]) != "a" || string(got[1]) != "hello" {
		t.Fatalf("unexpected router frames: %q", got)
	}

	if err := router.Send([][]byte{[]byte("b"), []byte("for-b")}); err != nil {
		t.Fatalf("router send: %v", err)
	}
	got = recvWithin(t, b, time.Second)
	if len(got) != 1 || string(got[0]) != "for-b" {
		t.Fatalf("unexpected dealer frames: %q", got)
	}
}

func TestFabricPubSubFanout(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	f := NewFabric()
	pub, _ := f.Listen(ctx, Pub, "iopub")
	s1, _ := f.Dial(ctx, Sub, "iopub", nil)
	s2, _ := f.Dial(ctx, Sub, "iopub", nil)

	if err := pub.Send([][]byte{[]byte("topic"), []byte("x")}); err != nil {
		t.Fatalf("pub send: %v", err)
	}
	for _, s := range []Socket{s1, s2} {
		got := recvWithin(t, s, time.Second)
		if string(got[1]) != "x" {
			t.Fatalf("unexpected sub frames: %q", got)
		}
	}
}

func TestFabricReqRep(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	f := NewFabric()
	rep, _ := f.Listen(ctx, Rep, "hb")
	req, _ := f.Dial(ctx, Req, "hb", nil)

	req.Send([][]byte{{0x01}})
	got := recvWithin(t, rep, time.Second)
	if len(got) != 1 || got[0][0] != 0x01 {
		t.Fatalf("unexpected rep frames: %q", got)
	}
	rep.Send(got)
	got = recvWithin(t, req, time.Second)
	if len(got) != 1 || got[0][0] != 0x01 {
		t.Fatalf("unexpected req frames: %q", got)
	}
}

func TestFabricListenerRestartKeepsDialers(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	f := NewFabric()
	first, _ := f.Listen(ctx, Router, "shell")
	dealer, _ := f.Dial(ctx, Dealer, "shell", []byte("fe"))

	if _, err := f.Listen(ctx, Router, "shell"); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("expected ErrAddrInUse, got %v", err)
	}
	first.Close()

	// Sent while nothing is bound; delivered once the new listener binds.
	dealer.Send([][]byte{[]byte("queued")})

	second, err := f.Listen(ctx, Router, "shell")
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	got := recvWithin(t, second, time.Second)
	if string(got[0]) != "fe" || string(got[1]) != "queued" {
		t.Fatalf("unexpected frames after restart: %q", got)
	}
	second.Send([][]byte{[]byte("fe"), []byte("reply")})
	got = recvWithin(t, dealer, time.Second)
	if string(got[0]) != "reply" {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestFabricCloseUnblocksRecv(t *testing.T) {
	testlog.Start(t)
	f := NewFabric()
	s, _ := f.Dial(context.Background(), Dealer, "x", nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		errCh <- err
	}()
	s.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("recv did not unblock on close")
	}
	if err := s.Send([][]byte{nil}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on send, got %v", err)
	}
}

func TestFabricRejectsWrongSide(t *testing.T) {
	testlog.Start(t)
	f := NewFabric()
	if _, err := f.Listen(context.Background(), Dealer, "x"); !errors.Is(err, ErrUnsupportedPattern) {
		t.Fatalf("expected ErrUnsupportedPattern, got %v", err)
	}
	if _, err := f.Dial(context.Background(), Router, "x", nil); !errors.Is(err, ErrUnsupportedPattern) {
		t.Fatalf("expected ErrUnsupportedPattern, got %v", err)
	}
}
