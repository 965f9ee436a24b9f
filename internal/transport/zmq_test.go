package transport

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/kernelctl/internal/connection"
	"github.com/danmuck/kernelctl/internal/testutil/testlog"
)

func TestZMQRouterDealerLoopback(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	info := connection.New()
	if err := connection.AllocatePorts(&info); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	ep, _ := info.Endpoint(connection.Shell)

	z := ZMQ{DialRetry: 50 * time.Millisecond}
	router, err := z.Listen(ctx, Router, ep)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer router.Close()
	dealer, err := z.Dial(ctx, Dealer, ep, []byte("front-end"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dealer.Close()

	if err := dealer.Send([][]byte{[]byte("a"), []byte("b")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := recvWithin(t, router, 5*time.Second)
	if len(got) != 3 || string(got[0]) != "front-end" || string(got[2]) != "b" {
		t.Fatalf("unexpected router frames: %q", got)
	}
	if err := router.Send([][]byte{got[0], []byte("reply")}); err != nil {
		t.Fatalf("router send: %v", err)
	}
	got = recvWithin(t, dealer, 5*time.Second)
	if len(got) != 1 || string(got[0]) != "reply" {
		t.Fatalf("unexpected dealer frames: %q", got)
	}
}
