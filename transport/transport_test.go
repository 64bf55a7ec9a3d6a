package transport

import (
	"context"
	"testing"
	"time"

	"github.com/mochi-hpc/thallium-go/wireproto"
)

func TestLoopbackRequestResponse(t *testing.T) {
	serverHandler := func(ctx context.Context, c *Conn, h *wireproto.Header, body []byte) {
		reply := append([]byte("echo:"), body...)
		c.Reply(h.Seq, wireproto.MsgResponse, reply)
	}

	client, server := Loopback(nil, serverHandler)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, body, err := client.Request(ctx, 0, 7, []byte("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "echo:hi" {
		t.Fatalf("expected echo:hi, got %q", body)
	}
}

func TestPostThenWait(t *testing.T) {
	serverHandler := func(ctx context.Context, c *Conn, h *wireproto.Header, body []byte) {
		time.Sleep(5 * time.Millisecond)
		c.Reply(h.Seq, wireproto.MsgResponse, body)
	}
	client, server := Loopback(nil, serverHandler)
	defer client.Close()
	defer server.Close()

	pending, err := client.Post(context.Background(), 0, 1, []byte("async"))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	_, body, err := pending.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if string(body) != "async" {
		t.Fatalf("expected async, got %q", body)
	}
}

func TestPendingResponseReady(t *testing.T) {
	release := make(chan struct{})
	serverHandler := func(ctx context.Context, c *Conn, h *wireproto.Header, body []byte) {
		<-release
		c.Reply(h.Seq, wireproto.MsgResponse, body)
	}
	client, server := Loopback(nil, serverHandler)
	defer client.Close()
	defer server.Close()

	pending, err := client.Post(context.Background(), 0, 1, []byte("x"))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if pending.Ready() {
		t.Fatalf("expected not ready before server replies")
	}
	close(release)
	if _, _, err := pending.Wait(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !pending.Ready() {
		t.Fatalf("expected ready after response delivered")
	}
}

func TestRequestTimesOut(t *testing.T) {
	// server handler never replies
	serverHandler := func(ctx context.Context, c *Conn, h *wireproto.Header, body []byte) {}
	client, server := Loopback(nil, serverHandler)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := client.Request(ctx, 0, 1, nil); err == nil {
		t.Fatalf("expected a timeout error")
	}
}

func TestConnectionCloseUnblocksPending(t *testing.T) {
	serverHandler := func(ctx context.Context, c *Conn, h *wireproto.Header, body []byte) {}
	client, server := Loopback(nil, serverHandler)
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := client.Request(context.Background(), 0, 1, nil)
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error after close")
		}
	case <-time.After(time.Second):
		t.Fatalf("request never unblocked after Close")
	}
}

func TestOneWaySendDoesNotBlock(t *testing.T) {
	received := make(chan string, 1)
	serverHandler := func(ctx context.Context, c *Conn, h *wireproto.Header, body []byte) {
		received <- string(body)
	}
	client, server := Loopback(nil, serverHandler)
	defer client.Close()
	defer server.Close()

	if err := client.SendOneWay(wireproto.MsgRequest, 0, 5, []byte("fire-and-forget")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case v := <-received:
		if v != "fire-and-forget" {
			t.Fatalf("unexpected body: %q", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("server never received one-way frame")
	}
}
