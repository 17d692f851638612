package guestchannel

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAttachConnRoutesDecodedMessageToInbox(t *testing.T) {
	m := New(5000, discardLogger())
	inbox := m.Register(7)

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		m.attachConn(7, server)
		close(done)
	}()

	if _, err := client.Write([]byte(`{"type":"progress","id":"t1","step":"booting","status":"running"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-inbox:
		if msg.CID != 7 || msg.Type != TypeProgress {
			t.Fatalf("unexpected inbound: %+v", msg)
		}
		p, err := DecodeProgress(msg.Raw)
		if err != nil {
			t.Fatalf("DecodeProgress: %v", err)
		}
		if p.ID != "t1" || p.Step != "booting" {
			t.Errorf("decoded progress = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}

	client.Close()
	<-done
}

func TestAttachConnClosesConnectionOnMalformedLine(t *testing.T) {
	m := New(5000, discardLogger())
	m.Register(9)

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		m.attachConn(9, server)
		close(done)
	}()

	if _, err := client.Write([]byte("not json at all\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("attachConn did not return after malformed line")
	}
}

func TestAttachConnUnregisteredCIDClosesImmediately(t *testing.T) {
	m := New(5000, discardLogger())

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		m.attachConn(42, server)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("attachConn did not return for unregistered cid")
	}
}

func TestWaitConnectedUnblocksOnceAttached(t *testing.T) {
	m := New(5000, discardLogger())
	m.Register(3)

	_, server := net.Pipe()
	defer server.Close()

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- m.WaitConnected(context.Background(), 3)
	}()

	go m.attachConn(3, server)

	select {
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("WaitConnected: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitConnected never returned")
	}
}

func TestSendWritesJSONLineToConnection(t *testing.T) {
	m := New(5000, discardLogger())
	m.Register(5)

	client, server := net.Pipe()
	defer client.Close()

	go m.attachConn(5, server)
	if err := m.WaitConnected(context.Background(), 5); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- m.Send(5, NewTask("t1", []byte(`{"cmd":"run"}`), []string{"http_get"}))
	}()

	buf := make([]byte, 4096)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := string(buf[:n])
	if got == "" || got[len(got)-1] != '\n' {
		t.Errorf("expected newline-terminated line, got %q", got)
	}
}

func TestSendUnregisteredCIDErrors(t *testing.T) {
	m := New(5000, discardLogger())
	if err := m.Send(99, NewTask("t1", nil, nil)); err == nil {
		t.Fatal("expected error sending to unregistered cid")
	}
}

func TestUnregisterClosesInboxAndConnection(t *testing.T) {
	m := New(5000, discardLogger())
	inbox := m.Register(11)

	client, server := net.Pipe()
	defer client.Close()

	go m.attachConn(11, server)
	if err := m.WaitConnected(context.Background(), 11); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}

	m.Unregister(11)

	if _, ok := <-inbox; ok {
		t.Error("expected inbox to be closed after Unregister")
	}
}
