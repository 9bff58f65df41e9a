package session

import (
	"net"
	"testing"
	"time"

	"github.com/rstream/rstream/internal/wire"
)

func pipePair(t *testing.T, bufCap int) (*Conn, net.Conn, chan Event) {
	t.Helper()
	a, b := net.Pipe()
	notify := make(chan Event, 16)
	c := New(1, a, bufCap, notify)
	c.Start()
	t.Cleanup(func() {
		c.Close()
		b.Close()
	})
	return c, b, notify
}

func TestConn_ReceiveFrames(t *testing.T) {
	c, peer, notify := pipePair(t, 1<<20)

	h := wire.NewHeader()
	h.Cmd = wire.CmdStream
	h.Path = "a.log"
	h.Offset = 12
	frame := wire.EncodeMessage(h, nil)

	go peer.Write(frame)

	select {
	case ev := <-notify:
		if ev.Err != nil {
			t.Fatalf("unexpected close: %v", ev.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("no readable event")
	}

	// The frame may span several reads; poll briefly.
	deadline := time.Now().Add(time.Second)
	for {
		msg, err := c.NextMessage()
		if err != nil {
			t.Fatalf("NextMessage: %v", err)
		}
		if msg != nil {
			if msg.Header.Cmd != wire.CmdStream || msg.Header.Offset != 12 {
				t.Errorf("decoded %+v", msg.Header)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("frame never arrived")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConn_EnqueueWrites(t *testing.T) {
	c, peer, _ := pipePair(t, 1<<20)

	h := wire.NewHeader()
	h.Packet = wire.PacketBlock
	h.Path = "x"
	h.Offset = 0
	frame := wire.EncodeMessage(h, []byte("payload"))

	if !c.Enqueue(frame) {
		t.Fatal("Enqueue refused with ample space")
	}

	buf := make([]byte, len(frame))
	peer.SetReadDeadline(time.Now().Add(time.Second))
	n := 0
	for n < len(frame) {
		m, err := peer.Read(buf[n:])
		if err != nil {
			t.Fatalf("peer read: %v", err)
		}
		n += m
	}
	if string(buf) != string(frame) {
		t.Errorf("peer received %q, want %q", buf, frame)
	}
}

func TestConn_EnqueueRespectsSpace(t *testing.T) {
	c, _, _ := pipePair(t, 8)

	if c.Enqueue(make([]byte, 9)) {
		t.Error("Enqueue accepted a frame larger than the buffer")
	}
	if !c.Enqueue(make([]byte, 8)) {
		t.Error("Enqueue refused a frame that exactly fits")
	}
}

func TestConn_CloseNotifies(t *testing.T) {
	c, peer, notify := pipePair(t, 1<<20)
	_ = c
	peer.Close()

	select {
	case ev := <-notify:
		if ev.Err == nil {
			t.Error("close event carried no error")
		}
	case <-time.After(time.Second):
		t.Fatal("no close event after peer hangup")
	}
}
