package session

import "testing"

func TestSeqDiff(t *testing.T) {
	cases := []struct {
		a, b uint16
		want int16
	}{
		{10, 10, 0},
		{11, 10, 1},
		{10, 11, -1},
		{0, 65535, 1},
		{65535, 0, -1},
	}
	for _, c := range cases {
		if got := seqDiff(c.a, c.b); got != c.want {
			t.Errorf("seqDiff(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestReliableARQInOrderDelivery(t *testing.T) {
	r := newReliableARQ(nil)
	r.onData(1, []byte("b"))
	r.onData(0, []byte("a"))
	r.onData(2, []byte("c"))
	out := r.drainInOrder()
	if len(out) != 3 || string(out[0]) != "a" || string(out[1]) != "b" || string(out[2]) != "c" {
		t.Fatalf("drainInOrder out of order: %v", out)
	}
	if r.recvBase != 3 {
		t.Errorf("recvBase = %d, want 3", r.recvBase)
	}
}

func TestReliableARQDuplicateIsIdempotent(t *testing.T) {
	r := newReliableARQ(nil)
	if !r.onData(0, []byte("x")) {
		t.Fatal("first admit should succeed")
	}
	if !r.onData(0, []byte("x")) {
		t.Fatal("duplicate admit should still report success")
	}
	out := r.drainInOrder()
	if len(out) != 1 {
		t.Fatalf("duplicate admission produced %d deliveries, want 1", len(out))
	}
}

func TestReliableARQDropsOutOfWindow(t *testing.T) {
	r := newReliableARQ(nil)
	if r.onData(ReliableWindow+1, []byte("late")) {
		t.Fatal("admission beyond the window should be dropped")
	}
}

func TestReliableARQSendAndAck(t *testing.T) {
	r := newReliableARQ(nil)
	for i := 0; i < 3; i++ {
		if err := r.sendPkt([]byte{byte(i)}); err != nil {
			t.Fatalf("sendPkt(%d): %v", i, err)
		}
	}
	toSend, _, _, hasAck := r.tick(100)
	if len(toSend) != 3 {
		t.Fatalf("expected 3 packets queued for first send, got %d", len(toSend))
	}
	if !hasAck {
		t.Fatal("tick should always report an ack to send")
	}
	// Cumulative ack through seq 1 (inclusive), nothing via SACK.
	r.onAck(2, 0, 150)
	if r.sendBase != 2 {
		t.Errorf("sendBase = %d, want 2 after cumulative ack", r.sendBase)
	}
	if r.sendCount != 1 {
		t.Errorf("sendCount = %d, want 1 remaining unacked", r.sendCount)
	}
}

func TestReliableARQWindowFull(t *testing.T) {
	r := newReliableARQ(nil)
	for i := 0; i < ReliableWindow; i++ {
		if err := r.sendPkt([]byte{byte(i)}); err != nil {
			t.Fatalf("sendPkt(%d) unexpectedly failed: %v", i, err)
		}
	}
	if err := r.sendPkt([]byte("overflow")); err != ErrWindowFull {
		t.Fatalf("expected ErrWindowFull once the window is saturated, got %v", err)
	}
}

func TestReliableARQSACKAcksIndividualGaps(t *testing.T) {
	r := newReliableARQ(nil)
	for i := 0; i < 4; i++ {
		r.sendPkt([]byte{byte(i)})
	}
	r.tick(0)
	// Cumulative ack of seq 0, and SACK bit 1 (seq 0+1+1=2) acked out of order.
	r.onAck(1, 1<<1, 10)
	if r.sendBase != 1 {
		t.Fatalf("sendBase = %d, want 1", r.sendBase)
	}
	slot := &r.sendSlots[2%ReliableWindow]
	if !slot.acked {
		t.Error("seq 2 should be individually acked via SACK bit")
	}
	slot3 := &r.sendSlots[3%ReliableWindow]
	if slot3.acked {
		t.Error("seq 3 was not named by the SACK bitmap and should remain unacked")
	}
}
