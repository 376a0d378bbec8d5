package swim

import (
	"testing"

	"github.com/google/uuid"
)

func TestLogNIsCeilLog2OfNPlusOne(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 2, 4: 3, 7: 3, 8: 4, 15: 4, 16: 5}
	for n, want := range cases {
		if got := logN(n); got != want {
			t.Errorf("logN(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestDissemQueueAndDrainRoundTrip(t *testing.T) {
	d := NewDissemination(3, 8)
	id := uuid.New()
	d.Queue(4, id, "10.0.0.1:1", StatusSuspected, 2, nil)

	out := d.Drain()
	if len(out) != 1 || out[0].UUID != id || out[0].Status != StatusSuspected {
		t.Fatalf("unexpected drain result: %+v", out)
	}
}

func TestDissemDrainRespectsMaxSend(t *testing.T) {
	d := NewDissemination(3, 2)
	for i := 0; i < 5; i++ {
		d.Queue(10, uuid.New(), "10.0.0.1:1", StatusAlive, 0, nil)
	}
	out := d.Drain()
	if len(out) != 2 {
		t.Fatalf("Drain() returned %d events, want maxSend=2", len(out))
	}
}

func TestDissemDrainPrefersHighestTTL(t *testing.T) {
	d := NewDissemination(3, 1)
	low := uuid.New()
	high := uuid.New()
	d.Queue(1, low, "10.0.0.1:1", StatusAlive, 0, nil)     // small table -> small ttl
	d.Queue(1000, high, "10.0.0.2:1", StatusAlive, 0, nil) // large table -> large ttl

	out := d.Drain()
	if len(out) != 1 || out[0].UUID != high {
		t.Fatalf("expected the higher-TTL event first, got %+v", out)
	}
}

func TestDissemEventDiscardedOnceTTLExpires(t *testing.T) {
	d := NewDissemination(3, 8)
	id := uuid.New()
	d.Queue(0, id, "10.0.0.1:1", StatusAlive, 0, nil) // ttl = logN(0)+3 = 4

	var total int
	for i := 0; i < 10; i++ {
		out := d.Drain()
		total += len(out)
		if len(out) == 0 {
			break
		}
	}
	if total != 4 {
		t.Fatalf("event should have been disseminated exactly ttl=4 times, got %d", total)
	}
	if out := d.Drain(); len(out) != 0 {
		t.Fatalf("expired event should no longer drain, got %+v", out)
	}
}

func TestDissemRequeueReplacesAndResetsTTL(t *testing.T) {
	d := NewDissemination(3, 8)
	id := uuid.New()
	d.Queue(0, id, "10.0.0.1:1", StatusSuspected, 1, nil)
	d.Drain()
	d.Drain()
	// Re-queue with a newer status before the original TTL fully decays.
	d.Queue(0, id, "10.0.0.1:1", StatusDead, 2, nil)

	var last Event
	for i := 0; i < 10; i++ {
		out := d.Drain()
		if len(out) == 0 {
			break
		}
		last = out[0]
	}
	if last.Status != StatusDead || last.Incarnation != 2 {
		t.Fatalf("requeue should have replaced the event, last seen: %+v", last)
	}
}

func TestDissemQueueWithPayloadCarriesPayload(t *testing.T) {
	d := NewDissemination(3, 8)
	id := uuid.New()
	d.QueueWithPayload(4, id, "10.0.0.1:1", StatusAlive, 1, nil, []byte("hello"))

	out := d.Drain()
	if len(out) != 1 || string(out[0].Payload) != "hello" {
		t.Fatalf("expected queued payload to survive, got %+v", out)
	}
}
