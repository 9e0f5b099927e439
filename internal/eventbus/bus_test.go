package eventbus

import "testing"

func TestBus_FanoutAndDrop(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: CycleStarted})
	b.Publish(Event{Type: CycleFinished})

	if e := <-a; e.Type != CycleStarted || e.Time.IsZero() {
		t.Fatalf("a got %+v", e)
	}
	select {
	case e := <-a:
		t.Fatalf("a should have dropped the second event, got %+v", e)
	default:
	}
	if e := <-c; e.Type != CycleStarted {
		t.Fatalf("c got %+v", e)
	}
	if e := <-c; e.Type != CycleFinished {
		t.Fatalf("c got %+v", e)
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: CycleSkipped})
	if e := <-c; e.Type != CycleSkipped {
		t.Fatalf("c got %+v", e)
	}
}
