package progress

import "testing"

func TestBroadcaster_MonotoneNonDecreasing(t *testing.T) {
	b := New()
	b.Set(10)
	b.Set(50)
	b.Set(20) // regression must be ignored
	if got := b.Value(); got != 50 {
		t.Fatalf("Value() = %v, want 50 (regression must not apply)", got)
	}
}

func TestBroadcaster_CapsAt100(t *testing.T) {
	b := New()
	b.Set(150)
	if got := b.Value(); got != 100 {
		t.Fatalf("Value() = %v, want capped at 100", got)
	}
}

func TestBroadcaster_SubscribeReceivesCurrentThenUpdates(t *testing.T) {
	b := New()
	b.Set(25)

	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	if got := <-ch; got != 25 {
		t.Fatalf("initial subscriber value = %v, want 25", got)
	}

	b.Set(75)
	if got := <-ch; got != 75 {
		t.Fatalf("subscriber value after Set = %v, want 75", got)
	}
}

func TestBroadcaster_AddBytes(t *testing.T) {
	b := New()
	b.AddBytes(50, 200)
	if got := b.Value(); got != 25 {
		t.Fatalf("Value() = %v, want 25", got)
	}
	b.AddBytes(200, 200)
	if got := b.Value(); got != 100 {
		t.Fatalf("Value() = %v, want 100", got)
	}
}
