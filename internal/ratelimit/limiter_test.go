package ratelimit

import "testing"

func TestBurstThenDeny(t *testing.T) {
	l := NewLimiter(60, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("p1") {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if l.Allow("p1") {
		t.Fatalf("request beyond burst allowed")
	}

	// Other projects have independent buckets.
	if !l.Allow("p2") {
		t.Fatalf("independent project throttled")
	}
}

func TestForgetResetsBucket(t *testing.T) {
	l := NewLimiter(60, 1)

	if !l.Allow("p1") {
		t.Fatalf("first request denied")
	}
	if l.Allow("p1") {
		t.Fatalf("second request allowed with burst 1")
	}

	l.Forget("p1")
	if !l.Allow("p1") {
		t.Fatalf("fresh bucket after Forget denied")
	}
}
