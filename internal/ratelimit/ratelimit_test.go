package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToRate(t *testing.T) {
	l := New(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow() {
		t.Fatal("6th request should be denied")
	}
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	l := New(2, 50*time.Millisecond)
	l.Allow()
	l.Allow()
	if l.Allow() {
		t.Fatal("3rd should be denied")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("after window reset should be allowed")
	}
}

func TestKeyed_PerKeyWindows(t *testing.T) {
	k := NewKeyed(2, time.Minute)
	if !k.Allow("10.0.0.1") || !k.Allow("10.0.0.1") {
		t.Fatal("first two requests should be allowed")
	}
	if k.Allow("10.0.0.1") {
		t.Fatal("3rd request from the same key should be denied")
	}
	if !k.Allow("10.0.0.2") {
		t.Fatal("other keys have their own window")
	}
}

func TestKeyed_Cleanup(t *testing.T) {
	k := NewKeyed(1, 20*time.Millisecond)
	k.Allow("a")
	k.Allow("b")
	if k.Len() != 2 {
		t.Fatalf("Len = %d, want 2", k.Len())
	}
	time.Sleep(30 * time.Millisecond)
	k.Cleanup()
	if k.Len() != 0 {
		t.Fatalf("Len after cleanup = %d, want 0", k.Len())
	}
	if !k.Allow("a") {
		t.Fatal("expired key should be allowed again")
	}
}

func TestKeyed_ZeroRateDisables(t *testing.T) {
	k := NewKeyed(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !k.Allow("x") {
			t.Fatalf("request %d denied with limiting disabled", i)
		}
	}
}
