package logging

import "testing"

func TestOrNop_HandlesNilAndTypedNil(t *testing.T) {
	if !IsNil(nil) {
		t.Fatal("expected nil interface to report IsNil")
	}

	got := OrNop(nil)
	if got == nil {
		t.Fatal("OrNop must never return nil")
	}
	got.Info("hello %s", "world")
}

func TestNew_DoesNotPanicAtAnyLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		l := New(level)
		l.Debug("d")
		l.Info("i")
		l.Warn("w")
		l.Error("e")
	}
}
