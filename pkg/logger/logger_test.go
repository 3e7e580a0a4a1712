package logger

import "testing"

func TestInitAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if err := Init(level); err != nil {
			t.Fatalf("init %q: %v", level, err)
		}
		if Logger() == nil {
			t.Fatalf("expected logger after Init(%q)", level)
		}
	}
}

func TestInitFallsBackOnUnknownLevel(t *testing.T) {
	if err := Init("verbose"); err != nil {
		t.Fatalf("init with unknown level: %v", err)
	}
}

func TestWithModule(t *testing.T) {
	if err := Init("info"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if WithModule("vault") == nil {
		t.Fatal("expected module logger")
	}
}
