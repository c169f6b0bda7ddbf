package notify

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifierLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := LogNotifier{Logger: zap.New(core)}

	if err := n.Notify(context.Background(), SubjectSuccess, "ok"); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), SubjectError, "boom"); err != nil {
		t.Fatal(err)
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("levels = %v, %v", entries[0].Level, entries[1].Level)
	}
	if got := entries[1].ContextMap()["body"]; got != "boom" {
		t.Errorf("body = %v", got)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), SubjectSuccess, "x"); err != nil {
		t.Fatal(err)
	}
}

func TestFunc(t *testing.T) {
	var got string
	var n Notifier = Func(func(_ context.Context, subject, _ string) error {
		got = subject
		return nil
	})
	_ = n.Notify(context.Background(), SubjectError, "")
	if got != SubjectError {
		t.Errorf("subject = %q", got)
	}
}
