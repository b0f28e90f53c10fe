package logger

import (
	"fmt"
	"testing"
)

type recorder struct {
	lines []string
}

func (r *recorder) record(level, message string, keyvals ...any) {
	r.lines = append(r.lines, fmt.Sprint(level, " ", message, keyvals))
}

func (r *recorder) Log(message string, keyvals ...any)   { r.record("log", message, keyvals...) }
func (r *recorder) Debug(message string, keyvals ...any) { r.record("debug", message, keyvals...) }
func (r *recorder) Info(message string, keyvals ...any)  { r.record("info", message, keyvals...) }
func (r *recorder) Warn(message string, keyvals ...any)  { r.record("warn", message, keyvals...) }
func (r *recorder) Error(message string, keyvals ...any) { r.record("error", message, keyvals...) }
func (r *recorder) Fatal(message string, keyvals ...any) { r.record("fatal", message, keyvals...) }

func TestLogger_DispatchesToAllInstances(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Init(a, nil, b)
	t.Cleanup(func() { singleton.Store(nil) })

	Info("[Test] hello", "k", 1)
	Log("[Test] plain", "k", 2)
	Warn("[Test] careful")

	want := []string{
		"info [Test] hello[k 1]",
		"log [Test] plain[k 2]",
		"warn [Test] careful[]",
	}
	for _, r := range []*recorder{a, b} {
		if len(r.lines) != len(want) {
			t.Fatalf("got %d lines, want %d: %v", len(r.lines), len(want), r.lines)
		}
		for i := range want {
			if r.lines[i] != want[i] {
				t.Fatalf("line %d = %q, want %q", i, r.lines[i], want[i])
			}
		}
	}
}

func TestLogger_UninitializedIsNoop(t *testing.T) {
	singleton.Store(nil)
	Info("nobody listens")
	Error("still nobody")
}
