package ring_test

import (
	"testing"

	"github.com/keystone-gateway/keystone/internal/ring"
)

func TestBuffer_WriteReadConsumeResetsToZero(t *testing.T) {
	b := ring.New(16)

	n := copy(b.Writable(), "hello")
	b.CommitWrite(n)

	if got := string(b.Readable()); got != "hello" {
		t.Fatalf("Readable() = %q, want %q", got, "hello")
	}

	b.Consume(n)

	if got := string(b.Readable()); got != "" {
		t.Fatalf("Readable() after full consume = %q, want empty", got)
	}
	if len(b.Writable()) != b.Cap() {
		t.Fatalf("Writable() len = %d after reset, want full capacity %d", len(b.Writable()), b.Cap())
	}
}

func TestBuffer_PartialConsumeDoesNotReset(t *testing.T) {
	b := ring.New(16)
	n := copy(b.Writable(), "abcdef")
	b.CommitWrite(n)

	b.Consume(3)

	if got := string(b.Readable()); got != "def" {
		t.Fatalf("Readable() = %q, want %q", got, "def")
	}
	if len(b.Writable()) != 10 {
		t.Fatalf("Writable() len = %d, want 10 (no wraparound)", len(b.Writable()))
	}
}

func TestBuffer_CommitWriteOverflowPanics(t *testing.T) {
	b := ring.New(4)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on CommitWrite exceeding writable span")
		}
	}()
	b.CommitWrite(5)
}

func TestBuffer_ConsumeOverflowPanics(t *testing.T) {
	b := ring.New(4)
	n := copy(b.Writable(), "ab")
	b.CommitWrite(n)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on Consume exceeding readable span")
		}
	}()
	b.Consume(3)
}

func TestBuffer_FullWithoutDrain(t *testing.T) {
	b := ring.New(4)
	n := copy(b.Writable(), "abcd")
	b.CommitWrite(n)

	if !b.Full() {
		t.Fatal("Full() = false, want true")
	}
	if len(b.Writable()) != 0 {
		t.Fatalf("Writable() len = %d, want 0", len(b.Writable()))
	}
}

func TestBuffer_Reset(t *testing.T) {
	b := ring.New(8)
	n := copy(b.Writable(), "abcd")
	b.CommitWrite(n)
	b.Reset()

	if len(b.Readable()) != 0 {
		t.Fatalf("Readable() after Reset = %d bytes, want 0", len(b.Readable()))
	}
	if len(b.Writable()) != b.Cap() {
		t.Fatalf("Writable() after Reset = %d, want %d", len(b.Writable()), b.Cap())
	}
}
