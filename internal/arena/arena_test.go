package arena_test

import (
	"testing"

	"github.com/keystone-gateway/keystone/internal/arena"
)

func TestArena_CopyIsIndependentOfSource(t *testing.T) {
	a := arena.New(16)
	src := []byte("hello")
	got := a.Copy(src)
	src[0] = 'X'

	if string(got) != "hello" {
		t.Fatalf("Copy result = %q, want %q (must not alias source)", got, "hello")
	}
}

func TestArena_ResetRetainsCapacityClearsLength(t *testing.T) {
	a := arena.New(4)
	a.Copy([]byte("abcdefgh"))
	if a.Len() != 8 {
		t.Fatalf("Len = %d, want 8", a.Len())
	}
	a.Reset()
	if a.Len() != 0 {
		t.Fatalf("Len after Reset = %d, want 0", a.Len())
	}
}

func TestArena_SuccessiveCopiesDoNotOverlap(t *testing.T) {
	a := arena.New(16)
	first := a.Copy([]byte("foo"))
	second := a.Copy([]byte("bar"))
	if string(first) != "foo" || string(second) != "bar" {
		t.Fatalf("first=%q second=%q, want foo/bar", first, second)
	}
}
