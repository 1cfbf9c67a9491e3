package bpf_test

import (
	"sync"
	"testing"
	"time"

	"github.com/keystone-gateway/keystone/internal/bpf"
)

func TestBuildAffinityProgram_SingleWorkerAlwaysZero(t *testing.T) {
	prog, err := bpf.BuildAffinityProgram(1)
	if err != nil {
		t.Fatalf("BuildAffinityProgram: %v", err)
	}
	if len(prog) != 1 {
		t.Fatalf("expected a single-instruction program for N=1, got %d instructions", len(prog))
	}
}

func TestBuildAffinityProgram_MultiWorker(t *testing.T) {
	prog, err := bpf.BuildAffinityProgram(4)
	if err != nil {
		t.Fatalf("BuildAffinityProgram: %v", err)
	}
	if len(prog) != 3 {
		t.Fatalf("expected a 3-instruction program for N>1, got %d instructions", len(prog))
	}
}

func TestBuildAffinityProgram_RejectsZeroWorkers(t *testing.T) {
	_, err := bpf.BuildAffinityProgram(0)
	if err != bpf.ErrInvalidWorkerCount {
		t.Fatalf("got err = %v, want ErrInvalidWorkerCount", err)
	}
}

func TestBarrier_WaitBlocksUntilSignal(t *testing.T) {
	var b bpf.Barrier
	done := make(chan struct{})

	go func() {
		b.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Signal was called")
	case <-time.After(20 * time.Millisecond):
	}

	b.Signal()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Signal")
	}
}

func TestBarrier_ManyWaitersOneSignal(t *testing.T) {
	var b bpf.Barrier
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Wait()
		}()
	}
	b.Signal()

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("not all waiters returned after Signal")
	}
}
