// Package bpf generates and attaches the classic BPF program that steers a
// SO_REUSEPORT group so that each TCP connection sticks to a single worker
// for its entire lifetime.
//
// The program is the textbook three-instruction REUSEPORT filter: load the
// kernel-computed RX hash, take it modulo the worker count, return the
// result as the socket index within the group. It is assembled with
// golang.org/x/net/bpf (the same cBPF assembler family used for packet
// filters) and attached via SO_ATTACH_REUSEPORT_CBPF, a raw setsockopt not
// exposed as a named constant by every x/sys/unix release, so it is pinned
// here the way kernel ABI values are pinned in the rest of this codebase's
// ancestry: as an explicit, commented constant.
package bpf

import (
	"errors"
	"fmt"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// soAttachReuseportCBPF is SO_ATTACH_REUSEPORT_CBPF from <linux/socket.h>.
// Never change.
const soAttachReuseportCBPF = 51

// maxInsns bounds the classic BPF program size accepted by the kernel
// verifier for a REUSEPORT filter.
const maxInsns = 4096

// ErrInvalidWorkerCount is returned when asked to build a filter for zero
// workers.
var ErrInvalidWorkerCount = errors.New("bpf: worker count must be >= 1")

// ErrProgramTooLarge is returned if the assembled program would exceed the
// kernel's instruction limit. Unreachable for the fixed 3-instruction
// program this package builds, kept because assemble is a general entry
// point and the limit is part of the contract.
var ErrProgramTooLarge = errors.New("bpf: program exceeds maximum instruction count")

// BuildAffinityProgram assembles the classic BPF program that hashes a new
// connection's kernel-provided RX hash modulo workerCount and returns that
// value as the target socket index in the REUSEPORT group.
//
// For workerCount == 1 the program always returns 0 without consulting the
// hash, matching spec's "For N=1 the filter returns 0."
func BuildAffinityProgram(workerCount int) ([]bpf.RawInstruction, error) {
	if workerCount < 1 {
		return nil, ErrInvalidWorkerCount
	}

	var insns []bpf.Instruction
	if workerCount == 1 {
		insns = []bpf.Instruction{
			bpf.RetConstant{Val: 0},
		}
	} else {
		// golang.org/x/net/bpf has no dedicated "load skb rxhash" extension
		// constant; the kernel exposes it as SKF_AD_RXHASH via the standard
		// ancillary-data load used by REUSEPORT CBPF programs, encoded
		// directly below as loadRXHash. Mod by workerCount and return.
		insns = []bpf.Instruction{
			loadRXHash{},
			bpf.ALUOpConstant{Op: bpf.ALUOpMod, Val: uint32(workerCount)},
			bpf.RetA{},
		}
	}

	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("bpf: assemble: %w", err)
	}
	if len(raw) > maxInsns {
		return nil, ErrProgramTooLarge
	}
	return raw, nil
}

// loadRXHash is a bpf.Instruction that loads the packet's kernel-computed
// RX hash into the accumulator, the ancillary load classic BPF REUSEPORT
// filters use (SKF_AD_OFF + SKF_AD_RXHASH in <linux/filter.h>).
type loadRXHash struct{}

const (
	skfADOff    = 0xfffff000 // SKF_AD_OFF
	skfADRXHash = 32         // SKF_AD_RXHASH
)

func (loadRXHash) Assemble() (bpf.RawInstruction, error) {
	return bpf.RawInstruction{
		Op: 0x20, // BPF_LD | BPF_W | BPF_ABS
		K:  uint32(skfADOff + skfADRXHash),
	}, nil
}

// AttachToSocket attaches the assembled cBPF program to fd via
// SO_ATTACH_REUSEPORT_CBPF. A failure here (old kernel, missing
// capability) is expected to be tolerated by the caller: logged and
// execution proceeds without affinity, per spec's error disposition table.
func AttachToSocket(fd int, prog []bpf.RawInstruction) error {
	sockFilter := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		sockFilter[i] = unix.SockFilter{
			Code: ins.Op,
			Jt:   ins.Jt,
			Jf:   ins.Jf,
			K:    ins.K,
		}
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(sockFilter)),
		Filter: &sockFilter[0],
	}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, soAttachReuseportCBPF, &fprog)
}
