// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package shm

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// Fixed byte offsets of the VMIO header within the shared region. The
// layout is committed as an ABI with the guest: little-endian,
// naturally aligned, no padding other than as specified here. Offsets
// are computed explicitly rather than relying on Go struct layout
// inference, since the guest side has its own, independently defined
// notion of this layout.
const (
	offFlag      = 0
	offSpinHost  = 8
	offSpinGuest = 16
	offCompleted = 24
	offSize      = 32
	offABI       = 40
	HeaderSize   = 48
)

// CompletionMode selects which of the two observed completion-signaling
// ABIs this VMIO instance speaks. Both appear in deployments; a single
// instance pins one of them in the reserved abi header field so host
// and guest can refuse a mismatched pair.
type CompletionMode uint64

const (
	// CompletionModeFlag is the clean, preferred ABI: the guest writes
	// completed=1 and the host consumes it with a 1->0 CAS.
	CompletionModeFlag CompletionMode = 1
	// CompletionModeSpin is the alternate ABI observed in the
	// fuzz-target path: the guest conveys ok/not-ok in-band by writing
	// spinGuest == 2 on success.
	CompletionModeSpin CompletionMode = 2
)

// VMIO is a typed view over the first HeaderSize bytes of a SharedRegion
// implementing the host<->guest rendezvous protocol. It holds pointers
// into the shared mapping rather than embedding the mapping itself, so
// that the in-memory layout of this Go value is never mistaken for the
// wire layout; every header field access goes through
// sequentially-consistent atomic operations on the underlying shared
// bytes, while the data payload is copied with plain reads and writes.
type VMIO struct {
	flag      *uint64
	spinHost  *uint64
	spinGuest *uint64
	completed *uint64
	size      *uint64
	abi       *uint64
	data      []byte
}

// newVMIO builds a VMIO whose field pointers address the header offsets
// at the base of the mapping. Callers must ensure no overlapping
// aliasing handle exists concurrently in the same process.
func (r *Region) newVMIO() *VMIO {
	base := unsafe.Pointer(&r.data[0])
	return &VMIO{
		flag:      (*uint64)(unsafe.Add(base, offFlag)),
		spinHost:  (*uint64)(unsafe.Add(base, offSpinHost)),
		spinGuest: (*uint64)(unsafe.Add(base, offSpinGuest)),
		completed: (*uint64)(unsafe.Add(base, offCompleted)),
		size:      (*uint64)(unsafe.Add(base, offSize)),
		abi:       (*uint64)(unsafe.Add(base, offABI)),
		data:      r.data[HeaderSize:],
	}
}

// MaxPayload is the maximum byte length an input may occupy in data.
func (v *VMIO) MaxPayload() int {
	return len(v.data)
}

// Init performs the host-side handshake: spinHost=1, spinGuest=0,
// completed=0, size=0, abi=mode, and finally flag=1 as the last step.
// The guest polls flag and, once it observes 1, writes spinHost=0 to
// release the host.
func (v *VMIO) Init(mode CompletionMode) {
	atomic.StoreUint64(v.spinHost, 1)
	atomic.StoreUint64(v.spinGuest, 0)
	atomic.StoreUint64(v.completed, 0)
	atomic.StoreUint64(v.size, 0)
	atomic.StoreUint64(v.abi, uint64(mode))
	atomic.StoreUint64(v.flag, 1)
}

// WaitOnHost blocks, busy-spinning, until spinHost becomes != 1.
func (v *VMIO) WaitOnHost(sleep func()) {
	for atomic.LoadUint64(v.spinHost) == 1 {
		sleep()
	}
}

// PrepareBlob writes size and copies input into data, without
// releasing the guest. The caller must ensure len(input) <= MaxPayload().
func (v *VMIO) PrepareBlob(input []byte) error {
	if len(input) > v.MaxPayload() {
		return errors.Errorf("shm: input of %d bytes exceeds max payload of %d bytes", len(input), v.MaxPayload())
	}
	atomic.StoreUint64(v.size, uint64(len(input)))
	copy(v.data, input)
	return nil
}

// SendFuzzInput is PrepareBlob followed by releasing the guest via
// spinGuest=0. The size/data writes happen-before this release store.
func (v *VMIO) SendFuzzInput(input []byte) error {
	if err := v.PrepareBlob(input); err != nil {
		return err
	}
	atomic.StoreUint64(v.spinGuest, 0)
	return nil
}

// CheckCompletion performs compare-and-swap completed: 1->0, returning
// true exactly when it succeeds. This is the only guest->host channel
// for clean end-of-session signaling, and is at-most-once per session:
// calling it twice after a single guest completion yields (true, false).
func (v *VMIO) CheckCompletion() bool {
	return atomic.CompareAndSwapUint64(v.completed, 1, 0)
}

// CheckSuccess reports whether the guest conveyed success via the
// alternate spinGuest==2 ABI.
func (v *VMIO) CheckSuccess() bool {
	return atomic.LoadUint64(v.spinGuest) == 2
}

// Mode returns the completion-signaling ABI pinned in the header.
func (v *VMIO) Mode() CompletionMode {
	return CompletionMode(atomic.LoadUint64(v.abi))
}

// GetKcovInfo reinterprets data[0:size] as tightly packed little-endian
// u64 samples, truncating any tail of fewer than 8 bytes, and returns
// them in order.
func (v *VMIO) GetKcovInfo() []uint64 {
	size := atomic.LoadUint64(v.size)
	if size > uint64(len(v.data)) {
		size = uint64(len(v.data))
	}
	n := size / 8
	out := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, loadLE64(v.data[i*8:i*8+8]))
	}
	return out
}

func loadLE64(b []byte) uint64 {
	var x uint64
	for i := 7; i >= 0; i-- {
		x = x<<8 | uint64(b[i])
	}
	return x
}
