// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package orchestrator

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/meng-xu-cs/qce-host/internal/hypervisor"
)

// Holder lazily constructs an Orchestrator on its first call and
// reuses it on every subsequent call. It exists for embedding under an
// external per-iteration driver (e.g. a native fuzzing harness that
// repeatedly invokes a single fixed entry point with one input at a
// time) where the caller has no natural place to thread a long-lived
// reference through -- the alternative, process-wide mutable globals,
// is not reproduced here. Not safe for concurrent use, matching the
// single-threaded contract of the driver it serves.
type Holder struct {
	once sync.Once
	cfg  Config
	o    *Orchestrator
	err  error
}

// NewHolder returns a Holder that will build its Orchestrator from cfg
// on the first call to FuzzOne.
func NewHolder(cfg Config) *Holder {
	return &Holder{cfg: cfg}
}

func (h *Holder) ensure(ctx context.Context) (*Orchestrator, error) {
	h.once.Do(func() {
		h.o, h.err = New(ctx, h.cfg)
	})
	return h.o, h.err
}

// FuzzOne drives exactly one fuzzing iteration for input: on the first
// call it performs the full setup sequence (wait for region, map,
// connect, wait for guest readiness, take the initial snapshot); on
// every call it submits input as the current session's payload,
// blocks until the guest completes cleanly or reports a terminal
// lifecycle event, and reloads the snapshot in preparation for the
// next call. Returns the classified exit mode for a non-clean ending,
// or clean=true with mode zero-valued on a clean completion.
func (h *Holder) FuzzOne(ctx context.Context, input []byte) (mode hypervisor.VMExitMode, clean bool, err error) {
	o, err := h.ensure(ctx)
	if err != nil {
		return 0, false, errors.Wrap(err, "holder: orchestrator setup")
	}

	if err := o.vmio.SendFuzzInput(input); err != nil {
		return 0, false, errors.Wrap(err, "holder: send fuzz input")
	}

	clean, exitMode, err := o.monitorSession(ctx)
	if err != nil {
		return 0, false, err
	}

	if err := o.proxy.SnapshotLoad(ctx); err != nil {
		return 0, false, errors.Wrap(err, "holder: snapshot load")
	}

	return exitMode, clean, nil
}

// Close releases the held Orchestrator's resources, if one was ever
// constructed.
func (h *Holder) Close() error {
	if h.o == nil {
		return nil
	}
	return h.o.Close()
}
