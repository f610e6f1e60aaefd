// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hypervisor

import "github.com/pkg/errors"

// VMExitMode classifies a terminal guest-lifecycle event.
type VMExitMode int

const (
	// vmExitNone means the event was not a terminal classification
	// (informational, or not yet observed).
	vmExitNone VMExitMode = iota
	// VMExitSoft is a guest-initiated reset.
	VMExitSoft
	// VMExitHard is a guest-initiated shutdown.
	VMExitHard
	// VMExitHost is a host-initiated stop.
	VMExitHost
)

func (m VMExitMode) String() string {
	switch m {
	case VMExitSoft:
		return "soft"
	case VMExitHard:
		return "hard"
	case VMExitHost:
		return "host"
	default:
		return "none"
	}
}

// fatalEvents names hypervisor events that are never recoverable.
var fatalEvents = map[string]bool{
	"MEMORY_FAILURE":        true,
	"BLOCK_IMAGE_CORRUPTED": true,
	"BLOCK_IO_ERROR":        true,
	"BLOCK_JOB_ERROR":       true,
}

// classify maps a single incoming lifecycle event to a terminal
// VMExitMode, or reports that the event carries no terminal
// classification (ok == false). A non-nil error indicates a fatal
// event that must abort the current session outright.
//
// GUEST_PANICKED is informational and ignored by default (ok == false).
// Callers that want it treated as a hard exit instead can set
// treatPanicAsHard, which Proxy exposes as the opt-in
// SetTreatPanicAsHard toggle (off by default).
func classify(ev Event, treatPanicAsHard bool) (mode VMExitMode, ok bool, err error) {
	if fatalEvents[ev.Name] {
		return vmExitNone, false, errors.Errorf("hypervisor: fatal event %s: %v", ev.Name, ev.Data)
	}

	guestInitiated := func() bool {
		g, _ := ev.Data["guest"].(bool)
		return g
	}

	switch ev.Name {
	case "STOP", "POWERDOWN":
		return VMExitHost, true, nil
	case "SHUTDOWN":
		if guestInitiated() {
			return VMExitHard, true, nil
		}
		return VMExitHost, true, nil
	case "RESET":
		if guestInitiated() {
			return VMExitSoft, true, nil
		}
		return VMExitHost, true, nil
	case "GUEST_PANICKED":
		if treatPanicAsHard {
			return VMExitHard, true, nil
		}
		return vmExitNone, false, nil
	default:
		return vmExitNone, false, nil
	}
}
