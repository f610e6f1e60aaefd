// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hypervisor

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	snapshotTag       = "qce"
	snapshotDisk      = "disk0"
	snapshotJobPrefix = "qce_job_"
)

var proxyLog = logrus.WithField("source", "hypervisor")

// pendingJobStatuses are the JOB_STATUS_CHANGE statuses an async
// command may pass through before concluding.
var pendingJobStatuses = map[string]bool{
	"created": true,
	"ready":   true,
	"running": true,
	"waiting": true,
	"pending": true,
}

// errorJobStatuses are JOB_STATUS_CHANGE statuses that are never
// expected and always indicate a protocol violation.
var errorJobStatuses = map[string]bool{
	"standby":   true,
	"null":      true,
	"undefined": true,
	"paused":    true,
}

// Proxy wraps a duplex byte-stream to the hypervisor's control socket,
// performs the initial protocol handshake, issues commands, and
// classifies incoming asynchronous events.
type Proxy struct {
	conn     *conn
	jobCount int
	logger   *logrus.Entry

	// treatPanicAsHard is an opt-in toggle: when set, GUEST_PANICKED is
	// classified as a hard exit instead of being ignored. Off by
	// default, matching the classification table.
	treatPanicAsHard bool
}

// New connects to the hypervisor control socket and performs the QMP
// handshake.
func New(stream io.ReadWriteCloser) (*Proxy, error) {
	logger := proxyLog
	c, err := dial(stream, logger)
	if err != nil {
		return nil, errors.Wrap(err, "hypervisor: handshake")
	}
	return &Proxy{conn: c, logger: logger}, nil
}

// SetTreatPanicAsHard configures whether a GUEST_PANICKED event is
// classified as a hard exit rather than ignored as informational.
func (p *Proxy) SetTreatPanicAsHard(v bool) {
	p.treatPanicAsHard = v
}

// Close releases the underlying control socket.
func (p *Proxy) Close() error {
	return p.conn.Close()
}

func (p *Proxy) nextJobID() string {
	id := fmt.Sprintf("%s%d", snapshotJobPrefix, p.jobCount)
	p.jobCount++
	return id
}

// stop issues "stop" and waits for the matching STOP lifecycle event.
func (p *Proxy) stop(ctx context.Context) error {
	if _, err := p.conn.execute(ctx, "stop", nil); err != nil {
		return errors.Wrap(err, "hypervisor: stop")
	}
	return p.awaitLifecycle(ctx, "STOP")
}

// cont issues "cont" and waits for the matching RESUME lifecycle event.
func (p *Proxy) cont(ctx context.Context) error {
	if _, err := p.conn.execute(ctx, "cont", nil); err != nil {
		return errors.Wrap(err, "hypervisor: cont")
	}
	return p.awaitLifecycle(ctx, "RESUME")
}

// awaitLifecycle blocks until an event named want is observed,
// erroring on any other event in between.
func (p *Proxy) awaitLifecycle(ctx context.Context, want string) error {
	for {
		select {
		case ev, ok := <-p.conn.events():
			if !ok {
				return errors.Errorf("hypervisor: connection closed while awaiting %s", want)
			}
			if ev.Name == want {
				return nil
			}
			p.logger.WithField("event", ev.Name).Warn("unexpected event while awaiting lifecycle transition")
			return errors.Errorf("hypervisor: unexpected event %s while awaiting %s", ev.Name, want)
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "hypervisor: await %s cancelled", want)
		}
	}
}

// SnapshotSave transitions to stopped, issues an asynchronous save of
// the live snapshot under a freshly minted job id, waits for job
// completion, then resumes execution.
func (p *Proxy) SnapshotSave(ctx context.Context) error {
	if err := p.stop(ctx); err != nil {
		return err
	}

	jobID := p.nextJobID()
	args := map[string]interface{}{
		"job-id":  jobID,
		"tag":     snapshotTag,
		"vmstate": snapshotDisk,
		"devices": []string{snapshotDisk},
	}
	if _, err := p.conn.execute(ctx, "snapshot-save", args); err != nil {
		return errors.Wrap(err, "hypervisor: snapshot-save")
	}
	if err := p.waitForJob(ctx, jobID); err != nil {
		return errors.Wrap(err, "hypervisor: snapshot-save job")
	}

	return p.cont(ctx)
}

// SnapshotLoad issues an asynchronous load of the live snapshot, waits
// for completion, then resumes execution.
func (p *Proxy) SnapshotLoad(ctx context.Context) error {
	jobID := p.nextJobID()
	args := map[string]interface{}{
		"job-id":  jobID,
		"tag":     snapshotTag,
		"vmstate": snapshotDisk,
		"devices": []string{snapshotDisk},
	}
	if _, err := p.conn.execute(ctx, "snapshot-load", args); err != nil {
		return errors.Wrap(err, "hypervisor: snapshot-load")
	}
	if err := p.waitForJob(ctx, jobID); err != nil {
		return errors.Wrap(err, "hypervisor: snapshot-load job")
	}

	return p.cont(ctx)
}

// Reset issues a system-wide reset and waits for a host-initiated
// lifecycle event. Any other termination classification is an error.
func (p *Proxy) Reset(ctx context.Context) error {
	if _, err := p.conn.execute(ctx, "system_reset", nil); err != nil {
		return errors.Wrap(err, "hypervisor: system_reset")
	}

	for {
		select {
		case ev, ok := <-p.conn.events():
			if !ok {
				return errors.New("hypervisor: connection closed while awaiting reset")
			}
			mode, terminal, err := classify(ev, p.treatPanicAsHard)
			if err != nil {
				return err
			}
			if !terminal {
				continue
			}
			if mode != VMExitHost {
				return errors.Errorf("hypervisor: reset produced non-host termination: %s", mode)
			}
			return nil
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "hypervisor: reset cancelled")
		}
	}
}

// CheckGuestReset performs a non-blocking drain of pending events,
// classifying the next lifecycle event. ok is false when no terminal
// event is currently pending.
func (p *Proxy) CheckGuestReset() (mode VMExitMode, ok bool, err error) {
	for {
		select {
		case ev, chOk := <-p.conn.events():
			if !chOk {
				return vmExitNone, false, errors.New("hypervisor: connection closed")
			}
			m, terminal, cErr := classify(ev, p.treatPanicAsHard)
			if cErr != nil {
				return vmExitNone, false, cErr
			}
			if terminal {
				return m, true, nil
			}
			// non-terminal (e.g. JOB_STATUS_CHANGE for an unrelated
			// job, or an explicitly ignored event) -- keep draining.
		default:
			return vmExitNone, false, nil
		}
	}
}

// WaitForGuestReset blocks until a terminal lifecycle event is
// observed.
func (p *Proxy) WaitForGuestReset(ctx context.Context) (VMExitMode, error) {
	for {
		select {
		case ev, ok := <-p.conn.events():
			if !ok {
				return vmExitNone, errors.New("hypervisor: connection closed while awaiting guest reset")
			}
			mode, terminal, err := classify(ev, p.treatPanicAsHard)
			if err != nil {
				return vmExitNone, err
			}
			if terminal {
				return mode, nil
			}
		case <-ctx.Done():
			return vmExitNone, errors.Wrap(ctx.Err(), "hypervisor: wait for guest reset cancelled")
		}
	}
}

// waitForJob drains JOB_STATUS_CHANGE events for jobID until the job
// concludes: keep waiting on created/ready/running/waiting/pending,
// record and keep waiting on aborting, terminate the loop on
// concluded. Any of standby/null/undefined/paused is a protocol
// violation. Events for other job ids are ignored.
func (p *Proxy) waitForJob(ctx context.Context, jobID string) error {
	aborted := false
	for {
		select {
		case ev, ok := <-p.conn.events():
			if !ok {
				return errors.New("hypervisor: connection closed while waiting for job")
			}
			if ev.Name != "JOB_STATUS_CHANGE" {
				continue
			}
			id, _ := ev.Data["id"].(string)
			if id != jobID {
				continue
			}
			status, _ := ev.Data["status"].(string)
			switch {
			case pendingJobStatuses[status]:
				continue
			case status == "aborting":
				aborted = true
				continue
			case status == "concluded":
				if !aborted {
					return nil
				}
				return p.probeJobFailure(ctx, jobID)
			case errorJobStatuses[status]:
				return errors.Errorf("hypervisor: unexpected job status %q for job %s", status, jobID)
			default:
				return errors.Errorf("hypervisor: unrecognized job status %q for job %s", status, jobID)
			}
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "hypervisor: wait for job cancelled")
		}
	}
}

// probeJobFailure queries the job registry for the reason an aborted
// job failed, falling back to a generic reason if none is reported.
func (p *Proxy) probeJobFailure(ctx context.Context, jobID string) error {
	ret, err := p.conn.execute(ctx, "query-jobs", nil)
	if err != nil {
		return errors.Wrap(err, "hypervisor: query-jobs")
	}

	reason := "aborted without an error message"
	if jobs, ok := ret.([]interface{}); ok {
		for _, item := range jobs {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if id, _ := entry["id"].(string); id != jobID {
				continue
			}
			if errMsg, ok := entry["error"].(string); ok && errMsg != "" {
				reason = errMsg
			}
			break
		}
	}

	return errors.Errorf("hypervisor: job %s aborted: %s", jobID, reason)
}
