// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package orchestrator

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/meng-xu-cs/qce-host/internal/corpus"
	"github.com/meng-xu-cs/qce-host/internal/hypervisor"
	"github.com/meng-xu-cs/qce-host/internal/shm"
	"github.com/meng-xu-cs/qce-host/internal/watch"
)

var orchestratorLog = logrus.WithField("source", "orchestrator")

// Orchestrator is the top-level session state machine: it owns the
// shared region, the hypervisor proxy, and the fuzzer, and drives one
// session at a time from snapshot-resume to snapshot-reload.
type Orchestrator struct {
	cfg Config

	region *shm.Region
	vmio   *shm.VMIO
	proxy  *hypervisor.Proxy
	fuzzer *corpus.Fuzzer
	logger *logrus.Entry
}

// New performs WatchUtil -> OPEN_REGION -> VMIO_INIT -> CONNECT_HYP ->
// WAIT_GUEST_READY -> SNAPSHOT_SAVE, leaving the orchestrator in the
// READY state, prepared to serve sessions via Run.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	logger := orchestratorLog
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.RegionSize <= 0 {
		cfg.RegionSize = shm.DefaultRegionSize
	}

	logger.Info("waiting for shared region file to appear")
	if err := watch.WaitForAddition(ctx, cfg.WorkspaceDir, RegionFileName); err != nil {
		return nil, errors.Wrap(err, "orchestrator: wait for region file")
	}

	region, err := shm.Open(cfg.regionFilePath(), cfg.RegionSize)
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator: open shared region")
	}

	vmio := region.VMIO()
	vmio.Init(cfg.CompletionMode)
	logger.Info("vmio initialized")

	conn, err := net.Dial("unix", cfg.monitorSocketPath())
	if err != nil {
		region.Close()
		return nil, errors.Wrap(err, "orchestrator: connect to hypervisor control socket")
	}

	proxy, err := hypervisor.New(conn)
	if err != nil {
		region.Close()
		return nil, errors.Wrap(err, "orchestrator: hypervisor handshake")
	}
	logger.Info("hypervisor control connected")

	fz, err := corpus.Open(cfg.CorpusDir, cfg.OutputDir)
	if err != nil {
		proxy.Close()
		region.Close()
		return nil, errors.Wrap(err, "orchestrator: open corpus")
	}

	o := &Orchestrator{cfg: cfg, region: region, vmio: vmio, proxy: proxy, fuzzer: fz, logger: logger}

	o.logger.Info("waiting for guest agent readiness")
	vmio.WaitOnHost(o.sleep)
	o.logger.Info("guest agent is ready")

	if err := proxy.SnapshotSave(ctx); err != nil {
		o.Close()
		return nil, errors.Wrap(err, "orchestrator: initial snapshot save")
	}
	o.logger.Info("live snapshot taken")

	return o, nil
}

func (o *Orchestrator) sleep() {
	time.Sleep(o.cfg.CheckInterval)
}

// Close tears down the hypervisor connection and unmaps the shared
// region. Safe to call once at shutdown.
func (o *Orchestrator) Close() error {
	var firstErr error
	if o.proxy != nil {
		if err := o.proxy.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.region != nil {
		if err := o.region.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run drives sessions until the corpus is exhausted or cfg.Check
// requests a single iteration, then performs an orderly shutdown
// (hypervisor reset, region unmap).
func (o *Orchestrator) Run(ctx context.Context) error {
	defer func() {
		if err := o.proxy.Reset(ctx); err != nil {
			o.logger.WithError(err).Warn("error resetting hypervisor at shutdown")
		}
		if err := o.Close(); err != nil {
			o.logger.WithError(err).Warn("error during shutdown")
		}
	}()

	for {
		if err := o.runSession(ctx); err != nil {
			return err
		}
		if o.cfg.Check {
			return nil
		}
		if !o.fuzzer.HasPendingSeeds() {
			return nil
		}
		if err := o.proxy.SnapshotLoad(ctx); err != nil {
			return errors.Wrap(err, "orchestrator: snapshot load")
		}
		o.fuzzer.NextSession()
	}
}

// runSession executes exactly one READY-loop iteration: submit the
// current seed, release the guest, monitor for completion or an
// abnormal exit, then process the result.
func (o *Orchestrator) runSession(ctx context.Context) error {
	seed, err := o.fuzzer.CurrentSeed()
	if err != nil {
		return errors.Wrap(err, "orchestrator: read current seed")
	}

	if err := o.vmio.SendFuzzInput(seed); err != nil {
		return errors.Wrap(err, "orchestrator: send fuzz input")
	}

	if o.cfg.Check {
		return nil
	}

	clean, mode, err := o.monitorSession(ctx)
	if err != nil {
		return err
	}

	if !clean {
		o.logger.WithField("exit-mode", mode).Warn("session ended without clean completion")
		if err := o.fuzzer.RetireCurrentSeed(); err != nil {
			return errors.Wrap(err, "orchestrator: retire seed after abnormal exit")
		}
		return nil
	}

	o.logger.Debug("session completed cleanly")
	return o.fuzzer.ProcessSessionResult()
}

// monitorSession polls for clean completion first, then for an
// abnormal guest-lifecycle event, sleeping cfg.CheckInterval between
// iterations.
func (o *Orchestrator) monitorSession(ctx context.Context) (clean bool, mode hypervisor.VMExitMode, err error) {
	for {
		if o.vmio.CheckCompletion() {
			return true, 0, nil
		}

		m, ok, cErr := o.proxy.CheckGuestReset()
		if cErr != nil {
			return false, 0, errors.Wrap(cErr, "orchestrator: check guest reset")
		}
		if ok {
			return false, m, nil
		}

		select {
		case <-ctx.Done():
			return false, 0, errors.Wrap(ctx.Err(), "orchestrator: session monitoring cancelled")
		case <-time.After(o.cfg.CheckInterval):
		}
	}
}
