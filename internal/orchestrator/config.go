// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package orchestrator binds WatchUtil, SharedRegion/VMIO, HypervisorProxy
// and Fuzzer into the top-level per-session state machine.
package orchestrator

import (
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/meng-xu-cs/qce-host/internal/shm"
)

const (
	// MonitorSocketName is the unix control socket the hypervisor
	// exposes under the workspace directory.
	MonitorSocketName = "monitor"
	// RegionFileName is the ivshmem backing file under the workspace
	// directory.
	RegionFileName = "ivshmem"

	defaultCheckInterval = time.Millisecond
)

// Config holds every tunable the orchestrator needs, with defaults
// matching the documented external interfaces. Fields may be
// overridden by a TOML file via LoadConfigFile, then by explicit
// command-line flags at the call site (cmd/qce-host wires that).
type Config struct {
	WorkspaceDir string `toml:"workspace"`
	CorpusDir    string `toml:"corpus"`
	OutputDir    string `toml:"output"`

	RegionSize     int64              `toml:"region_size"`
	CheckInterval  time.Duration      `toml:"-"`
	CompletionMode shm.CompletionMode `toml:"-"`

	// Check runs exactly one session without monitoring, intended for
	// self-test / smoke-test invocations.
	Check bool `toml:"-"`
}

// DefaultConfig returns a Config with the documented defaults; callers
// must still set WorkspaceDir/CorpusDir/OutputDir.
func DefaultConfig() Config {
	return Config{
		RegionSize:     shm.DefaultRegionSize,
		CheckInterval:  defaultCheckInterval,
		CompletionMode: shm.CompletionModeFlag,
	}
}

// LoadConfigFile reads optional defaults from a TOML file, leaving
// fields it does not mention untouched on cfg.
func LoadConfigFile(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return errors.Wrapf(err, "orchestrator: load config %s", path)
	}
	return nil
}

func (c Config) monitorSocketPath() string {
	return filepath.Join(c.WorkspaceDir, MonitorSocketName)
}

func (c Config) regionFilePath() string {
	return filepath.Join(c.WorkspaceDir, RegionFileName)
}
