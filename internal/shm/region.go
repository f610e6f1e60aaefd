// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package shm implements the host side of the fixed-layout shared-memory
// rendezvous protocol (VMIO) used to pass fuzz inputs and coverage
// between the host and an in-guest agent, backed by a memory-mapped
// file also bound into the guest as an emulated device's BAR.
package shm

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultRegionSize is the default byte length of the shared region.
const DefaultRegionSize = 16 * 1024 * 1024

var shmLog = logrus.WithField("source", "shm")

// Region is a scoped acquisition of a memory-mapped file as a
// read/write region of fixed byte length. It is exclusively owned by
// the host process that opened it; the guest holds an independent
// mapping of the same bytes.
type Region struct {
	mu     sync.Mutex
	path   string
	size   int64
	file   *os.File
	data   []byte
	closed bool
}

// Open maps size bytes of the file at path, opened read/write. Both
// the mapping and the descriptor are released together on any exit
// path from Close, including when the caller panics after Open
// succeeds, as long as Close is deferred.
func Open(path string, size int64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: open %s", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "shm: mmap %s (%d bytes)", path, size)
	}

	shmLog.WithFields(logrus.Fields{"path": path, "size": size}).Info("shared region mapped")

	return &Region{
		path: path,
		size: size,
		file: f,
		data: data,
	}, nil
}

// Close unmaps the region and closes the backing file descriptor. It
// is idempotent and safe to call more than once or to defer.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var unmapErr, closeErr error
	if r.data != nil {
		unmapErr = unix.Munmap(r.data)
		r.data = nil
	}
	closeErr = r.file.Close()

	if unmapErr != nil {
		return errors.Wrapf(unmapErr, "shm: munmap %s", r.path)
	}
	if closeErr != nil {
		return errors.Wrapf(closeErr, "shm: close %s", r.path)
	}
	return nil
}

// VMIO reinterprets the base of the mapping as the VMIO struct.
// Callers must ensure no overlapping aliasing handle exists
// concurrently in the same process.
func (r *Region) VMIO() *VMIO {
	return r.newVMIO()
}

// Size returns the configured byte length of the region.
func (r *Region) Size() int64 {
	return r.size
}
