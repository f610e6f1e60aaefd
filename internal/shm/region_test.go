// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package shm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newRegionFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ivshmem")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestOpenCloseIdempotent(t *testing.T) {
	require := require.New(t)
	path := newRegionFile(t, DefaultRegionSize)

	r, err := Open(path, DefaultRegionSize)
	require.NoError(err)
	require.EqualValues(DefaultRegionSize, r.Size())

	require.NoError(r.Close())
	require.NoError(r.Close())
}

func TestOpenMissingFile(t *testing.T) {
	require := require.New(t)
	_, err := Open(filepath.Join(t.TempDir(), "does-not-exist"), DefaultRegionSize)
	require.Error(err)
}

func TestVMIOOverlaysRegion(t *testing.T) {
	require := require.New(t)
	path := newRegionFile(t, DefaultRegionSize)

	r, err := Open(path, DefaultRegionSize)
	require.NoError(err)
	defer r.Close()

	v := r.VMIO()
	v.Init(CompletionModeFlag)
	require.Equal(CompletionModeFlag, v.Mode())

	// re-open the same backing file to simulate the guest's independent
	// mapping and confirm the header is visible across mappings.
	r2, err := Open(path, DefaultRegionSize)
	require.NoError(err)
	defer r2.Close()

	v2 := r2.VMIO()
	require.Equal(CompletionModeFlag, v2.Mode())
}
