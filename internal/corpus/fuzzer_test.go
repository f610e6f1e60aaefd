// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package corpus

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDirs(t *testing.T) (corpusDir, outputDir string) {
	t.Helper()
	corpusDir = t.TempDir()
	outputDir = t.TempDir()
	return
}

func writeSession(t *testing.T, outputDir string, session int, cov []byte, seeds map[string][]byte) {
	t.Helper()
	dir := filepath.Join(outputDir, strconv.Itoa(session))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "seeds"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cov"), cov, 0o600))
	for name, data := range seeds {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "seeds", name), data, 0o600))
	}
}

func TestBootstrapEmptyCorpus(t *testing.T) {
	require := require.New(t)
	corpusDir, outputDir := newTestDirs(t)

	f, err := Open(corpusDir, outputDir)
	require.NoError(err)
	require.True(f.HasPendingSeeds())

	seed, err := f.CurrentSeed()
	require.NoError(err)
	require.Equal([]byte("X"), seed)

	data, err := os.ReadFile(filepath.Join(corpusDir, "queue", "0"))
	require.NoError(err)
	require.Equal([]byte("X"), data)
}

func TestSeedAdvancementNoNewSeeds(t *testing.T) {
	require := require.New(t)
	corpusDir, outputDir := newTestDirs(t)

	f, err := Open(corpusDir, outputDir)
	require.NoError(err)

	writeSession(t, outputDir, 0, nil, nil)
	require.NoError(f.ProcessSessionResult())

	require.False(f.HasPendingSeeds())
	require.FileExists(filepath.Join(corpusDir, "tried", "0"))
	require.NoFileExists(filepath.Join(corpusDir, "queue", "0"))
}

func TestSeedDiscoveryEnqueuesNewSeeds(t *testing.T) {
	require := require.New(t)
	corpusDir, outputDir := newTestDirs(t)

	f, err := Open(corpusDir, outputDir)
	require.NoError(err)

	writeSession(t, outputDir, 0, nil, map[string][]byte{
		"a": []byte("seed-a"),
		"b": []byte("seed-b"),
	})
	require.NoError(f.ProcessSessionResult())

	require.True(f.HasPendingSeeds())
	require.FileExists(filepath.Join(corpusDir, "tried", "0"))

	seedA, errA := os.ReadFile(filepath.Join(corpusDir, "queue", "1"))
	seedB, errB := os.ReadFile(filepath.Join(corpusDir, "queue", "2"))
	require.NoError(errA)
	require.NoError(errB)
	require.ElementsMatch([][]byte{seedA, seedB}, [][]byte{[]byte("seed-a"), []byte("seed-b")})
}

func TestCoverageMergeThreeSamples(t *testing.T) {
	require := require.New(t)
	corpusDir, outputDir := newTestDirs(t)

	f, err := Open(corpusDir, outputDir)
	require.NoError(err)

	cov := make([]byte, 24)
	cov[0] = 0x1
	cov[8] = 0x2
	cov[16] = 0x3
	writeSession(t, outputDir, 0, cov, nil)

	require.NoError(f.ProcessSessionResult())
	require.Equal(3, f.db.TraceCount())
}

func TestCoverageMergeEmptyLeavesDBUnchanged(t *testing.T) {
	require := require.New(t)
	corpusDir, outputDir := newTestDirs(t)

	f, err := Open(corpusDir, outputDir)
	require.NoError(err)

	writeSession(t, outputDir, 0, []byte{}, nil)
	require.NoError(f.ProcessSessionResult())

	require.Equal(0, f.db.TraceCount())
}

func TestOpenRejectsOverlappingSeeds(t *testing.T) {
	require := require.New(t)
	corpusDir, _ := newTestDirs(t)

	require.NoError(os.MkdirAll(filepath.Join(corpusDir, "queue"), 0o700))
	require.NoError(os.MkdirAll(filepath.Join(corpusDir, "tried"), 0o700))
	require.NoError(os.WriteFile(filepath.Join(corpusDir, "queue", "0"), []byte("x"), 0o600))
	require.NoError(os.WriteFile(filepath.Join(corpusDir, "tried", "0"), []byte("x"), 0o600))

	_, err := OpenCorpus(corpusDir)
	require.Error(err)
}

func TestOpenRejectsGapInSeedIDs(t *testing.T) {
	require := require.New(t)
	corpusDir, _ := newTestDirs(t)

	require.NoError(os.MkdirAll(filepath.Join(corpusDir, "queue"), 0o700))
	require.NoError(os.MkdirAll(filepath.Join(corpusDir, "tried"), 0o700))
	require.NoError(os.WriteFile(filepath.Join(corpusDir, "queue", "1"), []byte("x"), 0o600))

	_, err := OpenCorpus(corpusDir)
	require.Error(err)
}

func TestNextSessionAdvancesSessionDir(t *testing.T) {
	require := require.New(t)
	corpusDir, outputDir := newTestDirs(t)

	f, err := Open(corpusDir, outputDir)
	require.NoError(err)

	require.Equal(filepath.Join(outputDir, "0"), f.sessionDir())
	f.NextSession()
	require.Equal(filepath.Join(outputDir, "1"), f.sessionDir())
}
