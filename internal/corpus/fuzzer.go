// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package corpus

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// Fuzzer owns the on-disk corpus and coverage database, produces the
// current seed, and merges per-session artifacts back into both.
type Fuzzer struct {
	corpus *Corpus
	db     *CoverageDB

	pathCoverage string
	pathOutput   string

	sessionCounter int
}

// Open loads (or bootstraps) the corpus under corpusDir and the
// coverage database, and prepares to read session artifacts from
// outputDir.
func Open(corpusDir, outputDir string) (*Fuzzer, error) {
	c, err := OpenCorpus(corpusDir)
	if err != nil {
		return nil, err
	}

	covPath := filepath.Join(corpusDir, fileCoverage)
	db, err := LoadCoverageDB(covPath)
	if err != nil {
		return nil, err
	}

	return &Fuzzer{
		corpus:       c,
		db:           db,
		pathCoverage: covPath,
		pathOutput:   outputDir,
	}, nil
}

// CurrentSeed returns the input the orchestrator should feed to the
// guest this session.
func (f *Fuzzer) CurrentSeed() ([]byte, error) {
	return f.corpus.CurrentSeed()
}

// HasPendingSeeds reports whether any untried seeds remain.
func (f *Fuzzer) HasPendingSeeds() bool {
	return f.corpus.HasPendingSeeds()
}

// NextSession advances the session counter.
func (f *Fuzzer) NextSession() {
	f.sessionCounter++
}

// sessionDir returns the output subdirectory for the current session.
func (f *Fuzzer) sessionDir() string {
	return filepath.Join(f.pathOutput, strconv.Itoa(f.sessionCounter))
}

// ProcessSessionResult merges the current session's raw coverage and
// newly discovered seeds into the corpus and coverage database, then
// retires the current seed. Callers must only invoke this after a
// clean session completion (check_completion() returned true); a
// non-clean ending skips the coverage/seed merge but the caller is
// still responsible for advancing the seed cursor directly via
// RetireCurrentSeed.
func (f *Fuzzer) ProcessSessionResult() error {
	if err := f.mergeSessionCoverage(); err != nil {
		return err
	}
	return f.mergeSessionSeeds()
}

// RetireCurrentSeed advances the seed cursor without merging coverage
// or new seeds, used for non-clean session endings where the host
// never received the guest's output artifacts.
func (f *Fuzzer) RetireCurrentSeed() error {
	return f.corpus.retireCurrent()
}

func (f *Fuzzer) mergeSessionCoverage() error {
	covPath := filepath.Join(f.sessionDir(), "cov")
	raw, err := os.ReadFile(covPath)
	if err != nil {
		return errors.Wrapf(err, "corpus: read session coverage %s", covPath)
	}

	if len(raw) == 0 {
		corpusLog.Infof("guest coverage hash: %#016x (no coverage)", emptyStreamHash)
		return nil
	}

	if len(raw)%8 != 0 {
		return errors.Errorf("corpus: invalid length of coverage trace %d", len(raw))
	}

	samples := make([]uint64, len(raw)/8)
	for i := range samples {
		samples[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}

	hash := f.db.MergeSamples(samples)
	corpusLog.Infof("guest coverage hash: %#016x", hash)

	return SaveCoverageDB(f.pathCoverage, f.db)
}

func (f *Fuzzer) mergeSessionSeeds() error {
	seedsDir := filepath.Join(f.sessionDir(), "seeds")
	entries, err := os.ReadDir(seedsDir)
	if err != nil {
		return errors.Wrapf(err, "corpus: read session seeds %s", seedsDir)
	}

	enqueued := 0
	for _, e := range entries {
		if err := f.corpus.enqueue(filepath.Join(seedsDir, e.Name())); err != nil {
			return err
		}
		enqueued++
	}
	corpusLog.Infof("seeds enqueued: %d", enqueued)

	return f.corpus.retireCurrent()
}
