// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package corpus

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

const (
	dirQueue     = "queue"
	dirTried     = "tried"
	fileCoverage = "total_cov"

	fileMode = os.FileMode(0o600)
)

// bootstrapSeed is the single byte deposited at queue/0 when a corpus
// directory is empty on first start.
const bootstrapSeed = "X"

// analyzeSeedDir returns the integer-named seed ids found under one
// corpus subdirectory (queue/ or tried/). It does not check that the ids
// are contiguous; OpenCorpus does that.
func analyzeSeedDir(path string) (map[int]bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(err, "corpus: read %s", path)
	}

	ids := make(map[int]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			return nil, errors.Errorf("corpus: %s: expected only files, found directory %s", path, e.Name())
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil || id < 0 {
			return nil, errors.Errorf("corpus: %s: non-numeric seed name %q", path, e.Name())
		}
		ids[id] = true
	}
	return ids, nil
}

// Corpus manages the on-disk queue/ and tried/ seed directories: a
// contiguous id space split at cursor between already-run seeds
// (tried) and pending ones (queue).
type Corpus struct {
	dirQueuePath string
	dirTriedPath string

	cursor  int
	counter int
}

// OpenCorpus ensures queue/ and tried/ exist under root, validates the
// contiguous id invariant, and bootstraps a one-byte seed if the
// corpus is empty.
func OpenCorpus(root string) (*Corpus, error) {
	triedPath := filepath.Join(root, dirTried)
	if err := os.MkdirAll(triedPath, 0o700); err != nil {
		return nil, errors.Wrapf(err, "corpus: create %s", triedPath)
	}
	tried, err := analyzeSeedDir(triedPath)
	if err != nil {
		return nil, err
	}

	queuePath := filepath.Join(root, dirQueue)
	if err := os.MkdirAll(queuePath, 0o700); err != nil {
		return nil, errors.Wrapf(err, "corpus: create %s", queuePath)
	}
	queue, err := analyzeSeedDir(queuePath)
	if err != nil {
		return nil, err
	}

	for id := range tried {
		if queue[id] {
			return nil, errors.Errorf("corpus: seed %d present in both tried and queue", id)
		}
	}

	cursor := len(tried)
	counter := len(tried) + len(queue)
	for i := 0; i < cursor; i++ {
		if !tried[i] {
			return nil, errors.Errorf("corpus: missing seed %d in tried", i)
		}
	}
	for i := cursor; i < counter; i++ {
		if !queue[i] {
			return nil, errors.Errorf("corpus: missing seed %d in queue", i)
		}
	}

	c := &Corpus{dirQueuePath: queuePath, dirTriedPath: triedPath, cursor: cursor, counter: counter}

	if counter == 0 {
		if err := os.WriteFile(filepath.Join(queuePath, "0"), []byte(bootstrapSeed), fileMode); err != nil {
			return nil, errors.Wrap(err, "corpus: deposit bootstrap seed")
		}
		c.counter = 1
	}

	corpusLog.Infof("found %d seeds in total with cursor at %d", c.counter, c.cursor)
	return c, nil
}

// CurrentSeed reads the seed at the cursor position.
func (c *Corpus) CurrentSeed() ([]byte, error) {
	path := filepath.Join(c.dirQueuePath, strconv.Itoa(c.cursor))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "corpus: read current seed %s", path)
	}
	return data, nil
}

// HasPendingSeeds reports whether any seeds remain to be run.
func (c *Corpus) HasPendingSeeds() bool {
	return c.cursor != c.counter
}

// enqueue copies the file at srcPath into queue/<counter> and advances
// the counter.
func (c *Corpus) enqueue(srcPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return errors.Wrapf(err, "corpus: read new seed %s", srcPath)
	}
	dst := filepath.Join(c.dirQueuePath, strconv.Itoa(c.counter))
	if err := os.WriteFile(dst, data, fileMode); err != nil {
		return errors.Wrapf(err, "corpus: write new seed %s", dst)
	}
	c.counter++
	return nil
}

// retireCurrent renames the seed at cursor from queue/ to tried/ and
// advances the cursor.
func (c *Corpus) retireCurrent() error {
	name := strconv.Itoa(c.cursor)
	src := filepath.Join(c.dirQueuePath, name)
	dst := filepath.Join(c.dirTriedPath, name)
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrapf(err, "corpus: retire seed %s", name)
	}
	c.cursor++
	return nil
}
