// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package corpus owns the on-disk seed queue and the hierarchical
// coverage database, and drives per-session seed/coverage merging.
package corpus

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// xxhashSeed is synchronized with the guest-side coverage hasher.
const xxhashSeed = 1

// emptyStreamHash is xxhash64(seed=1) of the empty byte stream.
const emptyStreamHash uint64 = 0xD5AFBA1336A3BE4B

var corpusLog = logrus.WithField("source", "corpus")

// trace is a coverage prefix (v1,...,vL), compared for set membership
// by full value equality.
type trace struct {
	key string
}

func newTrace(values []uint64) trace {
	b := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(b[i*8:], v)
	}
	return trace{key: string(b)}
}

func (t trace) values(length int) []uint64 {
	out := make([]uint64, length)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64([]byte(t.key[i*8 : i*8+8]))
	}
	return out
}

// CoverageDB is a mapping keyed first by prefix length, then by a
// 64-bit rolling step-hash, to a deduplicated set of traces of that
// length.
type CoverageDB struct {
	// byLength[length][hash] = set of traces, each trace being a string
	// key of len*8 packed little-endian bytes.
	byLength map[uint64]map[uint64]map[trace]struct{}
}

// NewCoverageDB returns an empty database.
func NewCoverageDB() *CoverageDB {
	return &CoverageDB{byLength: make(map[uint64]map[uint64]map[trace]struct{})}
}

func (db *CoverageDB) insert(length uint64, hash uint64, t trace) {
	byHash, ok := db.byLength[length]
	if !ok {
		byHash = make(map[uint64]map[trace]struct{})
		db.byLength[length] = byHash
	}
	set, ok := byHash[hash]
	if !ok {
		set = make(map[trace]struct{})
		byHash[hash] = set
	}
	set[t] = struct{}{}
}

// TraceCount returns the total number of distinct traces across the
// whole database, for logging.
func (db *CoverageDB) TraceCount() int {
	n := 0
	for _, byHash := range db.byLength {
		for _, set := range byHash {
			n += len(set)
		}
	}
	return n
}

// MergeSamples folds a single session's flattened coverage samples
// into the database: for every prefix length i in [1,len(samples)],
// the rolling xxhash64(seed=1) of the first i samples' little-endian
// bytes keys the trace (samples[0..i]) under db[i][hash]. Returns the
// final rolling hash over the whole sample sequence.
func (db *CoverageDB) MergeSamples(samples []uint64) uint64 {
	h := xxhash.NewWithSeed(xxhashSeed)
	buf := make([]byte, 8)
	values := make([]uint64, 0, len(samples))

	for i, v := range samples {
		binary.LittleEndian.PutUint64(buf, v)
		_, _ = h.Write(buf)
		values = append(values, v)

		stepHash := h.Sum64()
		db.insert(uint64(i+1), stepHash, newTrace(values))
	}

	return h.Sum64()
}

// SaveCoverageDB persists db to path in the on-disk total_cov format:
// tightly packed little-endian u64, no header magic, sorted by length
// then hash so the on-disk file is deterministic across saves of an
// identical in-memory database.
func SaveCoverageDB(path string, db *CoverageDB) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "corpus: create %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	lengths := sortedLengthKeys(db.byLength)

	if err := writeU64(w, uint64(len(lengths))); err != nil {
		return err
	}
	traceCount := 0
	for _, length := range lengths {
		byHash := db.byLength[length]
		hashes := sortedHashKeys(byHash)
		if err := writeU64(w, uint64(len(hashes))); err != nil {
			return err
		}
		for _, hash := range hashes {
			set := byHash[hash]
			if err := writeU64(w, hash); err != nil {
				return err
			}
			if err := writeU64(w, uint64(len(set))); err != nil {
				return err
			}
			keys := make([]string, 0, len(set))
			for t := range set {
				keys = append(keys, t.key)
			}
			sort.Strings(keys)
			for _, k := range keys {
				for _, v := range (trace{key: k}).values(int(length)) {
					if err := writeU64(w, v); err != nil {
						return err
					}
				}
			}
			traceCount += len(set)
		}
	}

	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "corpus: flush %s", path)
	}
	corpusLog.Debugf("traces saved into coverage database: %d", traceCount)
	return nil
}

// LoadCoverageDB loads a database previously written by SaveCoverageDB.
// A missing file yields an empty database (and creates the file, since
// the guest side expects it to exist). A file whose length does not
// exactly match the format consumed is a fatal parse error.
func LoadCoverageDB(path string) (*CoverageDB, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		db := NewCoverageDB()
		if cerr := SaveCoverageDB(path, db); cerr != nil {
			return nil, errors.Wrapf(cerr, "corpus: create empty %s", path)
		}
		return db, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "corpus: read %s", path)
	}

	db := NewCoverageDB()
	r := &byteCursor{data: raw}

	numLengths, err := r.readU64()
	if err != nil {
		return nil, errors.Wrap(err, "corpus: parse total_cov: numLengths")
	}

	// Length keys are not stored: they run 1..numLengths in file order.
	for li := uint64(0); li < numLengths; li++ {
		length := li + 1
		numHashes, err := r.readU64()
		if err != nil {
			return nil, errors.Wrap(err, "corpus: parse total_cov: numHashes")
		}
		for hi := uint64(0); hi < numHashes; hi++ {
			hash, err := r.readU64()
			if err != nil {
				return nil, errors.Wrap(err, "corpus: parse total_cov: hash")
			}
			numTraces, err := r.readU64()
			if err != nil {
				return nil, errors.Wrap(err, "corpus: parse total_cov: numTraces")
			}
			for ti := uint64(0); ti < numTraces; ti++ {
				values := make([]uint64, length)
				for vi := range values {
					v, err := r.readU64()
					if err != nil {
						return nil, errors.Wrap(err, "corpus: parse total_cov: trace value")
					}
					values[vi] = v
				}
				db.insert(length, hash, newTrace(values))
			}
		}
	}

	if r.offset != len(raw) {
		return nil, errors.Errorf("corpus: total_cov: trailing %d bytes after parsing", len(raw)-r.offset)
	}

	return db, nil
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return errors.Wrap(err, "corpus: write u64")
}

type byteCursor struct {
	data   []byte
	offset int
}

func (c *byteCursor) readU64() (uint64, error) {
	if c.offset+8 > len(c.data) {
		return 0, errors.New("corpus: total_cov: unexpected end of file")
	}
	v := binary.LittleEndian.Uint64(c.data[c.offset:])
	c.offset += 8
	return v, nil
}

func sortedLengthKeys(m map[uint64]map[uint64]map[trace]struct{}) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedHashKeys(m map[uint64]map[trace]struct{}) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
