// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package watch blocks a caller until a named child of a directory is
// created or removed, using the OS directory-change notification
// primitive rather than polling.
package watch

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// WaitForAddition blocks until dir/name exists. It returns immediately
// if the file already exists when called.
func WaitForAddition(ctx context.Context, dir, name string) error {
	return wait(ctx, dir, name, true)
}

// WaitForDeletion blocks until dir/name no longer exists. It returns
// immediately if the file is already absent when called.
func WaitForDeletion(ctx context.Context, dir, name string) error {
	return wait(ctx, dir, name, false)
}

// wait implements the check-subscribe-recheck protocol required to
// close the TOCTOU window between an initial exists() check and event
// subscription: the watcher is armed before existence is evaluated, so
// an addition/deletion racing that check is never missed.
func wait(ctx context.Context, dir, name string, wantExists bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "watch: create fsnotify watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watch: add watch on %s", dir)
	}

	target := filepath.Join(dir, name)

	exists, err := pathExists(target)
	if err != nil {
		return errors.Wrapf(err, "watch: stat %s", target)
	}
	if exists == wantExists {
		return nil
	}

	wantOp := fsnotify.Remove
	if wantExists {
		wantOp = fsnotify.Create
	}

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "watch: cancelled")
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watch: errors channel closed")
			}
			return errors.Wrap(err, "watch: fsnotify error")
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watch: events channel closed")
			}
			if event.Name != target {
				continue
			}
			if event.Op&wantOp == wantOp {
				return nil
			}
		}
	}
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
