// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package hypervisor implements a proxy over the hypervisor's
// text-framed control protocol (QMP): session lifecycle commands
// (stop/cont/reset), live-snapshot save/load, and classification of
// the asynchronous lifecycle events the hypervisor reports.
package hypervisor

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Event is a single asynchronous event reported by the hypervisor on
// its control socket, e.g. STOP, RESET, JOB_STATUS_CHANGE.
type Event struct {
	Name      string
	Data      map[string]interface{}
	Timestamp time.Time
}

// conn is a minimal QMP transport: newline-framed JSON request/response
// plus an asynchronous event stream, demultiplexed from a single
// underlying stream. Unlike a general-purpose QMP client it assumes a
// single in-flight command at a time, since only one HypervisorProxy
// ever drives the control socket at once -- there is no command queue
// or cancellation machinery to serialize concurrent callers.
type conn struct {
	rwc    io.ReadWriteCloser
	dec    *json.Decoder
	enc    *json.Encoder
	logger *logrus.Entry

	respCh   chan map[string]interface{}
	eventCh  chan Event
	closeCh  chan struct{}
	closeErr error
}

// dial performs the QMP handshake (read the greeting, negotiate
// capabilities) over rwc and starts the background event/response
// demultiplexing loop.
func dial(rwc io.ReadWriteCloser, logger *logrus.Entry) (*conn, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &conn{
		rwc:     rwc,
		dec:     json.NewDecoder(rwc),
		enc:     json.NewEncoder(rwc),
		logger:  logger,
		respCh:  make(chan map[string]interface{}),
		eventCh: make(chan Event, 256),
		closeCh: make(chan struct{}),
	}

	var greeting map[string]interface{}
	if err := c.dec.Decode(&greeting); err != nil {
		rwc.Close()
		return nil, errors.Wrap(err, "qmp handshake: read greeting")
	}
	c.logger.Debugf("qmp greeting: %v", greeting)

	if err := c.enc.Encode(map[string]interface{}{"execute": "qmp_capabilities"}); err != nil {
		rwc.Close()
		return nil, errors.Wrap(err, "qmp handshake: negotiate capabilities")
	}

	var resp map[string]interface{}
	if err := c.dec.Decode(&resp); err != nil {
		rwc.Close()
		return nil, errors.Wrap(err, "qmp handshake: read capabilities response")
	}
	if _, ok := resp["return"]; !ok {
		rwc.Close()
		return nil, errors.Errorf("qmp handshake: capabilities negotiation failed: %v", resp)
	}

	go c.readLoop()

	return c, nil
}

func (c *conn) readLoop() {
	defer close(c.eventCh)
	for {
		var raw map[string]interface{}
		if err := c.dec.Decode(&raw); err != nil {
			if err != io.EOF {
				c.logger.WithError(err).Debug("qmp read loop exiting")
			}
			return
		}

		if name, ok := raw["event"].(string); ok {
			ev := Event{Name: name}
			if data, ok := raw["data"].(map[string]interface{}); ok {
				ev.Data = data
			}
			if ts, ok := raw["timestamp"].(map[string]interface{}); ok {
				seconds, _ := ts["seconds"].(float64)
				micros, _ := ts["microseconds"].(float64)
				ev.Timestamp = time.Unix(int64(seconds), int64(micros)*1000)
			}
			select {
			case c.eventCh <- ev:
			case <-c.closeCh:
				return
			}
			continue
		}

		select {
		case c.respCh <- raw:
		case <-c.closeCh:
			return
		}
	}
}

// execute sends a single command and waits for its matching
// return/error response. Commands are never pipelined; callers that
// need to issue several commands without interleaving must serialize
// their own calls (the orchestrator only ever has one session in
// flight, so this is never contended in practice).
func (c *conn) execute(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	cmd := map[string]interface{}{"execute": name}
	if args != nil {
		cmd["arguments"] = args
	}
	c.logger.Debugf("qmp execute: %s %v", name, args)

	if err := c.enc.Encode(cmd); err != nil {
		return nil, errors.Wrapf(err, "qmp: write command %s", name)
	}

	select {
	case resp := <-c.respCh:
		if errVal, ok := resp["error"]; ok {
			return nil, errors.Errorf("qmp: command %s failed: %v", name, errVal)
		}
		return resp["return"], nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "qmp: command %s cancelled", name)
	case <-c.closeCh:
		return nil, errors.Errorf("qmp: connection closed while waiting for response to %s", name)
	}
}

// events exposes the asynchronous event stream for callers to drain.
func (c *conn) events() <-chan Event {
	return c.eventCh
}

func (c *conn) Close() error {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
	return c.rwc.Close()
}
