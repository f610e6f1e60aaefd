// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hypervisor

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakePeer simulates the hypervisor side of a QMP control socket: it
// sends the greeting, answers qmp_capabilities, and lets the test drive
// further request/response/event traffic over the same pipe.
type fakePeer struct {
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
}

func newFakeQMP(t *testing.T) (*conn, *fakePeer) {
	t.Helper()
	client, server := net.Pipe()

	peer := &fakePeer{
		conn: server,
		dec:  json.NewDecoder(server),
		enc:  json.NewEncoder(server),
	}

	done := make(chan struct{})
	var c *conn
	var dialErr error
	go func() {
		defer close(done)
		c, dialErr = dial(client, logrus.NewEntry(logrus.StandardLogger()))
	}()

	require.NoError(t, peer.enc.Encode(map[string]interface{}{
		"QMP": map[string]interface{}{"version": map[string]interface{}{}},
	}))

	var capReq map[string]interface{}
	require.NoError(t, peer.dec.Decode(&capReq))
	require.Equal(t, "qmp_capabilities", capReq["execute"])
	require.NoError(t, peer.enc.Encode(map[string]interface{}{"return": map[string]interface{}{}}))

	<-done
	require.NoError(t, dialErr)

	t.Cleanup(func() {
		c.Close()
		server.Close()
	})

	return c, peer
}

func (p *fakePeer) sendEvent(name string, data map[string]interface{}) error {
	return p.enc.Encode(map[string]interface{}{
		"event":     name,
		"data":      data,
		"timestamp": map[string]interface{}{"seconds": 0, "microseconds": 0},
	})
}

func (p *fakePeer) recvCommand(t *testing.T) map[string]interface{} {
	t.Helper()
	var req map[string]interface{}
	require.NoError(t, p.dec.Decode(&req))
	return req
}

func TestDialHandshake(t *testing.T) {
	c, _ := newFakeQMP(t)
	require.NotNil(t, c)
}

func TestExecuteReturnsValue(t *testing.T) {
	require := require.New(t)
	c, peer := newFakeQMP(t)

	errCh := make(chan error, 1)
	resultCh := make(chan interface{}, 1)
	go func() {
		ret, err := c.execute(context.Background(), "query-status", nil)
		resultCh <- ret
		errCh <- err
	}()

	req := peer.recvCommand(t)
	require.Equal("query-status", req["execute"])
	require.NoError(peer.enc.Encode(map[string]interface{}{
		"return": map[string]interface{}{"status": "running"},
	}))

	require.NoError(<-errCh)
	ret := (<-resultCh).(map[string]interface{})
	require.Equal("running", ret["status"])
}

func TestExecuteArrayReturn(t *testing.T) {
	require := require.New(t)
	c, peer := newFakeQMP(t)

	errCh := make(chan error, 1)
	resultCh := make(chan interface{}, 1)
	go func() {
		ret, err := c.execute(context.Background(), "query-jobs", nil)
		resultCh <- ret
		errCh <- err
	}()

	peer.recvCommand(t)
	require.NoError(peer.enc.Encode(map[string]interface{}{
		"return": []interface{}{
			map[string]interface{}{"id": "qce_job_0", "status": "concluded"},
		},
	}))

	require.NoError(<-errCh)
	arr := (<-resultCh).([]interface{})
	require.Len(arr, 1)
}

func TestExecuteErrorResponse(t *testing.T) {
	require := require.New(t)
	c, peer := newFakeQMP(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.execute(context.Background(), "bogus-command", nil)
		errCh <- err
	}()

	peer.recvCommand(t)
	require.NoError(peer.enc.Encode(map[string]interface{}{
		"error": map[string]interface{}{"class": "CommandNotFound", "desc": "no such command"},
	}))

	require.Error(<-errCh)
}

func TestEventsDelivered(t *testing.T) {
	require := require.New(t)
	c, peer := newFakeQMP(t)

	require.NoError(peer.sendEvent("STOP", nil))

	select {
	case ev := <-c.events():
		require.Equal("STOP", ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestExecuteCancelledByContext(t *testing.T) {
	require := require.New(t)
	c, peer := newFakeQMP(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.execute(ctx, "stop", nil)
		errCh <- err
	}()
	// the pipe is unbuffered: accept the command so execute reaches its
	// response wait, then cancel without ever answering.
	peer.recvCommand(t)
	cancel()
	require.Error(<-errCh)
}
