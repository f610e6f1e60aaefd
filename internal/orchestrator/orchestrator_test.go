// Copyright (c) 2026 The qce-host Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package orchestrator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meng-xu-cs/qce-host/internal/hypervisor"
	"github.com/meng-xu-cs/qce-host/internal/shm"
)

// offCompleted mirrors the completed field's byte offset in the VMIO
// header layout (flag, spin_host, spin_guest, completed, size -- each
// 8 bytes, in that order).
const offCompleted = 24

// fakeMonitor is a minimal QMP peer: it answers the handshake and lets
// the test push further events.
type fakeMonitor struct {
	conn net.Conn
	enc  *json.Encoder
}

func newFakeMonitor(t *testing.T, client net.Conn) *fakeMonitor {
	t.Helper()
	m := &fakeMonitor{conn: client, enc: json.NewEncoder(client)}
	require.NoError(t, m.enc.Encode(map[string]interface{}{
		"QMP": map[string]interface{}{"version": map[string]interface{}{}},
	}))

	var capReq map[string]interface{}
	dec := json.NewDecoder(client)
	require.NoError(t, dec.Decode(&capReq))
	require.NoError(t, m.enc.Encode(map[string]interface{}{"return": map[string]interface{}{}}))
	return m
}

func (m *fakeMonitor) sendEvent(t *testing.T, name string, data map[string]interface{}) {
	t.Helper()
	require.NoError(t, m.enc.Encode(map[string]interface{}{
		"event":     name,
		"data":      data,
		"timestamp": map[string]interface{}{"seconds": 0, "microseconds": 0},
	}))
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeMonitor, string) {
	t.Helper()
	regionPath := filepath.Join(t.TempDir(), "ivshmem")
	f, err := os.Create(regionPath)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(shm.DefaultRegionSize))
	require.NoError(t, f.Close())

	region, err := shm.Open(regionPath, shm.DefaultRegionSize)
	require.NoError(t, err)
	vmio := region.VMIO()
	vmio.Init(shm.CompletionModeFlag)

	server, client := net.Pipe()
	proxyDone := make(chan *hypervisor.Proxy, 1)
	go func() {
		p, err := hypervisor.New(server)
		require.NoError(t, err)
		proxyDone <- p
	}()
	mon := newFakeMonitor(t, client)
	proxy := <-proxyDone

	o := &Orchestrator{
		cfg:    Config{CheckInterval: time.Millisecond},
		region: region,
		vmio:   vmio,
		proxy:  proxy,
		logger: orchestratorLog,
	}

	t.Cleanup(func() {
		region.Close()
		proxy.Close()
	})

	return o, mon, regionPath
}

func setCompleted(t *testing.T, regionPath string, value uint64) {
	t.Helper()
	f, err := os.OpenFile(regionPath, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], value)
	_, err = f.WriteAt(b[:], offCompleted)
	require.NoError(t, err)
}

func TestMonitorSessionCleanCompletion(t *testing.T) {
	require := require.New(t)
	o, _, regionPath := newTestOrchestrator(t)

	setCompleted(t, regionPath, 1)

	clean, _, err := o.monitorSession(context.Background())
	require.NoError(err)
	require.True(clean)
}

func TestMonitorSessionGuestReset(t *testing.T) {
	require := require.New(t)
	o, mon, _ := newTestOrchestrator(t)

	mon.sendEvent(t, "RESET", map[string]interface{}{"guest": true})

	clean, mode, err := o.monitorSession(context.Background())
	require.NoError(err)
	require.False(clean)
	require.Equal(hypervisor.VMExitSoft, mode)
}

func TestMonitorSessionCancelledByContext(t *testing.T) {
	require := require.New(t)
	o, _, _ := newTestOrchestrator(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := o.monitorSession(ctx)
	require.Error(err)
}
