// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

// find returns the first JSON log line with the given msg.
func (s *syncBuffer) find(msg string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := bufio.NewScanner(bytes.NewReader(s.b.Bytes()))
	for sc.Scan() {
		var line map[string]any
		if json.Unmarshal(sc.Bytes(), &line) == nil && line["msg"] == msg {
			return line
		}
	}
	return nil
}

func thermalZone(t *testing.T, root, dir, typ string, milli string) {
	t.Helper()
	p := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(p, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p, "type"), []byte(typ), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p, "temp"), []byte(milli), 0o644))
}

func TestRun_AlertsAndServesMetrics(t *testing.T) {
	root := t.TempDir()
	thermalZone(t, root, "thermal_zone0", "cpu", "91000")
	thermalZone(t, root, "thermal_zone1", "board", "30000")

	cfgPath := filepath.Join(t.TempDir(), "devrtd.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
log:
  level: info
metrics:
  addr: 127.0.0.1:0
shutdown_timeout: 5s
monitor:
  thermal_root: `+root+`
  poll_interval: 5ms
  sensors:
    - name: cpu
      thresholds:
        HI_CRITICAL: 90
    - name: board
      thresholds:
        HI_CRITICAL: 90
    - name: modem
`), 0o644))

	var logs syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, []string{"-config", cfgPath}, &logs) }()

	var alert map[string]any
	require.Eventually(t, func() bool {
		alert = logs.find("devrtd: temperature alert")
		return alert != nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "cpu", alert["sensor"])
	assert.Equal(t, "HI_CRITICAL", alert["threshold"])
	assert.NotNil(t, logs.find("devrtd: sensor unavailable"))

	serving := logs.find("devrtd: serving metrics")
	require.NotNil(t, serving)
	resp, err := http.Get("http://" + serving["addr"].(string) + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	for _, want := range []string{
		`devrt_pool_in_use{pool="tempmon.Sensor"}`,
		`devrt_refmap_live{map="tempmon.sensors"}`,
		`devrt_loop_processed_total{id=`,
		`go_goroutines`,
	} {
		assert.True(t, strings.Contains(string(body), want), "missing %s", want)
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return")
	}
	assert.NotNil(t, logs.find("devrtd: shutting down"))
}

func TestRun_BadConfig(t *testing.T) {
	var logs syncBuffer
	cfgPath := filepath.Join(t.TempDir(), "devrtd.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: loud\n"), 0o644))
	assert.Error(t, run(context.Background(), []string{"-config", cfgPath}, &logs))
	assert.Error(t, run(context.Background(), []string{"-nope"}, &logs))
}
