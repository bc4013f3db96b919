// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package diag

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T, level logiface.Level) *syncBuffer {
	t.Helper()
	var buf syncBuffer
	SetLogger(NewLogger(&buf, level))
	t.Cleanup(func() { SetLogger(nil) })
	return &buf
}

func TestLogger_DefaultNotNil(t *testing.T) {
	SetLogger(nil)
	require.NotNil(t, Logger())
	assert.Same(t, Logger(), Logger())
}

func TestFatalf_LogsAndPanics(t *testing.T) {
	buf := captureLogs(t, logiface.LevelInformational)

	defer func() {
		r := recover()
		fe, ok := AsFatal(r)
		require.True(t, ok, "recovered %v", r)
		assert.Equal(t, "mempool", fe.Component)
		assert.Equal(t, "double release of block 7", fe.Message)
		assert.Equal(t, "mempool: fatal: double release of block 7", fe.Error())

		out := buf.String()
		assert.Contains(t, out, `"lvl":"crit"`)
		assert.Contains(t, out, `"component":"mempool"`)
		assert.Contains(t, out, "double release of block 7")
	}()

	Fatalf("mempool", "double release of block %d", 7)
	t.Fatal("Fatalf returned")
}

func TestAsFatal(t *testing.T) {
	fe := &FatalError{Component: "x", Message: "y"}

	got, ok := AsFatal(fe)
	assert.True(t, ok)
	assert.Same(t, fe, got)

	got, ok = AsFatal(fmt.Errorf("wrapped: %w", fe))
	assert.True(t, ok)
	assert.Same(t, fe, got)

	_, ok = AsFatal(errors.New("plain"))
	assert.False(t, ok)
	_, ok = AsFatal("string panic")
	assert.False(t, ok)
	_, ok = AsFatal(nil)
	assert.False(t, ok)
	_, ok = AsFatal((*FatalError)(nil))
	assert.False(t, ok)
}

func TestFatalError_NoComponent(t *testing.T) {
	assert.Equal(t, "fatal: boom", (&FatalError{Message: "boom"}).Error())
}

func TestWarn_RateLimitedPerCategory(t *testing.T) {
	buf := captureLogs(t, logiface.LevelInformational)

	category := t.Name()
	for range 5 {
		Warn(category).Str("k", "v").Log("first category")
	}
	Warn(category + "/other").Log("second category")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "first category"))
	assert.Equal(t, 1, strings.Count(out, "second category"))
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLogs(t, logiface.LevelWarning)
	Logger().Info().Log("hidden")
	Logger().Err().Log("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
