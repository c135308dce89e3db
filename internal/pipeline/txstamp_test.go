package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsnlab/libtsn/internal/config"
	"github.com/tsnlab/libtsn/internal/tsn"
)

func TestTxWorkWindow(t *testing.T) {
	upper := uint64(5) << 29

	md := tsn.TxMetadata{
		From:       tsn.TickCount{Tick: 900},
		To:         tsn.TickCount{Tick: 2000},
		FailPolicy: config.FailPolicyDrop,
	}

	// Lower counter slightly past from: conversion error, same epoch.
	start, until := txWorkWindow(upper|1000, md)
	assert.Equal(t, upper|900, start)
	assert.Equal(t, upper|2000, until)

	// Lower counter far past from: the tick wrapped into the next
	// 29-bit epoch.
	md.From.Tick = 500
	start, _ = txWorkWindow(upper|1000, md)
	assert.Equal(t, (upper|500)+(1<<29), start)

	// Retry policy waits for the delay window instead.
	md.From.Tick = 900
	md.DelayTo = tsn.TickCount{Tick: 3000}
	md.FailPolicy = config.FailPolicyRetry
	_, until = txWorkWindow(upper|1000, md)
	assert.Equal(t, upper|3000, until)
}

func TestTstampWorkerRetrievesFreshValue(t *testing.T) {
	r, _, m := newTestRuntime(t, ModeTSN)
	w := r.tstamp[config.TimestampIDGPTP]

	var got []uint64
	w.OnTimestamp = func(id int, ts uint64) {
		got = append(got, ts)
	}

	m.SetSysClock(10_000)
	m.SetTxTimestamp(config.TimestampIDGPTP, 9_990)

	w.retrieve(tstampRequest{startAfter: 9_000, waitUntil: 20_000})
	require.Len(t, got, 1)
	// 9990 cycles at 8 ns plus the TX pipeline adjustment.
	assert.Equal(t, uint64(9_990*8+config.TxAdjustNs), got[0])
	assert.Equal(t, uint64(9_990), w.lastTstamp)
}

func TestTstampWorkerGivesUpOnStaleValue(t *testing.T) {
	r, _, m := newTestRuntime(t, ModeTSN)
	w := r.tstamp[config.TimestampIDNormal]
	w.lastTstamp = 5_000

	fired := false
	w.OnTimestamp = func(int, uint64) { fired = true }

	// Register still holds the previous frame's value and the window
	// has passed: the worker retries its budget and drops the stamp.
	m.SetSysClock(30_000)
	m.SetTxTimestamp(config.TimestampIDNormal, 5_000)

	w.retrieve(tstampRequest{startAfter: 10_000, waitUntil: 20_000})
	assert.False(t, fired)
}

func TestTstampWorkerRejectsPartialUpdate(t *testing.T) {
	r, _, m := newTestRuntime(t, ModeTSN)
	w := r.tstamp[config.TimestampIDNormal]

	fired := false
	w.OnTimestamp = func(int, uint64) { fired = true }

	// A value half a counter behind now means only one 32-bit half was
	// written; the worker must not deliver it.
	m.SetSysClock(uint64(config.TxTstampUpdateThreshold) * 3)
	m.SetTxTimestamp(config.TimestampIDNormal, 1)

	w.retrieve(tstampRequest{startAfter: 0, waitUntil: 0})
	assert.False(t, fired)
	assert.Zero(t, w.lastTstamp)
}

func TestTstampReserveIsExclusive(t *testing.T) {
	r, _, _ := newTestRuntime(t, ModeTSN)
	w := r.tstamp[config.TimestampIDGPTP]

	require.True(t, w.Reserve(0, 0))
	assert.False(t, w.Reserve(0, 0), "slot busy until the worker finishes")
	<-w.req
	w.inProgress.Store(false)
	assert.True(t, w.Reserve(0, 0))
}
