package tsn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsnlab/libtsn/internal/config"
)

// 100 Mbit/s reservation on a 1 Gbit/s link, as in the reference setup.
func referenceShaper() QavParams {
	return QavParams{
		Enable:    true,
		HiCredit:  1_000_000,
		LoCredit:  -1_000_000,
		IdleSlope: 10,
		SendSlope: -90,
	}
}

func TestQavSpendAndRecovery(t *testing.T) {
	c, _ := newTestConfig(t)
	require.NoError(t, c.SetQav(0, referenceShaper()))

	// 1000 bytes is 8000 ns of wire time at 1 Gbit/s.
	c.mu.Lock()
	c.spendQavCredit(0, 0, 1000)
	c.mu.Unlock()

	q := c.Qav(0)
	assert.Equal(t, float64(-720_000), q.Credit())
	assert.Equal(t, uint64(8000), q.lastUpdate)
	// Recovery at idle_slope: 720000/10 ns after the send completes.
	assert.Equal(t, uint64(8000+72_000), q.AvailableAt())
}

func TestQavCreditClamps(t *testing.T) {
	c, _ := newTestConfig(t)
	require.NoError(t, c.SetQav(0, QavParams{
		Enable: true, HiCredit: 500, LoCredit: -500,
		IdleSlope: 10, SendSlope: -90,
	}))

	// A huge idle gap earns at most hi_credit; a large frame spends at
	// most down to lo_credit.
	c.mu.Lock()
	c.spendQavCredit(1_000_000_000, 0, 1500)
	c.mu.Unlock()

	q := c.Qav(0)
	assert.Equal(t, float64(-500), q.Credit())
	assert.GreaterOrEqual(t, q.AvailableAt(), q.lastUpdate)
}

func TestQavDisabledIsNoop(t *testing.T) {
	c, _ := newTestConfig(t)
	c.mu.Lock()
	c.spendQavCredit(1000, 2, 1000)
	c.mu.Unlock()
	q := c.Qav(2)
	assert.Zero(t, q.Credit())
	assert.Zero(t, q.AvailableAt())
}

func TestQavInvalidInstantIgnored(t *testing.T) {
	c, _ := newTestConfig(t)
	require.NoError(t, c.SetQav(0, referenceShaper()))

	c.mu.Lock()
	c.spendQavCredit(100_000, 0, 1000)
	after := c.qav[0]
	// Spending in the past of last_update must not corrupt state.
	c.spendQavCredit(50_000, 0, 1000)
	unchanged := c.qav[0]
	c.mu.Unlock()

	assert.Equal(t, after, unchanged)
}

func TestQavSplitTransmission(t *testing.T) {
	// Splitting one transmission into two back-to-back halves lands on
	// the same credit and available_at as sending it whole.
	whole, _ := newTestConfig(t)
	split, _ := newTestConfig(t)
	params := QavParams{
		Enable: true, HiCredit: 1e12, LoCredit: -1e12,
		IdleSlope: 50, SendSlope: -50,
	}
	require.NoError(t, whole.SetQav(0, params))
	require.NoError(t, split.SetQav(0, params))

	const at = 100_000

	whole.mu.Lock()
	whole.spendQavCredit(at, 0, 1000)
	whole.mu.Unlock()

	split.mu.Lock()
	split.spendQavCredit(at, 0, 500)
	mid := split.qav[0].lastUpdate
	split.spendQavCredit(mid, 0, 500)
	split.mu.Unlock()

	qw, qs := whole.Qav(0), split.Qav(0)
	assert.Equal(t, qw.AvailableAt(), qs.AvailableAt())
	assert.Equal(t, qw.lastUpdate, qs.lastUpdate)
	assert.InDelta(t, qw.Credit(), qs.Credit(), 1e-6)
}

func TestQavBoundsHoldAcrossAdmissions(t *testing.T) {
	c, _ := newTestConfig(t)
	require.NoError(t, c.SetQav(0, referenceShaper()))

	at := uint64(0)
	for i := 0; i < 50; i++ {
		c.mu.Lock()
		if a := c.qav[0].availableAt; a > at {
			at = a
		}
		c.spendQavCredit(at, 0, 1500)
		q := c.qav[0]
		c.mu.Unlock()

		require.GreaterOrEqual(t, q.Credit(), q.LoCredit, "iteration %d", i)
		require.LessOrEqual(t, q.Credit(), q.HiCredit, "iteration %d", i)
		require.GreaterOrEqual(t, q.AvailableAt(), q.lastUpdate, "iteration %d", i)
	}
}

func TestBytesToNsPadsShortFrames(t *testing.T) {
	c, _ := newTestConfig(t)
	assert.Equal(t, uint64(config.EthZlen*8), c.bytesToNs(1))
	assert.Equal(t, uint64(config.EthZlen*8), c.bytesToNs(config.EthZlen))
	assert.Equal(t, uint64(12_000), c.bytesToNs(1500))
}
