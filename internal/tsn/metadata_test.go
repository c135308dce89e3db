package tsn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxMetadataRoundTrip(t *testing.T) {
	md := TxMetadata{
		From:        TickCount{Tick: 0x1234567, Priority: 3},
		To:          TickCount{Tick: 0x1FFFFFFF, Priority: 3},
		DelayFrom:   TickCount{Tick: 1, Priority: 3},
		DelayTo:     TickCount{Tick: 0, Priority: 3},
		FrameLength: 1500,
		TimestampID: 2,
		FailPolicy:  1,
	}

	buf := make([]byte, TxMetadataSize)
	md.MarshalInto(buf)
	assert.Equal(t, md, UnmarshalTxMetadata(buf))
}

func TestTickCountPacking(t *testing.T) {
	buf := make([]byte, 4)
	putTickCount(buf, TickCount{Tick: 0x1FFFFFFF, Priority: 7})
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf)

	putTickCount(buf, TickCount{Tick: 1, Priority: 5})
	// tick occupies the high 29 bits: 1<<3 | 5.
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x0D}, buf)

	// A 32-bit tick is truncated modulo 2^29.
	putTickCount(buf, TickCount{Tick: 0xFFFFFFFF, Priority: 0})
	got := getTickCount(buf)
	assert.Equal(t, uint32(0x1FFFFFFF), got.Tick)
}

func TestRxMetadataRoundTrip(t *testing.T) {
	md := RxMetadata{Timestamp: 0x0102030405060708, FrameLength: 128}
	buf := make([]byte, RxMetadataSize)
	md.MarshalInto(buf)
	assert.Equal(t, md, UnmarshalRxMetadata(buf))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 128}, buf)
}

func TestViewsShareFrameOffset(t *testing.T) {
	buf := make([]byte, 256)

	// Device writes the RX header at the RX region head; the payload
	// then lines up with the TX view's payload.
	rx := RxMetadata{Timestamp: 42, FrameLength: 60}
	rx.MarshalInto(RxRegion(buf))
	require.Equal(t, rx, RxMeta(buf))

	copy(RxRegion(buf)[RxMetadataSize:], []byte{0xAA, 0xBB})
	assert.Equal(t, []byte{0xAA, 0xBB}, TxFrameData(buf)[:2])
}

func TestSetTxFrameLength(t *testing.T) {
	buf := make([]byte, TxMetadataSize)
	SetTxFrameLength(buf, 777)
	assert.Equal(t, uint16(777), TxFrameLength(buf))
	assert.Equal(t, uint16(777), UnmarshalTxMetadata(buf).FrameLength)
}
