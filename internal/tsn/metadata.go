package tsn

import (
	"encoding/binary"
)

// Metadata header geometry. Every pool buffer is laid out so the frame
// payload sits at a fixed offset: the TX view spans the whole prefix and
// the RX view, whose header is 14 bytes shorter, starts inside it.
//
//	[0 ........ 24) TX metadata
//	[14 ....... 24) RX metadata
//	[24 .........) frame payload
const (
	TxMetadataSize = 24
	RxMetadataSize = 10
	RxViewOffset   = TxMetadataSize - RxMetadataSize
	FrameOffset    = TxMetadataSize
)

const tick29Mask = (1 << 29) - 1

// TickCount packs a 29-bit truncated sysclock with a 3-bit priority.
type TickCount struct {
	Tick     uint32
	Priority uint8
}

func putTickCount(b []byte, tc TickCount) {
	binary.BigEndian.PutUint32(b, (tc.Tick&tick29Mask)<<3|uint32(tc.Priority&0x7))
}

func getTickCount(b []byte) TickCount {
	v := binary.BigEndian.Uint32(b)
	return TickCount{Tick: v >> 3, Priority: uint8(v & 0x7)}
}

// TxMetadata is the big-endian header prepended to every egress frame.
type TxMetadata struct {
	From        TickCount
	To          TickCount
	DelayFrom   TickCount
	DelayTo     TickCount
	FrameLength uint16
	TimestampID uint16
	FailPolicy  uint8
}

// MarshalInto stamps the header at the start of a TX buffer.
func (m *TxMetadata) MarshalInto(b []byte) {
	putTickCount(b[0:4], m.From)
	putTickCount(b[4:8], m.To)
	putTickCount(b[8:12], m.DelayFrom)
	putTickCount(b[12:16], m.DelayTo)
	binary.BigEndian.PutUint16(b[16:18], m.FrameLength)
	binary.BigEndian.PutUint16(b[18:20], m.TimestampID)
	b[20] = m.FailPolicy
	b[21], b[22], b[23] = 0, 0, 0
}

func UnmarshalTxMetadata(b []byte) TxMetadata {
	return TxMetadata{
		From:        getTickCount(b[0:4]),
		To:          getTickCount(b[4:8]),
		DelayFrom:   getTickCount(b[8:12]),
		DelayTo:     getTickCount(b[12:16]),
		FrameLength: binary.BigEndian.Uint16(b[16:18]),
		TimestampID: binary.BigEndian.Uint16(b[18:20]),
		FailPolicy:  b[20],
	}
}

// RxMetadata is the big-endian header the device prepends to every
// ingress frame.
type RxMetadata struct {
	Timestamp   uint64
	FrameLength uint16
}

func (m *RxMetadata) MarshalInto(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], m.Timestamp)
	binary.BigEndian.PutUint16(b[8:10], m.FrameLength)
}

func UnmarshalRxMetadata(b []byte) RxMetadata {
	return RxMetadata{
		Timestamp:   binary.BigEndian.Uint64(b[0:8]),
		FrameLength: binary.BigEndian.Uint16(b[8:10]),
	}
}

// TxFrameData returns the payload region of a TX-view buffer.
func TxFrameData(buf []byte) []byte {
	return buf[FrameOffset:]
}

// RxRegion returns the slice handed to the device for a multi read: the
// RX metadata lands at its head and the payload aligns with the TX view.
func RxRegion(buf []byte) []byte {
	return buf[RxViewOffset:]
}

// RxMeta decodes the RX header of a filled buffer.
func RxMeta(buf []byte) RxMetadata {
	return UnmarshalRxMetadata(buf[RxViewOffset : RxViewOffset+RxMetadataSize])
}

// TxFrameLength reads the frame length already stamped in a TX buffer.
func TxFrameLength(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf[16:18])
}

// SetTxFrameLength stamps only the frame length, for frames whose window
// metadata is filled later on the egress path.
func SetTxFrameLength(buf []byte, n uint16) {
	binary.BigEndian.PutUint16(buf[16:18], n)
}
