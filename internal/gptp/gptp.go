// gPTP (IEEE 802.1AS) control frame generation and peer replies
package gptp

import (
	"encoding/binary"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tsnlab/libtsn/internal/clock"
	"github.com/tsnlab/libtsn/internal/config"
)

// PTP message types carried over Ethertype 0x88F7.
const (
	MsgSync               = 0x0
	MsgPdelayReq          = 0x2
	MsgPdelayResp         = 0x3
	MsgFollowUp           = 0x8
	MsgPdelayRespFollowUp = 0xA
	MsgAnnounce           = 0xB
)

const (
	headerSize     = 34
	PdelayReqSize  = headerSize + 20
	PdelayRespSize = headerSize + 20
	SyncSize       = headerSize + 10
	FollowUpSize   = headerSize + 10 + 32 // information TLV
	AnnounceSize   = headerSize + 30 + 12 // path trace TLV

	transportSpecific = 0x1
	versionPTP        = 0x2

	flagTwoStep = 0x0200

	controlSync     = 0x0
	controlFollowUp = 0x2
	controlOther    = 0x5
)

// PTPMulticastMAC is the reserved link-local address gPTP frames use.
var PTPMulticastMAC = [6]byte{0x01, 0x80, 0xC2, 0x00, 0x00, 0x0E}

// Engine builds the periodic control frames and answers peer delay
// requests. Time discipline itself lives outside; frames carry the
// bridge's current time.
type Engine struct {
	clk *clock.Clock
	mac [6]byte

	mu          sync.Mutex
	identity    [8]byte
	syncSeq     uint16
	announceSeq uint16
	pdelaySeq   uint16
	lastSyncTx  clock.Timestamp
}

func NewEngine(clk *clock.Clock, mac [6]byte) *Engine {
	e := &Engine{clk: clk, mac: mac}
	// EUI-64 clock identity derived from the port MAC.
	copy(e.identity[0:3], mac[0:3])
	e.identity[3] = 0xFF
	e.identity[4] = 0xFE
	copy(e.identity[5:8], mac[3:6])
	return e
}

func putPTPTimestamp(b []byte, ts clock.Timestamp) {
	sec := ts / config.NsIn1s
	ns := ts % config.NsIn1s
	b[0] = byte(sec >> 40)
	b[1] = byte(sec >> 32)
	binary.BigEndian.PutUint32(b[2:6], uint32(sec))
	binary.BigEndian.PutUint32(b[6:10], uint32(ns))
}

func ptpTimestampOf(b []byte) clock.Timestamp {
	sec := uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(binary.BigEndian.Uint32(b[2:6]))
	return sec*config.NsIn1s + uint64(binary.BigEndian.Uint32(b[6:10]))
}

// putHeader writes the 34-byte common header. Caller holds e.mu.
func (e *Engine) putHeader(b []byte, msgType uint8, length int, flags uint16, seq uint16, control uint8, logInterval int8) {
	for i := 0; i < headerSize; i++ {
		b[i] = 0
	}
	b[0] = transportSpecific<<4 | msgType
	b[1] = versionPTP
	binary.BigEndian.PutUint16(b[2:4], uint16(length))
	binary.BigEndian.PutUint16(b[6:8], flags)
	copy(b[20:28], e.identity[:])
	binary.BigEndian.PutUint16(b[28:30], 1) // port number
	binary.BigEndian.PutUint16(b[30:32], seq)
	b[32] = control
	b[33] = byte(logInterval)
}

func (e *Engine) putEthHeader(frame []byte, dst [6]byte) {
	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(e.mac[:]),
		DstAddr: tcpip.LinkAddress(dst[:]),
		Type:    config.EthTypePTPv2,
	})
}

// MakePdelayReq builds a peer delay request into frame, returning the
// frame length.
func (e *Engine) MakePdelayReq(frame []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.putEthHeader(frame, PTPMulticastMAC)
	p := frame[config.EthHeaderSize:]
	e.putHeader(p, MsgPdelayReq, PdelayReqSize, 0, e.pdelaySeq, controlOther, 0)
	e.pdelaySeq++
	for i := headerSize; i < PdelayReqSize; i++ {
		p[i] = 0
	}
	return config.EthHeaderSize + PdelayReqSize
}

// MakeAnnounce builds an announce frame claiming this port as a
// grandmaster candidate.
func (e *Engine) MakeAnnounce(frame []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.putEthHeader(frame, PTPMulticastMAC)
	p := frame[config.EthHeaderSize:]
	e.putHeader(p, MsgAnnounce, AnnounceSize, 0, e.announceSeq, controlOther, 0)
	e.announceSeq++

	body := p[headerSize:]
	for i := 0; i < 30; i++ {
		body[i] = 0
	}
	// currentUtcOffset, priority1, clockQuality, priority2, identity.
	binary.BigEndian.PutUint16(body[10:12], 37)
	body[13] = 248                                  // grandmasterPriority1
	body[14] = 248                                  // clockClass
	body[15] = 0xFE                                 // clockAccuracy: unknown
	binary.BigEndian.PutUint16(body[16:18], 0xFFFF) // offsetScaledLogVariance
	body[18] = 248                                  // grandmasterPriority2
	copy(body[19:27], e.identity[:])
	binary.BigEndian.PutUint16(body[27:29], 0) // stepsRemoved
	body[29] = 0xA0                            // timeSource: internal oscillator

	// Path trace TLV with our own identity.
	tlv := body[30:]
	binary.BigEndian.PutUint16(tlv[0:2], 0x0008)
	binary.BigEndian.PutUint16(tlv[2:4], 8)
	copy(tlv[4:12], e.identity[:])

	return config.EthHeaderSize + AnnounceSize
}

// MakeSync builds a two-step sync carrying the current bridge time.
func (e *Engine) MakeSync(frame []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.putEthHeader(frame, PTPMulticastMAC)
	p := frame[config.EthHeaderSize:]
	e.putHeader(p, MsgSync, SyncSize, flagTwoStep, e.syncSeq, controlSync, -3)
	e.lastSyncTx = e.clk.Now()
	putPTPTimestamp(p[headerSize:], e.lastSyncTx)
	return config.EthHeaderSize + SyncSize
}

// MakeFollowUp builds the follow-up for the previous sync. The precise
// origin timestamp is the sync's transmit time as seen by the bridge.
func (e *Engine) MakeFollowUp(frame []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.putEthHeader(frame, PTPMulticastMAC)
	p := frame[config.EthHeaderSize:]
	// Follow-up answers the sync it follows.
	seq := e.syncSeq
	e.syncSeq++
	e.putHeader(p, MsgFollowUp, FollowUpSize, 0, seq, controlFollowUp, -3)
	putPTPTimestamp(p[headerSize:], e.lastSyncTx)

	// 802.1AS information TLV, rate and phase fields zero.
	tlv := p[headerSize+10:]
	for i := range tlv[:32] {
		tlv[i] = 0
	}
	binary.BigEndian.PutUint16(tlv[0:2], 0x0003)
	binary.BigEndian.PutUint16(tlv[2:4], 28)
	copy(tlv[4:7], []byte{0x00, 0x80, 0xC2})
	tlv[9] = 1 // organizationSubType: follow-up information
	return config.EthHeaderSize + FollowUpSize
}

// Process handles one received gPTP frame in place. For a peer delay
// request the buffer is rewritten into the response and the new frame
// length is returned; all other messages are consumed and return 0.
func (e *Engine) Process(frame []byte, rxTime clock.Timestamp) int {
	if len(frame) < config.EthHeaderSize+headerSize {
		return 0
	}
	p := frame[config.EthHeaderSize:]
	msgType := p[0] & 0x0F

	switch msgType {
	case MsgPdelayReq:
		return e.makePdelayResp(frame, rxTime)
	default:
		// Sync, follow-up, announce and responses feed the external
		// clock discipline; nothing to transmit back.
		return 0
	}
}

// makePdelayResp turns a received request into the response in place.
func (e *Engine) makePdelayResp(frame []byte, rxTime clock.Timestamp) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(frame) < config.EthHeaderSize+PdelayRespSize {
		return 0
	}
	p := frame[config.EthHeaderSize:]

	var reqPort [10]byte
	copy(reqPort[:], p[20:30])
	seq := binary.BigEndian.Uint16(p[30:32])

	eth := header.Ethernet(frame)
	src := eth.SourceAddress()
	var dst [6]byte
	copy(dst[:], src)
	e.putEthHeader(frame, dst)

	e.putHeader(p, MsgPdelayResp, PdelayRespSize, flagTwoStep, seq, controlOther, 0x7F)
	putPTPTimestamp(p[headerSize:headerSize+10], rxTime)
	copy(p[headerSize+10:headerSize+20], reqPort[:])
	return config.EthHeaderSize + PdelayRespSize
}
