package pipeline

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tsnlab/libtsn/internal/buffer"
	"github.com/tsnlab/libtsn/internal/config"
	"github.com/tsnlab/libtsn/internal/gptp"
	"github.com/tsnlab/libtsn/internal/tsn"
)

var (
	peerMAC = [6]byte{0xAA, 0xBB, 0xCC, 0x00, 0x11, 0x22}
	peerIP  = [4]byte{192, 168, 1, 20}
	ourIP   = [4]byte{192, 168, 1, 61}
)

// frame builders

func ethTestFrame(ethType uint16, payloadLen int) []byte {
	frame := make([]byte, config.EthHeaderSize+payloadLen)
	copy(frame[0:6], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	copy(frame[6:12], peerMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], ethType)
	return frame
}

func arpRequestFrame() []byte {
	frame := ethTestFrame(config.EthTypeARP, header.ARPSize)
	p := frame[config.EthHeaderSize:]
	binary.BigEndian.PutUint16(p[0:2], 1)      // ethernet
	binary.BigEndian.PutUint16(p[2:4], 0x0800) // ipv4
	p[4], p[5] = 6, 4
	binary.BigEndian.PutUint16(p[6:8], uint16(header.ARPRequest))
	copy(p[8:14], peerMAC[:])
	copy(p[14:18], peerIP[:])
	copy(p[24:28], ourIP[:])
	return frame
}

func ipv4Frame(proto uint8, payload []byte) []byte {
	frame := ethTestFrame(config.EthTypeIPv4, header.IPv4MinimumSize+len(payload))
	ip := frame[config.EthHeaderSize:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(header.IPv4MinimumSize+len(payload)))
	ip[8] = 64
	ip[9] = proto
	copy(ip[12:16], peerIP[:])
	copy(ip[16:20], ourIP[:])
	binary.BigEndian.PutUint16(ip[10:12], 0)
	sum := checksum.Checksum(ip[:header.IPv4MinimumSize], 0)
	binary.BigEndian.PutUint16(ip[10:12], ^sum)
	copy(ip[header.IPv4MinimumSize:], payload)
	return frame
}

func icmpEchoFrame() []byte {
	payload := make([]byte, 8+16)
	payload[0] = byte(header.ICMPv4Echo)
	binary.BigEndian.PutUint16(payload[4:6], 0x1234) // ident
	binary.BigEndian.PutUint16(payload[6:8], 1)      // sequence
	for i := 8; i < len(payload); i++ {
		payload[i] = byte(i)
	}
	sum := checksum.Checksum(payload, 0)
	binary.BigEndian.PutUint16(payload[2:4], ^sum)
	return ipv4Frame(uint8(header.ICMPv4ProtocolNumber), payload)
}

func udpEchoFrame(dstPort uint16) []byte {
	payload := make([]byte, header.UDPMinimumSize+5)
	binary.BigEndian.PutUint16(payload[0:2], 40000)
	binary.BigEndian.PutUint16(payload[2:4], dstPort)
	binary.BigEndian.PutUint16(payload[4:6], uint16(len(payload)))
	copy(payload[8:], "hello")
	return ipv4Frame(uint8(header.UDPProtocolNumber), payload)
}

// loadFrame places a received frame into a pool buffer the way the
// receiver leaves it.
func loadFrame(t *testing.T, r *Runtime, frame []byte, rxStamp uint64) (buffer.Handle, []byte) {
	t.Helper()
	h, ok := r.Pool.Alloc()
	require.True(t, ok)
	buf := r.Pool.Bytes(h)
	meta := tsn.RxMetadata{Timestamp: rxStamp, FrameLength: uint16(len(frame))}
	meta.MarshalInto(tsn.RxRegion(buf))
	copy(tsn.RxRegion(buf)[tsn.RxMetadataSize:], frame)
	return h, buf
}

func TestParseARPRequest(t *testing.T) {
	r, _, _ := newTestRuntime(t, ModeNormal)
	h, buf := loadFrame(t, r, arpRequestFrame(), 0)
	defer r.Pool.Free(h)

	n, err := r.parseFrame(buf, uint32(config.EthHeaderSize+header.ARPSize))
	require.NoError(t, err)
	assert.Equal(t, config.EthHeaderSize+header.ARPSize, n)
	assert.Equal(t, uint16(n), tsn.TxFrameLength(buf))

	reply := tsn.TxFrameData(buf)[:n]
	assert.Equal(t, peerMAC[:], reply[0:6], "addressed to requester")
	assert.Equal(t, testMAC[:], reply[6:12])

	arp := header.ARP(reply[config.EthHeaderSize:])
	assert.Equal(t, header.ARPReply, arp.Op())
	assert.Equal(t, testMAC[:], arp.HardwareAddressSender())
	assert.Equal(t, ourIP[:], arp.ProtocolAddressSender(), "claims the asked-for address")
	assert.Equal(t, peerMAC[:], arp.HardwareAddressTarget())
	assert.Equal(t, peerIP[:], arp.ProtocolAddressTarget())
}

func TestParseARPNonRequestFiltered(t *testing.T) {
	r, _, _ := newTestRuntime(t, ModeNormal)
	frame := arpRequestFrame()
	binary.BigEndian.PutUint16(frame[config.EthHeaderSize+6:], uint16(header.ARPReply))
	h, buf := loadFrame(t, r, frame, 0)
	defer r.Pool.Free(h)

	_, err := r.parseFrame(buf, uint32(len(frame)))
	assert.Error(t, err)
}

func TestParseICMPEchoRequest(t *testing.T) {
	r, _, _ := newTestRuntime(t, ModeNormal)
	frame := icmpEchoFrame()
	h, buf := loadFrame(t, r, frame, 0)
	defer r.Pool.Free(h)

	n, err := r.parseFrame(buf, uint32(len(frame)))
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	reply := tsn.TxFrameData(buf)[:n]
	ip := header.IPv4(reply[config.EthHeaderSize:])
	assert.Equal(t, ourIP[:], []byte(ip.SourceAddress().AsSlice()))
	assert.Equal(t, peerIP[:], []byte(ip.DestinationAddress().AsSlice()))

	icmp := header.ICMPv4(reply[config.EthHeaderSize+header.IPv4MinimumSize:])
	assert.Equal(t, header.ICMPv4EchoReply, icmp.Type())
	// A valid ICMP checksum sums to 0xFFFF over the whole message.
	assert.Equal(t, uint16(0xFFFF),
		checksum.Checksum(reply[config.EthHeaderSize+header.IPv4MinimumSize:], 0))
}

func TestParseUDPEcho(t *testing.T) {
	r, _, _ := newTestRuntime(t, ModeNormal)
	frame := udpEchoFrame(udpEchoPort)
	h, buf := loadFrame(t, r, frame, 0)
	defer r.Pool.Free(h)

	n, err := r.parseFrame(buf, uint32(len(frame)))
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	udp := header.UDP(tsn.TxFrameData(buf)[config.EthHeaderSize+header.IPv4MinimumSize:])
	assert.Equal(t, uint16(udpEchoPort), udp.SourcePort())
	assert.Equal(t, uint16(40000), udp.DestinationPort())
	assert.Zero(t, udp.Checksum())
}

func TestParseUDPWrongPortFiltered(t *testing.T) {
	r, _, _ := newTestRuntime(t, ModeNormal)
	frame := udpEchoFrame(9999)
	h, buf := loadFrame(t, r, frame, 0)
	defer r.Pool.Free(h)

	_, err := r.parseFrame(buf, uint32(len(frame)))
	assert.Error(t, err)
}

func TestParseUnknownEthertypeFiltered(t *testing.T) {
	r, _, _ := newTestRuntime(t, ModeNormal)
	h, buf := loadFrame(t, r, ethTestFrame(0x86DD, 60), 0)
	defer r.Pool.Free(h)

	_, err := r.parseFrame(buf, uint32(config.EthHeaderSize+60))
	assert.Error(t, err)
}

func TestParseGptpPdelayReq(t *testing.T) {
	r, _, _ := newTestRuntime(t, ModeNormal)

	req := make([]byte, config.EthHeaderSize+gptp.PdelayReqSize)
	peer := gptp.NewEngine(r.Clk, peerMAC)
	peer.MakePdelayReq(req)

	h, buf := loadFrame(t, r, req, 8000)
	defer r.Pool.Free(h)

	n, err := r.parseFrame(buf, uint32(len(req)))
	require.NoError(t, err)
	assert.Equal(t, config.EthHeaderSize+gptp.PdelayRespSize, n)

	reply := tsn.TxFrameData(buf)[:n]
	assert.Equal(t, peerMAC[:], reply[0:6])
	assert.Equal(t, uint8(gptp.MsgPdelayResp), reply[config.EthHeaderSize]&0x0F)
}

func TestParserLoopFiltersToPool(t *testing.T) {
	r, _, _ := newTestRuntime(t, ModeNormal)
	h, _ := loadFrame(t, r, ethTestFrame(0x86DD, 60), 0)
	require.NoError(t, r.RawQ.Enqueue(buffer.Descriptor{Handle: h, Len: config.EthHeaderSize + 60}))

	// One manual parser iteration.
	d, ok := r.RawQ.Dequeue()
	require.True(t, ok)
	buf := r.Pool.Bytes(d.Handle)
	if _, err := r.parseFrame(buf, d.Len); err != nil {
		r.TxStats.Filtered.Add(1)
		r.freeBuffer(d.Handle)
	}

	assert.Equal(t, uint64(1), r.TxStats.Filtered.Load())
	assert.Equal(t, fullPool, poolTotal(r.Pool))
}
