package pipeline

import (
	"errors"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tsnlab/libtsn/internal/buffer"
	"github.com/tsnlab/libtsn/internal/config"
	"github.com/tsnlab/libtsn/internal/tsn"
)

var errNotReshaped = errors.New("frame not reshaped")

const udpEchoPort = 7

// parserLoop reshapes raw frames in place and moves them to the parsed
// queue. Anything it cannot answer goes back to the pool.
func (r *Runtime) parserLoop() {
	var sleeper idleSleeper

	for r.run.Load() {
		d, ok := r.RawQ.Dequeue()
		if !ok {
			sleeper.idle()
			continue
		}
		sleeper.busy()

		buf := r.Pool.Bytes(d.Handle)
		txLen, err := r.parseFrame(buf, d.Len)
		if err != nil {
			r.TxStats.Filtered.Add(1)
			r.freeBuffer(d.Handle)
			continue
		}

		memLen := uint32(tsn.TxMetadataSize + txLen)
		if int(memLen) >= config.MaxBufferLength {
			r.TxStats.Filtered.Add(1)
			r.freeBuffer(d.Handle)
			continue
		}
		out := buffer.Descriptor{Handle: d.Handle, Len: memLen}
		if err := r.ParsedQ.Enqueue(out); err != nil {
			r.TxStats.Filtered.Add(1)
			r.freeBuffer(d.Handle)
		}
	}
}

// parseFrame turns the received frame into its reply, reusing the
// buffer: the RX and TX views share the payload offset, so only the
// metadata prefix and the touched header fields change. Returns the TX
// frame length.
func (r *Runtime) parseFrame(buf []byte, rxLen uint32) (int, error) {
	rxMeta := tsn.RxMeta(buf)
	frame := tsn.TxFrameData(buf)
	if int(rxLen) > len(frame) || rxLen < config.EthHeaderSize {
		return 0, errNotReshaped
	}
	frame = frame[:rxLen]

	// Fresh TX metadata; the frame length lands once the reply is built
	// and the window fields stay zero until the egress path fills them.
	for i := 0; i < tsn.TxMetadataSize; i++ {
		buf[i] = 0
	}

	eth := header.Ethernet(frame)
	var txLen int
	switch uint16(eth.Type()) {
	case config.EthTypePTPv2:
		n := r.Gptp.Process(frame, r.Clk.RxTimestamp(rxMeta.Timestamp))
		if n <= 0 {
			return 0, errNotReshaped
		}
		txLen = n - config.EthHeaderSize

	case config.EthTypeARP:
		n, err := r.parseARP(frame)
		if err != nil {
			return 0, err
		}
		txLen = n

	case config.EthTypeIPv4:
		n, err := r.parseIPv4(frame)
		if err != nil {
			return 0, err
		}
		txLen = n

	default:
		return 0, errNotReshaped
	}

	tsn.SetTxFrameLength(buf, uint16(config.EthHeaderSize+txLen))
	return config.EthHeaderSize + txLen, nil
}

// parseARP answers an ARP request with our MAC claiming the asked-for
// address.
func (r *Runtime) parseARP(frame []byte) (int, error) {
	if len(frame) < config.EthHeaderSize+header.ARPSize {
		return 0, errNotReshaped
	}
	arp := header.ARP(frame[config.EthHeaderSize:])
	if !arp.IsValid() || arp.Op() != header.ARPRequest {
		return 0, errNotReshaped
	}

	eth := header.Ethernet(frame)
	copy(frame[0:6], eth.SourceAddress())
	copy(frame[6:12], r.MAC[:])

	var reqSenderHW [6]byte
	var reqSenderProto, reqTargetProto [4]byte
	copy(reqSenderHW[:], arp.HardwareAddressSender())
	copy(reqSenderProto[:], arp.ProtocolAddressSender())
	copy(reqTargetProto[:], arp.ProtocolAddressTarget())

	arp.SetOp(header.ARPReply)
	copy(arp.HardwareAddressSender(), r.MAC[:])
	copy(arp.ProtocolAddressSender(), reqTargetProto[:])
	copy(arp.HardwareAddressTarget(), reqSenderHW[:])
	copy(arp.ProtocolAddressTarget(), reqSenderProto[:])

	return header.ARPSize, nil
}

// parseIPv4 echoes ICMP echo requests and UDP port-7 datagrams.
func (r *Runtime) parseIPv4(frame []byte) (int, error) {
	if len(frame) < config.EthHeaderSize+header.IPv4MinimumSize {
		return 0, errNotReshaped
	}

	eth := header.Ethernet(frame)
	copy(frame[0:6], eth.SourceAddress())
	copy(frame[6:12], r.MAC[:])

	ip := header.IPv4(frame[config.EthHeaderSize:])
	hdrLen := int(ip.HeaderLength())
	totalLen := int(ip.TotalLength())
	if hdrLen < header.IPv4MinimumSize || totalLen < hdrLen ||
		config.EthHeaderSize+totalLen > len(frame) {
		return 0, errNotReshaped
	}

	// Swapping source and destination leaves the header checksum valid.
	src := ip.SourceAddress()
	ip.SetSourceAddress(ip.DestinationAddress())
	ip.SetDestinationAddress(src)

	payload := frame[config.EthHeaderSize+hdrLen : config.EthHeaderSize+totalLen]

	switch ip.Protocol() {
	case uint8(header.ICMPv4ProtocolNumber):
		if len(payload) < header.ICMPv4MinimumSize {
			return 0, errNotReshaped
		}
		icmp := header.ICMPv4(payload)
		if icmp.Type() != header.ICMPv4Echo {
			return 0, errNotReshaped
		}
		icmp.SetType(header.ICMPv4EchoReply)
		icmp.SetChecksum(0)
		icmp.SetChecksum(^checksum.Checksum(payload, 0))
		return hdrLen + len(payload), nil

	case uint8(header.UDPProtocolNumber):
		if len(payload) < header.UDPMinimumSize {
			return 0, errNotReshaped
		}
		udp := header.UDP(payload)
		if udp.DestinationPort() != udpEchoPort {
			return 0, errNotReshaped
		}
		srcPort := udp.SourcePort()
		udp.SetSourcePort(udp.DestinationPort())
		udp.SetDestinationPort(srcPort)
		udp.SetChecksum(0)
		// UDP.length covers header plus data.
		return hdrLen + int(udp.Length()), nil

	default:
		return 0, errNotReshaped
	}
}
