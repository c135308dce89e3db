// TSN scheduler and burst pipeline configuration constants
package config

const (
	// Network identity of the endpoint
	NetLocalIP = "192.168.1.61"
	NetMTU     = 1500

	EthHeaderSize   = 14
	IpHeaderMinSize = 20

	// DMA burst and traffic class geometry
	MaxBDNumber  = 8  // descriptors per multi read/write transfer
	TCCount      = 8  // traffic classes
	TSNPrioCount = 8  // hardware priority queues
	MaxQbvSlots  = 20 // user-visible gate slots per cycle

	// Device transmit FIFO mirroring
	HWQueueSize    = 128
	HWQueueSizePad = 20
	BEQueueSize    = HWQueueSize - 20 // best effort keeps headroom
	TSNQueueSize   = HWQueueSize - 2

	// Timing margins, ns unless noted
	H2CLatencyNs      = 30000       // host-to-card forward budget
	TxAdjustNs        = 100 + 200   // MAC + PHY
	RxAdjustNs        = 188 + 324   // MAC + PHY
	PhyDelayClocks    = 13          // 14 clocks from MAC to PHY, minus the usual 1 tick of error
	DefaultFromMargin = 500
	DefaultToMargin   = 50000

	// 125 MHz system clock
	TicksScale    = 8.0
	ReservedCycle = 125000000
	NsIn1s        = 1000000000

	EthZlen         = 60
	EthernetGapSize = 8 + 4 + 12 // preamble, FCS, interpacket gap
	DefaultLinkBps  = 1000000000

	EthTypePTPv2 = 0x88F7
	EthTypeARP   = 0x0806
	EthTypeIPv4  = 0x0800
	EthTypeVLAN  = 0x8100

	// Buffer pool geometry
	NumberOfBuffer         = 1024
	NumberOfReservedBuffer = 16
	MaxBufferLength        = 2048
	BufferAlignment        = 4096
	NumberOfQueue          = 1024

	// TX timestamp retrieval
	TxTstampMaxRetry        = 5
	TxTstampUpdateThreshold = ReservedCycle // one second worth of cycles
	TxWorkOverflowMargin    = 100

	// gPTP control traffic cadence: 125 ms
	PTPPeriodNs = NsIn1s / 8
)

// BufferAddressMask strips the 4-bit device tag carried in the low bits of
// returned buffer addresses.
const BufferAddressMask = ^uintptr(0xF)

// Queue priorities as seen by the device gate engine.
const (
	PrioGPTP = 3
	PrioVLAN = 5
	PrioBE   = 7
)

// TX timestamp register slots.
const (
	TimestampIDNone = iota
	TimestampIDGPTP
	TimestampIDNormal
	TimestampIDReserved1
	TimestampIDReserved2

	TimestampIDMax
)

// Fail policies carried in TX metadata.
const (
	FailPolicyDrop  = 0
	FailPolicyRetry = 1
)

// CPU core mapping for the pinned pipeline stages.
const (
	CPUReceiver = 0
	CPUParser   = 1
	CPUSender   = 2
	CPUTstamp   = 3
)
