package device

// BAR0 register offsets, all 32-bit little-endian.
const (
	RegNextPulseAtHi = 0x002c
	RegNextPulseAtLo = 0x0030
	RegCycle1s       = 0x0034

	RegTsnControl = 0x0040

	RegSysClockHi = 0x0380
	RegSysClockLo = 0x0384

	RegTxTimestampCount = 0x0300
	RegTxTimestamp1High = 0x0310
	RegTxTimestamp1Low  = 0x0314
	RegTxTimestamp2High = 0x0320
	RegTxTimestamp2Low  = 0x0324
	RegTxTimestamp3High = 0x0330
	RegTxTimestamp3Low  = 0x0334
	RegTxTimestamp4High = 0x0340
	RegTxTimestamp4Low  = 0x0344

	RegTxPackets              = 0x0200 // cleared on read
	RegTxDropPackets          = 0x0220 // cleared on read
	RegNormalTimeoutCount     = 0x041c // sticky
	RegToOverflowPoppedCount  = 0x0420 // sticky
	RegToOverflowTimeoutCount = 0x0424 // sticky
)
