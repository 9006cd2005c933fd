package uvc

// Payload header bmHeaderInfo bits.
const (
	HeaderFID = 0x01 // Frame ID, toggles at each frame start
	HeaderEOF = 0x02 // End of frame
	HeaderPTS = 0x04 // Presentation time stamp present
	HeaderSCR = 0x08 // Source clock reference present
	HeaderRES = 0x10 // Reserved (payload specific)
	HeaderSTI = 0x20 // Still image
	HeaderERR = 0x40 // Error bit
	HeaderEOH = 0x80 // End of header
)

// Payload header field sizes.
const (
	HeaderMinLength = 2  // bHeaderLength + bmHeaderInfo
	PTSSize         = 4  // dwPresentationTime
	SCRSize         = 6  // scrSourceClock
	HeaderMaxLength = 12 // bHeaderLength + bmHeaderInfo + PTS + SCR
)

// Class-specific request codes.
const (
	RequestSetCur = 0x01
	RequestGetCur = 0x81
	RequestGetMin = 0x82
	RequestGetMax = 0x83
	RequestGetDef = 0x87
)

// Class-specific request types (interface recipient).
const (
	RequestTypeClassInterfaceOut = 0x21
	RequestTypeClassInterfaceIn  = 0xA1
)

// Video streaming interface control selectors.
const (
	VSProbeControl             = 0x01
	VSCommitControl            = 0x02
	VSStillProbeControl        = 0x03
	VSStillCommitControl       = 0x04
	VSStillImageTriggerControl = 0x05
)

// Still image trigger values.
const (
	StillTriggerNormal   = 0x00 // Normal operation
	StillTriggerTransmit = 0x01 // Transmit still image
)

// Streaming control block sizes.
const (
	ProbeLength10 = 26 // UVC 1.0 probe/commit block
	ProbeLength11 = 34 // UVC 1.1 probe/commit block
	StillLength   = 11 // still probe/commit block
)

// Probe bmHint bits.
const (
	HintFrameInterval = 0x0001 // dwFrameInterval is fixed
)
