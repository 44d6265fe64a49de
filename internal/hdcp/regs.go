package hdcp

import "fmt"

// -------------------------------------------------------------------------
// Register map: HDCP 1.x DDC offsets
// -------------------------------------------------------------------------

// Register offsets as seen through Port.Read and Port.Write. The map is the
// HDCP 1.x DDC layout; DisplayPort adapters translate these logical offsets
// to their DPCD addresses.
const (
	RegBksv      uint8 = 0x00
	RegRi        uint8 = 0x08
	RegPj        uint8 = 0x0A
	RegAksv      uint8 = 0x10
	RegAinfo     uint8 = 0x15
	RegAn        uint8 = 0x18
	RegVH0       uint8 = 0x20
	RegVH1       uint8 = 0x24
	RegVH2       uint8 = 0x28
	RegVH3       uint8 = 0x2C
	RegVH4       uint8 = 0x30
	RegBcaps     uint8 = 0x40
	RegBstatus   uint8 = 0x41
	RegKsvFifo   uint8 = 0x43
	RegDpBstatus uint8 = 0x44
)

// Register sizes in bytes.
const (
	RiSize      = 2
	AinfoSize   = 1
	AnSize      = 8
	VSize       = 20
	VWordSize   = 4
	BcapsSize   = 1
	BstatusSize = 2
)

// BCAPS bits.
const (
	BcapsFastReauth uint8 = 1 << 0
	BcapsFeatures11 uint8 = 1 << 1
	BcapsFast       uint8 = 1 << 4
	BcapsReady      uint8 = 1 << 5
	BcapsRepeater   uint8 = 1 << 6
	BcapsHdmi       uint8 = 1 << 7
)

// DpBstatusLinkFailure is the DisplayPort BSTATUS link integrity failure bit.
const DpBstatusLinkFailure uint8 = 1 << 2

// ksvFifoChunk bounds a single KSV FIFO read to whole KSVs.
const ksvFifoChunk = 3 * KsvSize

// -------------------------------------------------------------------------
// Repeater info: BSTATUS layout
// -------------------------------------------------------------------------

// RepeaterInfo is the 16-bit repeater topology word published in BSTATUS.
type RepeaterInfo uint16

// RepeaterInfo fields.
const (
	RepeaterDeviceCountMask    RepeaterInfo = 0x007F
	RepeaterMaxDevsExceeded    RepeaterInfo = 1 << 7
	RepeaterDepthMask          RepeaterInfo = 0x0700
	RepeaterMaxCascadeExceeded RepeaterInfo = 1 << 11
	repeaterDepthShift                      = 8

	// RepeaterOverflowMask selects both overflow flags.
	RepeaterOverflowMask = RepeaterMaxDevsExceeded | RepeaterMaxCascadeExceeded

	// MaxRepeaterDevices is the largest device count BSTATUS can carry.
	MaxRepeaterDevices = 127

	// MaxRepeaterDepth is the largest cascade depth BSTATUS can carry.
	MaxRepeaterDepth = 7
)

// NewRepeaterInfo packs a device count and depth. Values that do not fit
// set the corresponding overflow flag.
func NewRepeaterInfo(devices, depth int) RepeaterInfo {
	var ri RepeaterInfo
	if devices > MaxRepeaterDevices {
		ri |= RepeaterMaxDevsExceeded
	} else if devices > 0 {
		ri |= RepeaterInfo(devices) & RepeaterDeviceCountMask
	}
	if depth > MaxRepeaterDepth {
		ri |= RepeaterMaxCascadeExceeded
	} else if depth > 0 {
		ri |= RepeaterInfo(depth<<repeaterDepthShift) & RepeaterDepthMask
	}
	return ri
}

// DeviceCount returns the number of downstream devices.
func (ri RepeaterInfo) DeviceCount() int { return int(ri & RepeaterDeviceCountMask) }

// Depth returns the cascade depth.
func (ri RepeaterInfo) Depth() int { return int(ri&RepeaterDepthMask) >> repeaterDepthShift }

// Overflow reports whether either topology overflow flag is set.
func (ri RepeaterInfo) Overflow() bool { return ri&RepeaterOverflowMask != 0 }

// String returns a compact description of the topology word.
func (ri RepeaterInfo) String() string {
	s := fmt.Sprintf("devices=%d depth=%d", ri.DeviceCount(), ri.Depth())
	if ri&RepeaterMaxDevsExceeded != 0 {
		s += " max-devs-exceeded"
	}
	if ri&RepeaterMaxCascadeExceeded != 0 {
		s += " max-cascade-exceeded"
	}
	return s
}

// Topology is the last repeater topology validated by a Transmitter.
type Topology struct {
	Info RepeaterInfo
	Ksvs []Ksv
}
