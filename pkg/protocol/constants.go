package protocol

// Packet types (byte 0 of the USB header)
const (
	PacketTypeControl     byte = 0x00 // USB protocol layer: session and flow control
	PacketTypeApplication byte = 0x14 // Application layer: payload-bearing data
)

// Control-layer application IDs
const (
	PIDDataAvailable  uint16 = 2
	PIDStartSession   uint16 = 5
	PIDSessionStarted uint16 = 6
	PIDCommandData    uint16 = 10
)

// Application-layer application IDs
const (
	PIDPositionFix     uint16 = 0x0033 // PVT (D800) request/response
	PIDTrackedEntities uint16 = 0x0072 // Multi-entity report, 6 x 12-byte records
	PIDCollar          uint16 = 0x0C06 // Collar telemetry
)

// Command codes carried in a CommandData payload
const (
	CmdStartPVTData uint16 = 49
	CmdStopPVTData  uint16 = 50
)

// Header layout (little-endian)
const (
	HeaderSize = 12

	HeaderOffsetType  = 0 // 1 byte: packet type
	HeaderOffsetAppID = 4 // 2 bytes: application ID (bytes 1-3 reserved)
	HeaderOffsetSize  = 8 // 4 bytes: payload size (bytes 6-7 reserved)
)

// Payload sizes (in bytes)
const (
	PositionFixSize       = 64  // D800 PVT record
	TrackedEntitySize     = 12  // One entity record
	TrackedEntitiesSize   = 72  // Full multi-entity payload
	TrackedEntitiesPerPkt = TrackedEntitiesSize / TrackedEntitySize
	CollarPayloadSize     = 100 // Declared collar payload, also the decode cap
	CollarMinSize         = 27  // Enough for the fixed head through status word C
	CollarTailSize        = 14  // K(4) + L(4) + ActionState(4) + Final(2)
	CommandPayloadSize    = 2
	SessionStartedMinSize = 4 // Unit ID
)

// Buffer sizes for transport reads
const (
	ControlReadSize = 64   // Interrupt pipe transfer size
	BulkReadSize    = 4096 // Bulk pipe transfer size
)

// PVT (D800) field offsets
const (
	PVTOffsetAlt       = 0  // f32: altitude above WGS84 ellipsoid
	PVTOffsetEPE       = 4  // f32: estimated position error
	PVTOffsetEPH       = 8  // f32: horizontal error
	PVTOffsetEPV       = 12 // f32: vertical error
	PVTOffsetFix       = 16 // u16: fix quality
	PVTOffsetTOW       = 18 // f64: time of week, seconds
	PVTOffsetLat       = 26 // f64: latitude, radians
	PVTOffsetLon       = 34 // f64: longitude, radians
	PVTOffsetVelEast   = 42 // f32
	PVTOffsetVelNorth  = 46 // f32
	PVTOffsetVelUp     = 50 // f32
	PVTOffsetMSLHeight = 54 // f32: height of WGS84 ellipsoid above MSL
	PVTOffsetLeapSecs  = 58 // i16
	PVTOffsetWeekDays  = 60 // u32: days from Garmin epoch to start of week
)

// Collar (0x0C06) field offsets
const (
	CollarOffsetLat       = 0  // i32 semicircles
	CollarOffsetLon       = 4  // i32 semicircles
	CollarOffsetTime      = 8  // u32 seconds since Garmin epoch
	CollarOffsetAlt       = 12 // f32 metres
	CollarOffsetStatusA   = 16 // u32: battery/comm/gps in low byte
	CollarOffsetStatusB   = 20 // u32: status byte, color, channels
	CollarOffsetStatusC   = 24 // u16
	CollarOffsetID        = 22 // i16, overlaps status word B
	CollarOffsetNameStart = 31 // NUL-terminated ASCII name
)

// Tracked entity record offsets
const (
	EntityOffsetLon    = 0 // i32 semicircles
	EntityOffsetLat    = 4 // i32 semicircles
	EntityOffsetStatus = 8 // u32 identifier/status word
)

// Fix quality values
const (
	FixUnusable = 0
	FixInvalid  = 1
	Fix2D       = 2
	Fix3D       = 3
	Fix2DDiff   = 4
	Fix3DDiff   = 5
)
