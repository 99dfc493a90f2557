// Package fdl implements the host side of the Spreadtrum/Unisoc "Flash
// Download" (FDL) protocol used to reflash firmware on a SoC that has
// entered its emergency download mode.
//
// The protocol is a binary, half-duplex, frame-based exchange over a serial
// link. A session drives the device through three stages: the immutable boot
// ROM (BROM), the first-stage FDL1 loader, and the second-stage FDL2 loader
// which enables partition I/O. Frames are delimited by 0x7E flag bytes,
// escaped with a 0x7D discipline, and carry one of two checksum algorithms
// depending on the stage.
//
// The package is designed as a library: it takes a Transport (any duplex
// byte channel with timeout-bounded reads, typically a serial port) and
// provides callback hooks for logging, progress tracking, and state changes.
package fdl

// Framing bytes.
const (
	// FlagByte delimits every frame on both ends. A bare flag byte is also
	// used as the handshake sync character (the device auto-bauds on it).
	FlagByte byte = 0x7E

	// EscapeByte prefixes an escaped occurrence of FlagByte or EscapeByte
	// inside a frame body. The operand is XORed with EscapeXor.
	EscapeByte byte = 0x7D

	// EscapeXor is the transformation applied to escaped bytes.
	EscapeXor byte = 0x20
)

// Command codes sent by the host.
const (
	CmdConnect          = 0x00
	CmdStartData        = 0x01
	CmdMidstData        = 0x02
	CmdEndData          = 0x03
	CmdExecData         = 0x04
	CmdNormalReset      = 0x05
	CmdReadFlash        = 0x06
	CmdReadChipType     = 0x07
	CmdReadNvItem       = 0x08
	CmdChangeBaud       = 0x09
	CmdEraseFlash       = 0x0A
	CmdRepartition      = 0x0B
	CmdReadFlashInfo    = 0x0D
	CmdReadStart        = 0x10
	CmdReadMidst        = 0x11
	CmdReadEnd          = 0x12
	CmdKeepCharge       = 0x13
	CmdPowerOff         = 0x17
	CmdWriteNvItem      = 0x1C
	CmdReadPublicKey    = 0x1D
	CmdSendSignature    = 0x1E
	CmdReadEfuse        = 0x1F
	CmdReadPartition    = 0x20
	CmdDisableTranscode = 0x21
)

// Response codes sent by the device.
const (
	RepAck                   = 0x80
	RepVer                   = 0x81
	RepInvalidCmd            = 0x82
	RepUnknownCmd            = 0x83
	RepOperationFailed       = 0x84
	RepNotSupportBaud        = 0x85
	RepDownNotStart          = 0x86
	RepDownMultiError        = 0x87
	RepDownEarlyEnd          = 0x88
	RepDownDestError         = 0x89
	RepDownSizeError         = 0x8A
	RepVerifyError           = 0x8B
	RepNotVerify             = 0x8C
	RepReadFlash             = 0x93
	RepReadChipType          = 0x94
	RepIncompatiblePartition = 0x96
	RepUnsupportedCmd        = 0xFE
)

// commandNames provides human-readable names for command and response codes.
// Used for debugging and logging.
var commandNames = map[byte]string{
	CmdConnect:          "CONNECT",
	CmdStartData:        "START_DATA",
	CmdMidstData:        "MIDST_DATA",
	CmdEndData:          "END_DATA",
	CmdExecData:         "EXEC_DATA",
	CmdNormalReset:      "NORMAL_RESET",
	CmdReadFlash:        "READ_FLASH",
	CmdReadChipType:     "READ_CHIP_TYPE",
	CmdReadNvItem:       "READ_NVITEM",
	CmdChangeBaud:       "CHANGE_BAUD",
	CmdEraseFlash:       "ERASE_FLASH",
	CmdRepartition:      "REPARTITION",
	CmdReadFlashInfo:    "READ_FLASH_INFO",
	CmdReadStart:        "READ_START",
	CmdReadMidst:        "READ_MIDST",
	CmdReadEnd:          "READ_END",
	CmdKeepCharge:       "KEEP_CHARGE",
	CmdPowerOff:         "POWER_OFF",
	CmdWriteNvItem:      "WRITE_NVITEM",
	CmdReadPublicKey:    "READ_PUBLIC_KEY",
	CmdSendSignature:    "SEND_SIGNATURE",
	CmdReadEfuse:        "READ_EFUSE",
	CmdReadPartition:    "READ_PARTITION",
	CmdDisableTranscode: "DISABLE_TRANSCODE",

	RepAck:                   "ACK",
	RepVer:                   "VER",
	RepInvalidCmd:            "INVALID_CMD",
	RepUnknownCmd:            "UNKNOWN_CMD",
	RepOperationFailed:       "OPERATION_FAILED",
	RepNotSupportBaud:        "NOT_SUPPORT_BAUDRATE",
	RepDownNotStart:          "DOWN_NOT_START",
	RepDownMultiError:        "DOWN_MULTI_ERROR",
	RepDownEarlyEnd:          "DOWN_EARLY_END",
	RepDownDestError:         "DOWN_DEST_ERROR",
	RepDownSizeError:         "DOWN_SIZE_ERROR",
	RepVerifyError:           "VERIFY_ERROR",
	RepNotVerify:             "NOT_VERIFY",
	RepReadFlash:             "READ_FLASH_DATA",
	RepReadChipType:          "CHIP_TYPE",
	RepIncompatiblePartition: "INCOMPATIBLE_PARTITION",
	RepUnsupportedCmd:        "UNSUPPORTED_CMD",
}

// CommandName returns the human-readable name for a command or response
// code. Returns "UNKNOWN" for codes with no name.
func CommandName(code byte) string {
	if name, ok := commandNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

// isUnsupported reports whether a response code means the device does not
// implement the requested command. Old BROM builds answer UNKNOWN_CMD, newer
// FDL2 builds answer UNSUPPORTED_CMD.
func isUnsupported(code byte) bool {
	return code == RepUnknownCmd || code == RepUnsupportedCmd
}
