package fdl

// ChecksumMode selects the frame checksum algorithm.
//
// The boot ROM speaks CRC16; once FDL1 executes, the device switches to the
// Spreadtrum word-sum checksum. A parser configured for one mode will adopt
// the other when it alone validates a received frame (auto-negotiation).
type ChecksumMode int

const (
	// ChecksumCRC16 is the boot ROM checksum.
	ChecksumCRC16 ChecksumMode = iota

	// ChecksumSprd is the Spreadtrum word-sum checksum used after FDL1.
	ChecksumSprd
)

func (m ChecksumMode) String() string {
	switch m {
	case ChecksumCRC16:
		return "crc16"
	case ChecksumSprd:
		return "sprd"
	default:
		return "unknown"
	}
}

// other returns the alternate mode, used during checksum negotiation.
func (m ChecksumMode) other() ChecksumMode {
	if m == ChecksumCRC16 {
		return ChecksumSprd
	}
	return ChecksumCRC16
}

// crc16 computes the boot ROM frame checksum. MSB-first, bit at a time,
// initial value 0.
//
// The 0x11021 shift constant and the wide accumulator match the arithmetic
// the device firmware was validated against; do not "correct" this to a
// textbook CRC16-CCITT. See TestCRC16Conformance for captured-frame vectors.
func crc16(data []byte) uint16 {
	var crc uint32
	for _, b := range data {
		crc ^= uint32(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x11021
			} else {
				crc <<= 1
			}
		}
	}
	return uint16(crc & 0xFFFF)
}

// sprdChecksum computes the FDL word-sum checksum: the body is summed as
// little-endian 16-bit words into a 32-bit accumulator (a trailing odd byte
// is added alone), the high halfword is folded into the low halfword twice,
// the result is complemented and byte-swapped for transmission.
func sprdChecksum(data []byte) uint16 {
	var sum uint32
	i := 0
	for ; i+1 < len(data); i += 2 {
		sum += uint32(data[i]) | uint32(data[i+1])<<8
	}
	if i < len(data) {
		sum += uint32(data[i])
	}
	sum = (sum >> 16) + (sum & 0xFFFF)
	sum += sum >> 16
	ck := uint16(^sum)
	return ck>>8 | ck<<8
}

// checksum computes the frame checksum for body in the given mode.
func checksum(mode ChecksumMode, body []byte) uint16 {
	if mode == ChecksumSprd {
		return sprdChecksum(body)
	}
	return crc16(body)
}
