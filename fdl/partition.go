package fdl

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"
)

// Partition name and record layout constants.
const (
	// MaxNameUnits is the longest partition name the protocol carries,
	// in UTF-16 code units.
	MaxNameUnits = 36

	// nameFieldSize is the fixed on-wire size of a name field.
	nameFieldSize = MaxNameUnits * 2

	// recordSize is the fixed size of one partition-table record:
	// name field plus a little-endian 32-bit size.
	recordSize = nameFieldSize + 4
)

// PartitionDescriptor names one partition and its size.
type PartitionDescriptor struct {
	Name      string
	SizeBytes uint64
}

// FlashDescriptor describes the flash device behind FDL2.
type FlashDescriptor struct {
	Type           uint8
	ManufacturerID uint8
	DeviceID       uint16
	BlockSize      uint32
	BlockCount     uint32
	TotalSize      uint64
}

// encodePartitionName encodes name as UTF-16LE padded with zeros to the
// fixed 72-byte field. Names longer than MaxNameUnits are rejected.
func encodePartitionName(name string) ([]byte, error) {
	units := utf16.Encode([]rune(name))
	if len(units) > MaxNameUnits {
		return nil, fmt.Errorf("partition name %q is %d UTF-16 units, limit is %d",
			name, len(units), MaxNameUnits)
	}
	buf := make([]byte, nameFieldSize)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return buf, nil
}

// decodePartitionName decodes a zero-padded UTF-16LE name field.
func decodePartitionName(field []byte) string {
	units := make([]uint16, 0, len(field)/2)
	for i := 0; i+1 < len(field); i += 2 {
		u := binary.LittleEndian.Uint16(field[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// encodeNameSize builds the START_DATA / READ_START payload for FDL2
// partition operations: the fixed name field followed by the size,
// little-endian, 4 bytes wide, or 4+4 (low word then high word) once the
// size no longer fits in 32 bits.
func encodeNameSize(name string, size uint64) ([]byte, error) {
	field, err := encodePartitionName(name)
	if err != nil {
		return nil, err
	}
	if size < 1<<32 {
		return binary.LittleEndian.AppendUint32(field, uint32(size)), nil
	}
	field = binary.LittleEndian.AppendUint32(field, uint32(size))
	return binary.LittleEndian.AppendUint32(field, uint32(size>>32)), nil
}

// parsePartitionRecords decodes the structured READ_PARTITION response:
// fixed records of a name field and a 32-bit size counted in MiB.
func parsePartitionRecords(p []byte) ([]PartitionDescriptor, error) {
	if len(p) == 0 || len(p)%recordSize != 0 {
		return nil, NewError(ErrFrameMalformed,
			fmt.Sprintf("partition table payload of %d bytes is not a record multiple", len(p)))
	}
	parts := make([]PartitionDescriptor, 0, len(p)/recordSize)
	for off := 0; off < len(p); off += recordSize {
		rec := p[off : off+recordSize]
		name := decodePartitionName(rec[:nameFieldSize])
		if name == "" {
			continue
		}
		sizeMiB := binary.LittleEndian.Uint32(rec[nameFieldSize:])
		parts = append(parts, PartitionDescriptor{
			Name:      name,
			SizeBytes: uint64(sizeMiB) << 20,
		})
	}
	return parts, nil
}

// buildPartitionRecords encodes descriptors into the on-wire record form
// used by REPARTITION. Sizes round up to whole MiB.
func buildPartitionRecords(parts []PartitionDescriptor) ([]byte, error) {
	out := make([]byte, 0, len(parts)*recordSize)
	for _, p := range parts {
		field, err := encodePartitionName(p.Name)
		if err != nil {
			return nil, err
		}
		sizeMiB := (p.SizeBytes + (1 << 20) - 1) >> 20
		out = append(out, field...)
		out = binary.LittleEndian.AppendUint32(out, uint32(sizeMiB))
	}
	return out, nil
}

// FormatPartitionTable renders probe results as a minimal tagged name+size
// list. Diagnostic output only; the wire records are authoritative.
func FormatPartitionTable(parts []PartitionDescriptor) string {
	var b strings.Builder
	b.WriteString("partitions:\n")
	for _, p := range parts {
		fmt.Fprintf(&b, "  - name: %s\n    size: %d\n", p.Name, p.SizeBytes)
	}
	return b.String()
}

// ParsePartitionTable parses the text form produced by FormatPartitionTable
// back into descriptors, so an exported table can feed Repartition.
func ParsePartitionTable(text string) ([]PartitionDescriptor, error) {
	var parts []PartitionDescriptor
	var cur *PartitionDescriptor
	for lineNo, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || line == "partitions:":
		case strings.HasPrefix(line, "- name:"):
			parts = append(parts, PartitionDescriptor{
				Name: strings.TrimSpace(strings.TrimPrefix(line, "- name:")),
			})
			cur = &parts[len(parts)-1]
		case strings.HasPrefix(line, "size:"):
			if cur == nil {
				return nil, fmt.Errorf("partition table line %d: size before any name", lineNo+1)
			}
			var size uint64
			if _, err := fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "size:")), "%d", &size); err != nil {
				return nil, fmt.Errorf("partition table line %d: %w", lineNo+1, err)
			}
			cur.SizeBytes = size
		default:
			return nil, fmt.Errorf("partition table line %d: unrecognized %q", lineNo+1, line)
		}
	}
	return parts, nil
}

// parseFlashDescriptor decodes the READ_FLASH_INFO response payload.
func parseFlashDescriptor(p []byte) (*FlashDescriptor, error) {
	if len(p) < 12 {
		return nil, NewError(ErrFrameMalformed,
			fmt.Sprintf("flash info payload too short: %d bytes", len(p)))
	}
	d := &FlashDescriptor{
		Type:           p[0],
		ManufacturerID: p[1],
		DeviceID:       binary.LittleEndian.Uint16(p[2:4]),
		BlockSize:      binary.LittleEndian.Uint32(p[4:8]),
		BlockCount:     binary.LittleEndian.Uint32(p[8:12]),
	}
	d.TotalSize = uint64(d.BlockSize) * uint64(d.BlockCount)
	return d, nil
}

// priorityPartitions is the short probe list tried first during traversal
// fallback. If the device times out on all of these in a row it does not
// support probing at all and the fallback is abandoned.
var priorityPartitions = []string{
	"splloader",
	"uboot",
	"prodnv",
	"miscdata",
	"boot",
}

// knownPartitions is the larger static probe list, covering the usual
// layout of Spreadtrum Android devices. Probes here are failure-tolerant.
var knownPartitions = []string{
	"uboot_bak",
	"sml",
	"sml_bak",
	"trustos",
	"trustos_bak",
	"uboot_log",
	"misc",
	"recovery",
	"logo",
	"fbootlogo",
	"dtb",
	"dtbo",
	"vbmeta",
	"vbmeta_bak",
	"persist",
	"system",
	"vendor",
	"product",
	"cache",
	"userdata",
	"wcnmodem",
	"gpsgl",
	"gpsbd",
	"pm_sys",
	"l_fixnv1",
	"l_fixnv2",
	"l_runtimenv1",
	"l_runtimenv2",
	"l_deltanv",
	"l_modem",
	"l_ldsp",
	"l_gdsp",
	"l_agdsp",
	"nr_modem",
	"nr_dsp1",
	"nr_dsp2",
	"sd",
}
