package fdl

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestEncodePartitionName(t *testing.T) {
	field, err := encodePartitionName("boot")
	if err != nil {
		t.Fatal(err)
	}
	if len(field) != nameFieldSize {
		t.Fatalf("field is %d bytes, want %d", len(field), nameFieldSize)
	}
	want := []byte{'b', 0, 'o', 0, 'o', 0, 't', 0}
	if !bytes.Equal(field[:8], want) {
		t.Errorf("field prefix = % x, want % x", field[:8], want)
	}
	if !bytes.Equal(field[8:], make([]byte, nameFieldSize-8)) {
		t.Error("field is not zero padded")
	}

	if decodePartitionName(field) != "boot" {
		t.Errorf("decode = %q", decodePartitionName(field))
	}
}

func TestEncodePartitionNameTooLong(t *testing.T) {
	if _, err := encodePartitionName(strings.Repeat("x", MaxNameUnits+1)); err == nil {
		t.Error("37-unit name accepted")
	}
	if _, err := encodePartitionName(strings.Repeat("x", MaxNameUnits)); err != nil {
		t.Errorf("36-unit name rejected: %v", err)
	}
}

func TestEncodeNameSizeWidth(t *testing.T) {
	narrow, err := encodeNameSize("boot", 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(narrow) != nameFieldSize+4 {
		t.Errorf("sub-4GiB payload is %d bytes, want %d", len(narrow), nameFieldSize+4)
	}
	if binary.LittleEndian.Uint32(narrow[nameFieldSize:]) != 1<<20 {
		t.Error("size field mismatch")
	}

	wide, err := encodeNameSize("userdata", 5<<30)
	if err != nil {
		t.Fatal(err)
	}
	if len(wide) != nameFieldSize+8 {
		t.Errorf("over-4GiB payload is %d bytes, want %d", len(wide), nameFieldSize+8)
	}
	lo := binary.LittleEndian.Uint32(wide[nameFieldSize:])
	hi := binary.LittleEndian.Uint32(wide[nameFieldSize+4:])
	if uint64(hi)<<32|uint64(lo) != 5<<30 {
		t.Errorf("split size = %d", uint64(hi)<<32|uint64(lo))
	}
}

func TestPartitionRecordsRoundTrip(t *testing.T) {
	table := []PartitionDescriptor{
		{Name: "splloader", SizeBytes: 1 << 20},
		{Name: "userdata", SizeBytes: 3 << 30},
	}
	records, err := buildPartitionRecords(table)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2*recordSize {
		t.Fatalf("records are %d bytes, want %d", len(records), 2*recordSize)
	}

	got, err := parsePartitionRecords(records)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("parsed %d records, want 2", len(got))
	}
	for i := range table {
		if got[i] != table[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], table[i])
		}
	}
}

func TestBuildPartitionRecordsRoundsUp(t *testing.T) {
	records, err := buildPartitionRecords([]PartitionDescriptor{
		{Name: "misc", SizeBytes: 1<<20 + 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if mib := binary.LittleEndian.Uint32(records[nameFieldSize:]); mib != 2 {
		t.Errorf("size rounds to %d MiB, want 2", mib)
	}
}

func TestParsePartitionRecordsSkipsEmptyNames(t *testing.T) {
	records, err := buildPartitionRecords([]PartitionDescriptor{
		{Name: "boot", SizeBytes: 1 << 20},
	})
	if err != nil {
		t.Fatal(err)
	}
	records = append(records, make([]byte, recordSize)...) // empty trailer record

	got, err := parsePartitionRecords(records)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "boot" {
		t.Errorf("parsed %+v", got)
	}
}

func TestParsePartitionRecordsBadLength(t *testing.T) {
	if _, err := parsePartitionRecords(make([]byte, recordSize+1)); err == nil {
		t.Error("misaligned payload accepted")
	}
	if _, err := parsePartitionRecords(nil); err == nil {
		t.Error("empty payload accepted")
	}
}

func TestFormatPartitionTable(t *testing.T) {
	out := FormatPartitionTable([]PartitionDescriptor{
		{Name: "boot", SizeBytes: 64 << 20},
	})
	if !strings.Contains(out, "name: boot") || !strings.Contains(out, "size: 67108864") {
		t.Errorf("unexpected rendering:\n%s", out)
	}
}

func TestPartitionTableTextRoundTrip(t *testing.T) {
	table := []PartitionDescriptor{
		{Name: "splloader", SizeBytes: 1 << 20},
		{Name: "boot", SizeBytes: 64 << 20},
		{Name: "userdata", SizeBytes: 3 << 30},
	}
	got, err := ParsePartitionTable(FormatPartitionTable(table))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(table) {
		t.Fatalf("parsed %d entries, want %d", len(got), len(table))
	}
	for i := range table {
		if got[i] != table[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], table[i])
		}
	}
}

func TestParsePartitionTableRejectsGarbage(t *testing.T) {
	if _, err := ParsePartitionTable("partitions:\n  nonsense\n"); err == nil {
		t.Error("garbage line accepted")
	}
	if _, err := ParsePartitionTable("partitions:\n  size: 10\n"); err == nil {
		t.Error("size without a name accepted")
	}
}

func TestParseFlashDescriptor(t *testing.T) {
	p := []byte{0x02, 0xC8}
	p = binary.LittleEndian.AppendUint16(p, 0x00BC)
	p = binary.LittleEndian.AppendUint32(p, 4096)
	p = binary.LittleEndian.AppendUint32(p, 1024)

	d, err := parseFlashDescriptor(p)
	if err != nil {
		t.Fatal(err)
	}
	if d.Type != 2 || d.ManufacturerID != 0xC8 || d.DeviceID != 0xBC {
		t.Errorf("descriptor = %+v", d)
	}
	if d.TotalSize != 4096*1024 {
		t.Errorf("total size = %d", d.TotalSize)
	}

	if _, err := parseFlashDescriptor(p[:8]); err == nil {
		t.Error("short payload accepted")
	}
}
