package fdl

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
)

func TestConnectAckMeansBootRom(t *testing.T) {
	d := newMockDevice()
	d.onSync = func(d *mockDevice) { d.respond(RepAck, nil) }
	s := newTestSession(d)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %s", s.State())
	}
	if s.Stage() != StageNone {
		t.Errorf("stage = %s", s.Stage())
	}
	if !s.IsBrom() {
		t.Error("ACK handshake should mean boot ROM")
	}
}

func TestConnectVersionString(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		wantBrom bool
	}{
		{"boot rom banner", "Spreadtrum Boot Block version 1.1", true},
		{"fdl banner", "SPRD3 FDL1", false},
		{"autod banner", "AutodLoader", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newMockDevice()
			d.onSync = func(d *mockDevice) {
				d.respond(RepVer, append([]byte(tt.version), 0))
			}
			s := newTestSession(d)

			if err := s.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			if s.Version() != tt.version {
				t.Errorf("version = %q, want %q", s.Version(), tt.version)
			}
			if s.IsBrom() != tt.wantBrom {
				t.Errorf("IsBrom = %v, want %v", s.IsBrom(), tt.wantBrom)
			}
		})
	}
}

func TestConnectFallsBackToCommand(t *testing.T) {
	d := newMockDevice()
	// silent on sync bytes, answers only the framed CONNECT
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		if cmd == CmdConnect {
			d.respond(RepAck, nil)
		}
	}
	s := newTestSession(d)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %s", s.State())
	}
	if d.syncs < 2 {
		t.Errorf("device saw %d sync probes before the CONNECT fallback", d.syncs)
	}
}

func TestConnectExhausted(t *testing.T) {
	d := newMockDevice() // never answers anything
	s := newTestSession(d)

	err := s.Connect(context.Background())
	if e, ok := err.(*Error); !ok || e.Type != ErrHandshakeFailed {
		t.Fatalf("expected handshake failure, got %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %s", s.State())
	}
}

func TestDownloadFdl1(t *testing.T) {
	image := make([]byte, 4096)
	for i := range image {
		image[i] = byte(i)
	}

	d := newMockDevice()
	var startAddr, startSize uint32
	executed := false
	d.onSync = func(d *mockDevice) {
		if executed {
			d.respond(RepVer, append([]byte("SPRD3 FDL1"), 0))
			return
		}
		d.respond(RepAck, nil)
	}
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdConnect:
			d.respond(RepAck, nil)
		case CmdStartData:
			startAddr = binary.BigEndian.Uint32(payload[0:4])
			startSize = binary.BigEndian.Uint32(payload[4:8])
			d.respond(RepAck, nil)
		case CmdMidstData:
			d.received = append(d.received, payload...)
			d.chunks = append(d.chunks, len(payload))
			d.respond(RepAck, nil)
		case CmdEndData:
			d.respond(RepAck, nil)
		case CmdExecData:
			// FDL1 takes over: no response, word-sum checksums from here
			executed = true
			d.codec.SetMode(ChecksumSprd)
		}
	}
	s := newTestSession(d)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var progress []int
	s.callbacks.OnProgress = func(index, total int) { progress = append(progress, total) }

	err := s.DownloadFdl(context.Background(), FdlImage{
		Stage: StageFdl1,
		Data:  image,
		Addr:  0x50000000,
	})
	if err != nil {
		t.Fatalf("DownloadFdl: %v", err)
	}

	if startAddr != 0x50000000 || startSize != 4096 {
		t.Errorf("START_DATA carried addr=%#x size=%d", startAddr, startSize)
	}
	if len(d.chunks) != 8 {
		t.Fatalf("sent %d chunks, want 8", len(d.chunks))
	}
	for i, n := range d.chunks[:7] {
		if n != chunkSizeBrom {
			t.Errorf("chunk %d is %d bytes, want %d", i+1, n, chunkSizeBrom)
		}
	}
	if d.chunks[7] != 400 {
		t.Errorf("final chunk is %d bytes, want 400", d.chunks[7])
	}
	if !bytes.Equal(d.received, image) {
		t.Error("received chunks do not reassemble the image")
	}
	if s.Stage() != StageFdl1 {
		t.Errorf("stage = %s", s.Stage())
	}
	if s.ChunkSize() != chunkSizeFdl2 {
		t.Errorf("chunk size = %d, want %d", s.ChunkSize(), chunkSizeFdl2)
	}
	if s.codec.Mode() != ChecksumSprd {
		t.Errorf("codec mode = %s", s.codec.Mode())
	}
	if len(progress) != 8 || progress[0] != 8 {
		t.Errorf("progress callbacks = %v", progress)
	}
}

func TestDownloadFdl2DisablesTranscode(t *testing.T) {
	image := make([]byte, 3000)
	d := newMockDevice()
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdStartData, CmdMidstData, CmdEndData, CmdExecData:
			d.respond(RepAck, nil)
		case CmdDisableTranscode:
			d.respond(RepAck, nil)
			d.codec.SetTranscode(false)
		}
	}
	s := newTestSession(d)
	s.state = StateConnected
	s.stage = StageFdl1
	s.chunkSize = chunkSizeFdl2
	s.codec.SetMode(ChecksumSprd)
	d.codec.SetMode(ChecksumSprd)

	err := s.DownloadFdl(context.Background(), FdlImage{
		Stage: StageFdl2,
		Data:  image,
		Addr:  0x9F000000,
	})
	if err != nil {
		t.Fatalf("DownloadFdl: %v", err)
	}
	if s.Stage() != StageFdl2 {
		t.Errorf("stage = %s", s.Stage())
	}
	if s.codec.Transcode() {
		t.Error("transcoding still on after DISABLE_TRANSCODE was acknowledged")
	}
}

func TestDownloadFdl2TranscodeUnsupported(t *testing.T) {
	d := newMockDevice()
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdStartData, CmdMidstData, CmdEndData, CmdExecData:
			d.respond(RepAck, nil)
		case CmdDisableTranscode:
			d.respond(RepUnsupportedCmd, nil)
		}
	}
	s := newTestSession(d)
	s.state = StateConnected
	s.stage = StageFdl1
	s.chunkSize = chunkSizeFdl2
	s.codec.SetMode(ChecksumSprd)
	d.codec.SetMode(ChecksumSprd)

	err := s.DownloadFdl(context.Background(), FdlImage{
		Stage: StageFdl2,
		Data:  make([]byte, 100),
		Addr:  0x9F000000,
	})
	if err != nil {
		t.Fatalf("DownloadFdl: %v", err)
	}
	if s.Stage() != StageFdl2 {
		t.Errorf("stage = %s", s.Stage())
	}
	if !s.codec.Transcode() {
		t.Error("transcoding must stay on when the device keeps it")
	}
}

func TestDownloadFdlStageOrder(t *testing.T) {
	d := newMockDevice()
	s := newTestSession(d)
	s.state = StateConnected

	err := s.DownloadFdl(context.Background(), FdlImage{
		Stage: StageFdl2,
		Data:  make([]byte, 100),
	})
	if e, ok := err.(*Error); !ok || e.Type != ErrStagePrecondition {
		t.Fatalf("expected stage precondition error, got %v", err)
	}
}

func TestWritePartition(t *testing.T) {
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 3)
	}

	d := newMockDevice()
	var gotName string
	var gotSize uint32
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdStartData:
			gotName = decodePartitionName(payload[:nameFieldSize])
			gotSize = binary.LittleEndian.Uint32(payload[nameFieldSize:])
			d.respond(RepAck, nil)
		case CmdMidstData:
			d.received = append(d.received, payload...)
			d.respond(RepAck, nil)
		case CmdEndData:
			d.respond(RepAck, nil)
		}
	}
	s := newTestSession(d)
	enterFdl2(s, d)

	if err := s.WritePartition(context.Background(), "boot", data); err != nil {
		t.Fatalf("WritePartition: %v", err)
	}
	if gotName != "boot" || gotSize != 5000 {
		t.Errorf("START_DATA carried name=%q size=%d", gotName, gotSize)
	}
	if !bytes.Equal(d.received, data) {
		t.Error("received chunks do not reassemble the data")
	}
}

func TestWritePartitionStrictAbort(t *testing.T) {
	d := newMockDevice()
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdStartData:
			d.respond(RepAck, nil)
		case CmdMidstData:
			d.respond(RepOperationFailed, nil)
		}
	}
	s := newTestSession(d)
	enterFdl2(s, d)

	err := s.WritePartition(context.Background(), "boot", make([]byte, 100))
	if err == nil {
		t.Fatal("strict write survived a rejected chunk")
	}
	if d.writeCounts[CmdEndData] != 0 {
		t.Error("END_DATA sent after an aborted write")
	}
}

func TestWritePartitionChunkSkip(t *testing.T) {
	data := make([]byte, 3*chunkSizeFdl2)
	d := newMockDevice()
	chunk := 0
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdStartData, CmdEndData:
			d.respond(RepAck, nil)
		case CmdMidstData:
			chunk++
			if chunk == 2 {
				d.respond(RepOperationFailed, nil)
				return
			}
			d.received = append(d.received, payload...)
			d.respond(RepAck, nil)
		}
	}
	cfg := testConfig()
	cfg.AllowChunkSkip = true
	cfg.CommandRetries = 0
	s := NewSession(d, WithConfig(cfg))
	enterFdl2(s, d)

	if err := s.WritePartition(context.Background(), "boot", data); err != nil {
		t.Fatalf("WritePartition with skip policy: %v", err)
	}
	if len(d.received) != 2*chunkSizeFdl2 {
		t.Errorf("device received %d bytes, want %d", len(d.received), 2*chunkSizeFdl2)
	}
}

func TestWritePartitionSkipBudgetExhausted(t *testing.T) {
	d := newMockDevice()
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdStartData:
			d.respond(RepAck, nil)
		case CmdMidstData:
			d.respond(RepOperationFailed, nil)
		}
	}
	cfg := testConfig()
	cfg.AllowChunkSkip = true
	cfg.CommandRetries = 0
	s := NewSession(d, WithConfig(cfg))
	enterFdl2(s, d)

	err := s.WritePartition(context.Background(), "boot", make([]byte, 4*chunkSizeFdl2))
	if err == nil {
		t.Fatal("write survived three consecutive failed chunks")
	}
	// two skips allowed, the third consecutive failure aborts
	if got := d.writeCounts[CmdMidstData]; got != 3 {
		t.Errorf("device saw %d MIDST_DATA frames, want 3", got)
	}
}

func TestReadPartition(t *testing.T) {
	content := make([]byte, 5000)
	for i := range content {
		content[i] = byte(i * 5)
	}

	d := newMockDevice()
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdReadStart:
			d.respond(RepAck, nil)
		case CmdReadMidst:
			n := binary.LittleEndian.Uint32(payload[0:4])
			off := binary.LittleEndian.Uint32(payload[4:8])
			d.respond(RepReadFlash, content[off:off+n])
		case CmdReadEnd:
			d.readEnds++
			d.respond(RepAck, nil)
		}
	}
	s := newTestSession(d)
	enterFdl2(s, d)

	got, err := s.ReadPartition(context.Background(), "boot", uint64(len(content)))
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("read content mismatch")
	}
	if d.readEnds != 1 {
		t.Errorf("READ_END issued %d times, want 1", d.readEnds)
	}
}

func TestReadPartitionCleanupOnFailure(t *testing.T) {
	d := newMockDevice()
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdReadStart:
			d.respond(RepAck, nil)
		case CmdReadMidst:
			d.respond(RepOperationFailed, nil)
		case CmdReadEnd:
			d.readEnds++
			d.respond(RepAck, nil)
		}
	}
	cfg := testConfig()
	cfg.CommandRetries = 0
	s := NewSession(d, WithConfig(cfg))
	enterFdl2(s, d)

	if _, err := s.ReadPartition(context.Background(), "boot", 1000); err == nil {
		t.Fatal("read survived a device that never returns data")
	}
	if d.readEnds != 1 {
		t.Errorf("READ_END issued %d times after failure, want 1", d.readEnds)
	}
	if got := d.writeCounts[CmdReadMidst]; got != maxReadChunkFailures {
		t.Errorf("device saw %d READ_MIDST frames, want %d", got, maxReadChunkFailures)
	}
}

func TestReadPartitionStageRequired(t *testing.T) {
	d := newMockDevice()
	s := newTestSession(d)
	s.state = StateConnected
	s.stage = StageFdl1

	_, err := s.ReadPartition(context.Background(), "boot", 100)
	if e, ok := err.(*Error); !ok || e.Type != ErrStagePrecondition {
		t.Fatalf("expected stage precondition error, got %v", err)
	}
}

func TestReadPartitionTableStructured(t *testing.T) {
	table := []PartitionDescriptor{
		{Name: "boot", SizeBytes: 64 << 20},
		{Name: "system", SizeBytes: 4096 << 20},
	}
	records, err := buildPartitionRecords(table)
	if err != nil {
		t.Fatal(err)
	}

	d := newMockDevice()
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		if cmd == CmdReadPartition {
			d.respond(RepReadFlash, records)
		}
	}
	s := newTestSession(d)
	enterFdl2(s, d)

	got, err := s.ReadPartitionTable(context.Background())
	if err != nil {
		t.Fatalf("ReadPartitionTable: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d partitions, want 2", len(got))
	}
	for i := range table {
		if got[i] != table[i] {
			t.Errorf("partition %d = %+v, want %+v", i, got[i], table[i])
		}
	}
}

func TestReadPartitionTableFallbackProbes(t *testing.T) {
	existing := map[string]bool{"splloader": true, "boot": true, "misc": true}

	d := newMockDevice()
	var probing string
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdReadPartition:
			d.respond(RepUnsupportedCmd, nil)
		case CmdReadStart:
			probing = decodePartitionName(payload[:nameFieldSize])
			if existing[probing] {
				d.respond(RepAck, nil)
			} else {
				d.respond(RepOperationFailed, nil)
			}
		case CmdReadMidst:
			d.respond(RepReadFlash, make([]byte, 8))
		case CmdReadEnd:
			d.respond(RepAck, nil)
		}
	}
	s := newTestSession(d)
	enterFdl2(s, d)

	got, err := s.ReadPartitionTable(context.Background())
	if err != nil {
		t.Fatalf("ReadPartitionTable: %v", err)
	}

	names := make(map[string]bool)
	for _, p := range got {
		names[p.Name] = true
	}
	for name := range existing {
		if !names[name] {
			t.Errorf("probe missed existing partition %q", name)
		}
	}
	if len(names) != len(existing) {
		t.Errorf("probe found %v, want exactly %v", names, existing)
	}
}

func TestCheckPartitionExist(t *testing.T) {
	d := newMockDevice()
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdReadStart:
			name := decodePartitionName(payload[:nameFieldSize])
			if name == "boot" {
				d.respond(RepAck, nil)
			} else {
				d.respond(RepOperationFailed, nil)
			}
		case CmdReadMidst:
			d.respond(RepReadFlash, make([]byte, 8))
		case CmdReadEnd:
			d.readEnds++
			d.respond(RepAck, nil)
		}
	}
	s := newTestSession(d)
	enterFdl2(s, d)

	exists, err := s.CheckPartitionExist(context.Background(), "boot")
	if err != nil || !exists {
		t.Errorf("boot: exists=%v err=%v", exists, err)
	}
	exists, err = s.CheckPartitionExist(context.Background(), "nosuch")
	if err != nil || exists {
		t.Errorf("nosuch: exists=%v err=%v", exists, err)
	}
	if d.readEnds != 2 {
		t.Errorf("READ_END issued %d times, want one per probe", d.readEnds)
	}
}

func TestFdl1RecoveryEscalation(t *testing.T) {
	d := newMockDevice()
	d.onSync = func(d *mockDevice) {
		if d.syncs >= 14 {
			// this FDL1 speaks crc16, reachable only through the
			// attempt-13 fallback
			d.codec.SetMode(ChecksumCRC16)
			d.respond(RepVer, append([]byte("SPRD3 FDL1"), 0))
		}
	}
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		if cmd == CmdConnect {
			d.respond(RepAck, nil)
		}
	}
	s := newTestSession(d)
	s.codec.SetMode(ChecksumSprd)
	d.codec.SetMode(ChecksumSprd)

	if err := s.recoverAfterFdl1(context.Background()); err != nil {
		t.Fatalf("recoverAfterFdl1: %v", err)
	}

	if d.closes != 1 || d.opens != 1 {
		t.Errorf("port reopened %d/%d times, want once", d.closes, d.opens)
	}
	want := []int{s.config.HighBaudRate, s.config.BaudRate}
	if len(d.baudHistory) != 2 || d.baudHistory[0] != want[0] || d.baudHistory[1] != want[1] {
		t.Errorf("baud history = %v, want %v", d.baudHistory, want)
	}
	if s.codec.Mode() != ChecksumCRC16 {
		t.Errorf("codec mode = %s, want crc16 after the attempt-13 fallback", s.codec.Mode())
	}
	if s.Version() != "SPRD3 FDL1" {
		t.Errorf("version = %q", s.Version())
	}
}

func TestRecoveryExhausted(t *testing.T) {
	d := newMockDevice() // never answers
	s := newTestSession(d)

	err := s.recoverAfterFdl1(context.Background())
	if e, ok := err.(*Error); !ok || e.Type != ErrHandshakeFailed {
		t.Fatalf("expected handshake failure, got %v", err)
	}
	if d.syncs != fdl1SyncAttempts {
		t.Errorf("device saw %d sync bursts, want %d", d.syncs, fdl1SyncAttempts)
	}
}

func TestEraseRepartitionAndMisc(t *testing.T) {
	d := newMockDevice()
	var repartitionPayload []byte
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdEraseFlash, CmdWriteNvItem, CmdSendSignature:
			d.respond(RepAck, nil)
		case CmdRepartition:
			repartitionPayload = append([]byte(nil), payload...)
			d.respond(RepAck, nil)
		case CmdReadNvItem, CmdReadEfuse, CmdReadPublicKey:
			d.respond(RepReadFlash, []byte{1, 2, 3, 4})
		case CmdKeepCharge:
			d.respond(RepUnsupportedCmd, nil)
		}
	}
	s := newTestSession(d)
	enterFdl2(s, d)
	ctx := context.Background()

	if err := s.ErasePartition(ctx, "cache"); err != nil {
		t.Errorf("ErasePartition: %v", err)
	}
	if err := s.Repartition(ctx, []PartitionDescriptor{{Name: "boot", SizeBytes: 1 << 20}}); err != nil {
		t.Errorf("Repartition: %v", err)
	}
	if len(repartitionPayload) != recordSize {
		t.Errorf("repartition payload is %d bytes, want %d", len(repartitionPayload), recordSize)
	}
	if data, err := s.ReadNvItem(ctx, 2, 4); err != nil || len(data) != 4 {
		t.Errorf("ReadNvItem: %v (%d bytes)", err, len(data))
	}
	if err := s.WriteNvItem(ctx, 2, []byte{9, 9}); err != nil {
		t.Errorf("WriteNvItem: %v", err)
	}
	if _, err := s.ReadEfuse(ctx, 0); err != nil {
		t.Errorf("ReadEfuse: %v", err)
	}
	if _, err := s.ReadPublicKey(ctx); err != nil {
		t.Errorf("ReadPublicKey: %v", err)
	}
	if err := s.SendSignature(ctx, []byte{0xAA}); err != nil {
		t.Errorf("SendSignature: %v", err)
	}
	if err := s.KeepCharge(ctx); err != nil {
		t.Errorf("KeepCharge with unsupported device: %v", err)
	}
}

func TestSetBaudReconfiguresTransport(t *testing.T) {
	d := newMockDevice()
	var wire uint32
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		if cmd == CmdChangeBaud {
			wire = binary.BigEndian.Uint32(payload)
			d.respond(RepAck, nil)
		}
	}
	s := newTestSession(d)
	enterFdl2(s, d)

	if err := s.SetBaud(context.Background(), 921600); err != nil {
		t.Fatalf("SetBaud: %v", err)
	}
	if wire != 921600 {
		t.Errorf("CHANGE_BAUD carried %d", wire)
	}
	if len(d.baudHistory) != 1 || d.baudHistory[0] != 921600 {
		t.Errorf("transport baud history = %v", d.baudHistory)
	}
}

func TestResetToleratesSilence(t *testing.T) {
	d := newMockDevice() // device drops the link before answering
	s := newTestSession(d)
	enterFdl2(s, d)

	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s.State() != StateDisconnected || s.Stage() != StageNone {
		t.Errorf("state=%s stage=%s after reset", s.State(), s.Stage())
	}
}

func TestReadFlashInfoAndChipType(t *testing.T) {
	d := newMockDevice()
	d.handle = func(d *mockDevice, cmd byte, payload []byte) {
		switch cmd {
		case CmdReadFlashInfo:
			info := []byte{0x02, 0xC8}
			info = binary.LittleEndian.AppendUint16(info, 0x00BC)
			info = binary.LittleEndian.AppendUint32(info, 512*1024)
			info = binary.LittleEndian.AppendUint32(info, 2048)
			d.respond(RepReadFlash, info)
		case CmdReadChipType:
			d.respond(RepReadChipType, binary.LittleEndian.AppendUint32(nil, 0x96330000))
		}
	}
	s := newTestSession(d)
	enterFdl2(s, d)

	info, err := s.ReadFlashInfo(context.Background())
	if err != nil {
		t.Fatalf("ReadFlashInfo: %v", err)
	}
	if info.ManufacturerID != 0xC8 || info.TotalSize != uint64(512*1024)*2048 {
		t.Errorf("flash info = %+v", info)
	}

	chip, err := s.ReadChipType(context.Background())
	if err != nil {
		t.Fatalf("ReadChipType: %v", err)
	}
	if chip != 0x96330000 {
		t.Errorf("chip type = %#x", chip)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d := newMockDevice()
	s := newTestSession(d)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if d.closes != 1 {
		t.Errorf("transport closed %d times, want 1", d.closes)
	}
}

func TestStateChangeCallback(t *testing.T) {
	d := newMockDevice()
	d.onSync = func(d *mockDevice) { d.respond(RepAck, nil) }

	var states []State
	s := newTestSession(d, WithCallbacks(&Callbacks{
		OnStateChanged: func(state State, stage Stage) { states = append(states, state) },
	}))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(states) != 2 || states[0] != StateHandshaking || states[1] != StateConnected {
		t.Errorf("state transitions = %v", states)
	}
}
