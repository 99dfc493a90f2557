package fdl

import (
	"bytes"
	"sync"
	"time"
)

// mockDevice is a scripted Transport for session tests. Framed writes are
// decoded with the device-side codec and dispatched to handle; writes that
// consist only of flag bytes are treated as sync probes and dispatched to
// onSync. Responses are queued with respond and drained by Read.
type mockDevice struct {
	mu sync.Mutex

	codec   *Codec
	inbuf   bytes.Buffer
	pending []byte

	handle func(d *mockDevice, cmd byte, payload []byte)
	onSync func(d *mockDevice)

	opens       int
	closes      int
	syncs       int
	writeCounts map[byte]int
	baudHistory []int
	readEnds    int
	received    []byte
	chunks      []int
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		codec:       NewCodec(),
		writeCounts: make(map[byte]int),
	}
}

// respond queues one framed response built with the device codec.
func (d *mockDevice) respond(cmd byte, payload []byte) {
	d.inbuf.Write(d.codec.Build(cmd, payload))
}

func (d *mockDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	return nil
}

func (d *mockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *mockDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = append(d.pending, p...)
	for {
		frame, rest, ok := d.codec.Extract(d.pending)
		if !ok {
			d.pending = append([]byte(nil), rest...)
			break
		}
		d.pending = append([]byte(nil), rest...)
		fr, err := d.codec.Parse(frame)
		if err != nil {
			continue
		}
		d.writeCounts[fr.Command]++
		if d.handle != nil {
			d.handle(d, fr.Command, fr.Payload)
		}
	}

	if len(d.pending) > 0 && bytes.Count(d.pending, []byte{FlagByte}) == len(d.pending) {
		d.pending = nil
		d.syncs++
		if d.onSync != nil {
			d.onSync(d)
		}
	}
	return len(p), nil
}

func (d *mockDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inbuf.Len() == 0 {
		return 0, nil
	}
	return d.inbuf.Read(p)
}

func (d *mockDevice) BytesAvailable() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inbuf.Len(), nil
}

func (d *mockDevice) SetBaudRate(baud int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baudHistory = append(d.baudHistory, baud)
	return nil
}

func (d *mockDevice) ResetBuffers() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbuf.Reset()
	d.pending = nil
	return nil
}

// testConfig shrinks every timeout so failure paths resolve quickly.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	cfg.HandshakeTimeout = 30 * time.Millisecond
	cfg.EraseTimeout = 100 * time.Millisecond
	cfg.RepartitionTimeout = 100 * time.Millisecond
	cfg.LockTimeout = 100 * time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.DisposeTimeout = 50 * time.Millisecond
	return cfg
}

func newTestSession(d *mockDevice, opts ...Option) *Session {
	opts = append([]Option{WithConfig(testConfig())}, opts...)
	return NewSession(d, opts...)
}

// enterFdl2 puts a session and its mock device directly into the FDL2
// configuration: sprd checksums, the large chunk size, stage advanced.
func enterFdl2(s *Session, d *mockDevice) {
	s.state = StateConnected
	s.stage = StageFdl2
	s.chunkSize = chunkSizeFdl2
	s.codec.SetMode(ChecksumSprd)
	d.codec.SetMode(ChecksumSprd)
}
