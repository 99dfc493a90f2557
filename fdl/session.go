package fdl

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// State is the session's connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Stage is the session's position in the BROM -> FDL1 -> FDL2 pipeline.
// Partition and NV operations require StageFdl2.
type Stage int

const (
	StageNone Stage = iota
	StageFdl1
	StageFdl2
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageFdl1:
		return "fdl1"
	case StageFdl2:
		return "fdl2"
	default:
		return "unknown"
	}
}

// Protocol limits and policy bounds.
const (
	// chunkSizeBrom is the largest MIDST_DATA payload the boot ROM
	// accepts.
	chunkSizeBrom = 528

	// chunkSizeFdl2 applies once FDL1 is executing.
	chunkSizeFdl2 = 2112

	// chunkAttempts bounds per-chunk delivery during FDL uploads.
	chunkAttempts = 3

	// fdl1SyncAttempts bounds the post-FDL1 recovery loop.
	fdl1SyncAttempts = 20

	// syncBurstLen is the number of sync bytes per recovery attempt.
	syncBurstLen = 4

	// handshakeBurstLen is the number of sync bytes in the second
	// handshake strategy.
	handshakeBurstLen = 8

	// maxWriteChunkSkips is how many consecutive failed write chunks the
	// opt-in skip policy tolerates before aborting.
	maxWriteChunkSkips = 2

	// maxReadChunkFailures aborts a partition read after this many
	// consecutive failed READ_MIDST exchanges.
	maxReadChunkFailures = 5

	// maxProbeTimeouts abandons traversal fallback after this many
	// consecutive probe timeouts.
	maxProbeTimeouts = 5
)

// Config holds session configuration.
type Config struct {
	// CommandRetries is how many times a garbled or missing response is
	// retried before an exchange fails.
	CommandRetries int

	// CommandTimeout bounds one ordinary request/response exchange.
	CommandTimeout time.Duration

	// HandshakeTimeout bounds each handshake and sync-loop probe.
	HandshakeTimeout time.Duration

	// EraseTimeout bounds ERASE_FLASH, which can run for tens of seconds.
	EraseTimeout time.Duration

	// RepartitionTimeout bounds REPARTITION.
	RepartitionTimeout time.Duration

	// LockTimeout bounds acquisition of the single-flight transport lock.
	LockTimeout time.Duration

	// PollInterval is the sleep between read polls.
	PollInterval time.Duration

	// DisposeTimeout bounds the wait for an in-flight exchange during
	// Close.
	DisposeTimeout time.Duration

	// BaudRate is the initial line speed.
	BaudRate int

	// HighBaudRate is the speed the recovery loop escalates to.
	HighBaudRate int

	// SkipChecksumVerify disables response checksum validation. Some
	// BROM builds checksum inconsistently; this is the compatibility
	// escape hatch.
	SkipChecksumVerify bool

	// AllowChunkSkip opts in to the legacy tolerate-and-skip policy for
	// failed write chunks. At most two consecutive chunks are skipped;
	// a third aborts. Off by default because a skipped chunk silently
	// corrupts the written image.
	AllowChunkSkip bool

	// BypassPath explicitly locates the signature-bypass payload,
	// overriding the default search order.
	BypassPath string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		CommandRetries:     2,
		CommandTimeout:     3 * time.Second,
		HandshakeTimeout:   time.Second,
		EraseTimeout:       30 * time.Second,
		RepartitionTimeout: 30 * time.Second,
		LockTimeout:        5 * time.Second,
		PollInterval:       5 * time.Millisecond,
		DisposeTimeout:     2 * time.Second,
		BaudRate:           115200,
		HighBaudRate:       921600,
	}
}

// Session drives one FDL conversation over one transport. One Session per
// connection attempt; create a new one after Close.
//
// Session methods are not safe for concurrent use. The protocol is strictly
// half-duplex and the exchange layer enforces single-flight access to the
// transport.
type Session struct {
	transport Transport
	codec     *Codec
	ex        *exchanger

	config    *Config
	callbacks *Callbacks
	logger    Logger
	ctx       context.Context

	state     State
	stage     Stage
	isBrom    bool
	version   string
	chunkSize int
	closed    bool
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the session configuration.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *Session) {
		s.callbacks = mergeCallbacks(callbacks)
	}
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithContext sets the session's base context, used when an operation is
// invoked with a nil context.
func WithContext(ctx context.Context) Option {
	return func(s *Session) {
		s.ctx = ctx
	}
}

// NewSession creates a new FDL session over the given transport. The
// transport must already be open.
func NewSession(transport Transport, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		config:    DefaultConfig(),
		callbacks: defaultCallbacks(),
		logger:    NoopLogger{},
		ctx:       context.Background(),
		state:     StateDisconnected,
		stage:     StageNone,
		chunkSize: chunkSizeBrom,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.codec = NewCodec()
	if s.config.SkipChecksumVerify {
		s.codec.SetVerify(false)
	}
	s.ex = newExchanger(transport, s.codec, s.logger, s.config.LockTimeout, s.config.PollInterval)

	return s
}

// State returns the session lifecycle state.
func (s *Session) State() State { return s.state }

// Stage returns the protocol stage.
func (s *Session) Stage() Stage { return s.stage }

// IsBrom reports whether the handshake found the bare boot ROM rather than
// an already-running FDL.
func (s *Session) IsBrom() bool { return s.isBrom }

// Version returns the version string reported by the device, if any.
func (s *Session) Version() string { return s.version }

// ChunkSize returns the transfer chunk size for the current stage.
func (s *Session) ChunkSize() int { return s.chunkSize }

// Connect performs the handshake. Three strategies are tried in order: a
// single sync byte, a burst of sync bytes, then an explicit CONNECT
// command. The first parseable version or ACK response wins; the session
// records whether the target is still BROM or already running an FDL.
func (s *Session) Connect(ctx context.Context) error {
	ctx = s.opCtx(ctx)
	s.setState(StateHandshaking)

	strategies := []struct {
		name string
		run  func() (*Frame, error)
	}{
		{"sync byte", func() (*Frame, error) {
			return s.ex.rawExchange(ctx, []byte{FlagByte}, s.config.HandshakeTimeout)
		}},
		{"sync burst", func() (*Frame, error) {
			burst := make([]byte, handshakeBurstLen)
			for i := range burst {
				burst[i] = FlagByte
			}
			return s.ex.rawExchange(ctx, burst, s.config.HandshakeTimeout)
		}},
		{"connect command", func() (*Frame, error) {
			return s.ex.request(ctx, CmdConnect, nil, s.exchangeOpts(s.config.HandshakeTimeout))
		}},
	}

	for _, strat := range strategies {
		fr, err := strat.run()
		if err != nil {
			if IsCancelled(err) || isTransportErr(err) {
				s.setState(StateDisconnected)
				return err
			}
			s.logger.Debug("handshake via %s: %v", strat.name, err)
			continue
		}

		switch fr.Command {
		case RepVer:
			s.version = decodeVersion(fr.Payload)
			s.isBrom = !looksLikeFdl(s.version)
			s.setState(StateConnected)
			s.logf("connected (%s), device reports %q", strat.name, s.version)
			return nil
		case RepAck:
			s.isBrom = true
			s.setState(StateConnected)
			s.logf("connected (%s)", strat.name)
			return nil
		default:
			s.logger.Debug("handshake via %s answered %s", strat.name, CommandName(fr.Command))
		}
	}

	s.setState(StateDisconnected)
	return NewError(ErrHandshakeFailed, "all handshake strategies exhausted")
}

// FdlImage is one loader image to download and execute.
type FdlImage struct {
	// Stage is StageFdl1 or StageFdl2.
	Stage Stage

	// Data is the opaque image content. The session validates size only;
	// matching the image to the chip is the caller's responsibility.
	Data []byte

	// Addr is the load address from the chip profile.
	Addr uint32

	// ExecAddr, when nonzero on an FDL1 image, uploads the
	// signature-bypass payload at that address before EXEC_DATA.
	ExecAddr uint32

	// SourcePath is where Data was read from; the bypass payload is
	// searched for alongside it.
	SourcePath string
}

// DownloadFdl uploads a loader image and executes it, advancing the
// protocol stage. FDL1 must be downloaded before FDL2.
func (s *Session) DownloadFdl(ctx context.Context, img FdlImage) error {
	ctx = s.opCtx(ctx)

	if s.state != StateConnected {
		return NewError(ErrStagePrecondition, "session is not connected")
	}
	switch img.Stage {
	case StageFdl1:
		if s.stage != StageNone {
			return NewError(ErrStagePrecondition, "FDL1 already loaded")
		}
	case StageFdl2:
		if s.stage != StageFdl1 {
			return NewError(ErrStagePrecondition, "FDL2 requires a running FDL1")
		}
	default:
		return fmt.Errorf("cannot download stage %s image", img.Stage)
	}
	if len(img.Data) == 0 {
		return fmt.Errorf("empty %s image", img.Stage)
	}

	if img.Stage == StageFdl1 {
		// re-sync: the BROM drops handshake state between operations
		fr, err := s.ex.request(ctx, CmdConnect, nil, s.exchangeOpts(0))
		if err != nil {
			return fmt.Errorf("re-sync before FDL1: %w", err)
		}
		if err := expectAck(fr, CmdConnect); err != nil {
			return err
		}
	}

	s.logf("downloading %s: %d bytes at %#08x", img.Stage, len(img.Data), img.Addr)
	if err := s.uploadImage(ctx, img.Addr, img.Data); err != nil {
		return fmt.Errorf("download %s: %w", img.Stage, err)
	}

	if img.Stage == StageFdl1 && img.ExecAddr != 0 {
		if err := s.sendBypass(ctx, img); err != nil {
			return err
		}
	}

	execFr, execErr := s.ex.request(ctx, CmdExecData, nil, s.exchangeOnce(0))

	switch img.Stage {
	case StageFdl1:
		// FDL1 takes over the line; whatever EXEC_DATA answered (or
		// didn't) is stale. Reacquire the device from scratch.
		return s.afterFdl1Exec(ctx)
	default:
		return s.afterFdl2Exec(ctx, execFr, execErr)
	}
}

// uploadImage runs the START_DATA / MIDST_DATA / END_DATA sequence for one
// image at one address. Addresses and sizes are big-endian on the wire.
func (s *Session) uploadImage(ctx context.Context, addr uint32, data []byte) error {
	start := make([]byte, 0, 8)
	start = binary.BigEndian.AppendUint32(start, addr)
	start = binary.BigEndian.AppendUint32(start, uint32(len(data)))

	fr, err := s.ex.request(ctx, CmdStartData, start, s.exchangeOpts(0))
	if err != nil {
		return err
	}
	if err := expectAck(fr, CmdStartData); err != nil {
		return err
	}

	total := (len(data) + s.chunkSize - 1) / s.chunkSize
	tracker := NewProgressTracker(s.callbacks.OnProgress)
	tracker.Start(total)

	for off := 0; off < len(data); off += s.chunkSize {
		end := min(off+s.chunkSize, len(data))
		fr, err := s.ex.request(ctx, CmdMidstData, data[off:end],
			exchangeOptions{timeout: s.config.CommandTimeout, retries: chunkAttempts - 1})
		if err != nil {
			return fmt.Errorf("chunk %d/%d: %w", off/s.chunkSize+1, total, err)
		}
		if err := expectAck(fr, CmdMidstData); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", off/s.chunkSize+1, total, err)
		}
		tracker.Step(end - off)
	}

	fr, err = s.ex.request(ctx, CmdEndData, nil, s.exchangeOpts(0))
	if err != nil {
		return err
	}
	if err := expectAck(fr, CmdEndData); err != nil {
		return err
	}

	s.logger.Debug("uploaded %d bytes in %d chunks, %.0f B/s", len(data), total, tracker.Rate())
	return nil
}

// sendBypass locates and uploads the signature-bypass payload at the exec
// address. A payload that cannot be found is skipped silently; the device
// will enforce signatures as usual.
func (s *Session) sendBypass(ctx context.Context, img FdlImage) error {
	data, path, err := locateBypass(s.config.BypassPath, img.SourcePath, img.ExecAddr)
	if err != nil {
		return err
	}
	if data == nil {
		s.logger.Debug("no signature bypass payload found")
		return nil
	}
	s.logf("uploading signature bypass %s (%d bytes) at %#08x", path, len(data), img.ExecAddr)
	if err := s.uploadImage(ctx, img.ExecAddr, data); err != nil {
		return fmt.Errorf("signature bypass: %w", err)
	}
	return nil
}

// afterFdl1Exec reconfigures the codec for the running FDL1 and drives the
// recovery loop until the device answers again.
func (s *Session) afterFdl1Exec(ctx context.Context) error {
	s.codec.SetMode(ChecksumSprd)
	s.chunkSize = chunkSizeFdl2

	if err := s.recoverAfterFdl1(ctx); err != nil {
		s.setState(StateError)
		return err
	}
	s.setStage(StageFdl1)
	s.logf("FDL1 running")
	return nil
}

// afterFdl2Exec validates the FDL2 start response and negotiates transcode
// off. DISABLE_TRANSCODE is always attempted; stage advances only when the
// device either acknowledged it or declared it unsupported.
func (s *Session) afterFdl2Exec(ctx context.Context, execFr *Frame, execErr error) error {
	if execErr != nil {
		return fmt.Errorf("FDL2 exec: %w", execErr)
	}
	if execFr.Command != RepAck && execFr.Command != RepIncompatiblePartition {
		return NewCommandError(ErrUnexpectedResponse, "FDL2 did not start",
			CmdExecData, int(execFr.Command))
	}
	if execFr.Command == RepIncompatiblePartition {
		s.logf("FDL2 reports an incompatible partition table; continuing")
	}

	fr, err := s.ex.request(ctx, CmdDisableTranscode, nil, s.exchangeOpts(0))
	if err != nil {
		return fmt.Errorf("disable transcode: %w", err)
	}
	switch {
	case fr.Command == RepAck:
		s.codec.SetTranscode(false)
		s.logger.Debug("transcoding disabled")
	case isUnsupported(fr.Command):
		s.logger.Debug("device keeps transcoding (%s)", CommandName(fr.Command))
	default:
		return NewCommandError(ErrUnexpectedResponse, "disable transcode rejected",
			CmdDisableTranscode, int(fr.Command))
	}

	s.setStage(StageFdl2)
	s.logf("FDL2 running")
	return nil
}

// WritePartition writes data to the named partition. Requires StageFdl2.
//
// With Config.AllowChunkSkip set, up to two consecutive undeliverable
// chunks are skipped best-effort; a third aborts. The default is strict:
// the first exhausted chunk aborts the write.
func (s *Session) WritePartition(ctx context.Context, name string, data []byte) error {
	ctx = s.opCtx(ctx)
	if err := s.requireStage(StageFdl2, "WritePartition"); err != nil {
		return err
	}

	start, err := encodeNameSize(name, uint64(len(data)))
	if err != nil {
		return err
	}
	fr, err := s.ex.request(ctx, CmdStartData, start, s.exchangeOpts(0))
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := expectAck(fr, CmdStartData); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	total := (len(data) + s.chunkSize - 1) / s.chunkSize
	tracker := NewProgressTracker(s.callbacks.OnProgress)
	tracker.Start(total)

	skipped := 0
	consecFails := 0
	for off := 0; off < len(data); off += s.chunkSize {
		end := min(off+s.chunkSize, len(data))
		index := off/s.chunkSize + 1

		fr, err := s.ex.request(ctx, CmdMidstData, data[off:end], s.exchangeOpts(0))
		chunkErr := err
		if chunkErr == nil {
			chunkErr = expectAck(fr, CmdMidstData)
		}

		if chunkErr != nil {
			if IsCancelled(chunkErr) || isTransportErr(chunkErr) {
				return chunkErr
			}
			if !s.config.AllowChunkSkip {
				return fmt.Errorf("write %s chunk %d/%d: %w", name, index, total, chunkErr)
			}
			consecFails++
			if consecFails > maxWriteChunkSkips {
				return fmt.Errorf("write %s: aborted after %d consecutive chunk failures: %w",
					name, consecFails, chunkErr)
			}
			skipped++
			s.logf("write %s: skipping chunk %d/%d: %v", name, index, total, chunkErr)
			tracker.Step(0)
			continue
		}

		consecFails = 0
		tracker.Step(end - off)
	}

	fr, err = s.ex.request(ctx, CmdEndData, nil, s.exchangeOpts(0))
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := expectAck(fr, CmdEndData); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	if skipped > 0 {
		s.logf("write %s: finished with %d skipped chunks", name, skipped)
	} else {
		s.logf("wrote %s: %d bytes, %.0f B/s", name, len(data), tracker.Rate())
	}
	return nil
}

// ReadPartition reads size bytes of the named partition. Requires
// StageFdl2. READ_END is issued unconditionally on exit, success or
// failure, so the device never stays mid-exchange.
func (s *Session) ReadPartition(ctx context.Context, name string, size uint64) ([]byte, error) {
	ctx = s.opCtx(ctx)
	if err := s.requireStage(StageFdl2, "ReadPartition"); err != nil {
		return nil, err
	}

	start, err := encodeNameSize(name, size)
	if err != nil {
		return nil, err
	}
	fr, err := s.ex.request(ctx, CmdReadStart, start, s.exchangeOpts(0))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if err := expectAck(fr, CmdReadStart); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	out := make([]byte, 0, size)
	wide := size >= 1<<32
	readErr := func() error {
		total := int((size + uint64(s.chunkSize) - 1) / uint64(s.chunkSize))
		tracker := NewProgressTracker(s.callbacks.OnProgress)
		tracker.Start(total)

		consecFails := 0
		for off := uint64(0); off < size; {
			n := min(uint64(s.chunkSize), size-off)
			req := binary.LittleEndian.AppendUint32(nil, uint32(n))
			if wide {
				req = binary.LittleEndian.AppendUint64(req, off)
			} else {
				req = binary.LittleEndian.AppendUint32(req, uint32(off))
			}

			fr, err := s.ex.request(ctx, CmdReadMidst, req, s.exchangeOpts(0))
			if err != nil {
				if IsCancelled(err) || isTransportErr(err) {
					return err
				}
			} else if fr.Command != RepReadFlash || len(fr.Payload) == 0 {
				err = NewCommandError(ErrUnexpectedResponse, "no data for read chunk",
					CmdReadMidst, int(fr.Command))
			}

			if err != nil {
				consecFails++
				if consecFails >= maxReadChunkFailures {
					return fmt.Errorf("read %s at offset %d: %w", name, off, err)
				}
				continue
			}

			consecFails = 0
			out = append(out, fr.Payload...)
			off += uint64(len(fr.Payload))
			tracker.Step(len(fr.Payload))
		}
		return nil
	}()

	s.readEnd()

	if readErr != nil {
		return nil, readErr
	}
	return out, nil
}

// readEnd issues the READ_END cleanup exchange on a fresh context so it
// still runs when the triggering operation was cancelled.
func (s *Session) readEnd() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.CommandTimeout)
	defer cancel()
	if fr, err := s.ex.request(ctx, CmdReadEnd, nil, s.exchangeOnce(0)); err != nil {
		s.logger.Debug("READ_END: %v", err)
	} else if fr.Command != RepAck {
		s.logger.Debug("READ_END answered %s", CommandName(fr.Command))
	}
}

// ErasePartition erases the named partition. Requires StageFdl2. Erase can
// take tens of seconds, so the exchange runs under the extended timeout.
func (s *Session) ErasePartition(ctx context.Context, name string) error {
	ctx = s.opCtx(ctx)
	if err := s.requireStage(StageFdl2, "ErasePartition"); err != nil {
		return err
	}

	payload, err := encodeNameSize(name, 0)
	if err != nil {
		return err
	}
	fr, err := s.ex.request(ctx, CmdEraseFlash, payload,
		exchangeOptions{timeout: s.config.EraseTimeout, retries: 0})
	if err != nil {
		return fmt.Errorf("erase %s: %w", name, err)
	}
	if err := expectAck(fr, CmdEraseFlash); err != nil {
		return fmt.Errorf("erase %s: %w", name, err)
	}
	s.logf("erased %s", name)
	return nil
}

// ReadPartitionTable queries the partition layout. Requires StageFdl2.
//
// The structured READ_PARTITION command is tried first. Devices that do not
// implement it are probed by traversal: a short priority list first (the
// whole fallback is abandoned after five consecutive probe timeouts), then
// a larger static list where individual failures are tolerated. Traversal
// discovers names but not sizes.
func (s *Session) ReadPartitionTable(ctx context.Context) ([]PartitionDescriptor, error) {
	ctx = s.opCtx(ctx)
	if err := s.requireStage(StageFdl2, "ReadPartitionTable"); err != nil {
		return nil, err
	}

	fr, err := s.ex.request(ctx, CmdReadPartition, nil, s.exchangeOpts(0))
	if err != nil {
		return nil, fmt.Errorf("read partition table: %w", err)
	}
	switch {
	case fr.Command == RepReadFlash:
		return parsePartitionRecords(fr.Payload)
	case isUnsupported(fr.Command):
		s.logf("device has no structured partition table, probing known names")
	default:
		return nil, NewCommandError(ErrUnexpectedResponse, "partition table query rejected",
			CmdReadPartition, int(fr.Command))
	}

	var parts []PartitionDescriptor
	consecTimeouts := 0
	for _, name := range priorityPartitions {
		exists, err := s.probePartition(ctx, name)
		if err != nil {
			if IsCancelled(err) || isTransportErr(err) {
				return nil, err
			}
			if IsTimeout(err) {
				consecTimeouts++
				if consecTimeouts >= maxProbeTimeouts {
					return nil, NewError(ErrOperationTimeout,
						"device does not answer partition probes")
				}
			}
			continue
		}
		consecTimeouts = 0
		if exists {
			parts = append(parts, PartitionDescriptor{Name: name})
		}
	}

	for _, name := range knownPartitions {
		exists, err := s.probePartition(ctx, name)
		if err != nil {
			if IsCancelled(err) || isTransportErr(err) {
				return nil, err
			}
			continue
		}
		if exists {
			parts = append(parts, PartitionDescriptor{Name: name})
		}
	}

	return parts, nil
}

// CheckPartitionExist probes for a partition by name. Requires StageFdl2.
func (s *Session) CheckPartitionExist(ctx context.Context, name string) (bool, error) {
	ctx = s.opCtx(ctx)
	if err := s.requireStage(StageFdl2, "CheckPartitionExist"); err != nil {
		return false, err
	}
	return s.probePartition(ctx, name)
}

// probePartition runs the READ_START(8) / READ_MIDST(8,0) / READ_END probe.
// The partition exists only if READ_MIDST returned data. READ_END always
// runs, including on failure paths.
func (s *Session) probePartition(ctx context.Context, name string) (bool, error) {
	start, err := encodeNameSize(name, 8)
	if err != nil {
		return false, err
	}

	exists := false
	probeErr := func() error {
		fr, err := s.ex.request(ctx, CmdReadStart, start, s.exchangeOnce(0))
		if err != nil {
			return err
		}
		if fr.Command != RepAck {
			return nil // negative answer: not an error, just absent
		}

		req := binary.LittleEndian.AppendUint32(nil, 8)
		req = binary.LittleEndian.AppendUint32(req, 0)
		mfr, err := s.ex.request(ctx, CmdReadMidst, req, s.exchangeOnce(0))
		if err != nil {
			return err
		}
		exists = mfr.Command == RepReadFlash && len(mfr.Payload) > 0
		return nil
	}()

	s.readEnd()
	return exists, probeErr
}

// ReadNvItem reads one NV item. Requires StageFdl2.
func (s *Session) ReadNvItem(ctx context.Context, id, size uint32) ([]byte, error) {
	ctx = s.opCtx(ctx)
	if err := s.requireStage(StageFdl2, "ReadNvItem"); err != nil {
		return nil, err
	}
	req := binary.LittleEndian.AppendUint32(nil, id)
	req = binary.LittleEndian.AppendUint32(req, size)
	fr, err := s.ex.request(ctx, CmdReadNvItem, req, s.exchangeOpts(0))
	if err != nil {
		return nil, fmt.Errorf("read nv item %d: %w", id, err)
	}
	if fr.Command != RepReadFlash {
		return nil, NewCommandError(ErrUnexpectedResponse, "nv read rejected",
			CmdReadNvItem, int(fr.Command))
	}
	return fr.Payload, nil
}

// WriteNvItem writes one NV item. Requires StageFdl2.
func (s *Session) WriteNvItem(ctx context.Context, id uint32, data []byte) error {
	ctx = s.opCtx(ctx)
	if err := s.requireStage(StageFdl2, "WriteNvItem"); err != nil {
		return err
	}
	req := binary.LittleEndian.AppendUint32(nil, id)
	req = append(req, data...)
	fr, err := s.ex.request(ctx, CmdWriteNvItem, req, s.exchangeOpts(0))
	if err != nil {
		return fmt.Errorf("write nv item %d: %w", id, err)
	}
	return expectAck(fr, CmdWriteNvItem)
}

// ReadEfuse reads one eFuse block.
func (s *Session) ReadEfuse(ctx context.Context, block uint32) ([]byte, error) {
	ctx = s.opCtx(ctx)
	req := binary.LittleEndian.AppendUint32(nil, block)
	fr, err := s.ex.request(ctx, CmdReadEfuse, req, s.exchangeOpts(0))
	if err != nil {
		return nil, fmt.Errorf("read efuse block %d: %w", block, err)
	}
	if fr.Command != RepReadFlash {
		return nil, NewCommandError(ErrUnexpectedResponse, "efuse read rejected",
			CmdReadEfuse, int(fr.Command))
	}
	return fr.Payload, nil
}

// ReadPublicKey reads the device's public-key blob.
func (s *Session) ReadPublicKey(ctx context.Context) ([]byte, error) {
	ctx = s.opCtx(ctx)
	fr, err := s.ex.request(ctx, CmdReadPublicKey, nil, s.exchangeOpts(0))
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	if fr.Command != RepReadFlash {
		return nil, NewCommandError(ErrUnexpectedResponse, "public key read rejected",
			CmdReadPublicKey, int(fr.Command))
	}
	return fr.Payload, nil
}

// SendSignature transmits an externally produced signature blob.
func (s *Session) SendSignature(ctx context.Context, sig []byte) error {
	ctx = s.opCtx(ctx)
	fr, err := s.ex.request(ctx, CmdSendSignature, sig, s.exchangeOpts(0))
	if err != nil {
		return fmt.Errorf("send signature: %w", err)
	}
	return expectAck(fr, CmdSendSignature)
}

// SetBaud negotiates a new line speed with the device, then reconfigures
// the transport to match.
func (s *Session) SetBaud(ctx context.Context, baud int) error {
	ctx = s.opCtx(ctx)
	req := binary.BigEndian.AppendUint32(nil, uint32(baud))
	fr, err := s.ex.request(ctx, CmdChangeBaud, req, s.exchangeOpts(0))
	if err != nil {
		return fmt.Errorf("set baud %d: %w", baud, err)
	}
	if err := expectAck(fr, CmdChangeBaud); err != nil {
		return err
	}
	if err := s.transport.SetBaudRate(baud); err != nil {
		return NewError(ErrTransportUnavailable, err.Error())
	}
	s.logf("line speed now %d", baud)
	return nil
}

// CheckBaud sends a bare sync byte and returns the version string the
// device answers with, verifying the line is usable at the current speed.
func (s *Session) CheckBaud(ctx context.Context) (string, error) {
	ctx = s.opCtx(ctx)
	fr, err := s.ex.rawExchange(ctx, []byte{FlagByte}, s.config.HandshakeTimeout)
	if err != nil {
		return "", fmt.Errorf("check baud: %w", err)
	}
	if fr.Command != RepVer {
		return "", NewCommandError(ErrUnexpectedResponse, "no version for sync byte",
			FlagByte, int(fr.Command))
	}
	return decodeVersion(fr.Payload), nil
}

// Repartition rewrites the partition table. Requires StageFdl2. Destroys
// data; runs under the extended timeout.
func (s *Session) Repartition(ctx context.Context, parts []PartitionDescriptor) error {
	ctx = s.opCtx(ctx)
	if err := s.requireStage(StageFdl2, "Repartition"); err != nil {
		return err
	}
	records, err := buildPartitionRecords(parts)
	if err != nil {
		return err
	}
	fr, err := s.ex.request(ctx, CmdRepartition, records,
		exchangeOptions{timeout: s.config.RepartitionTimeout, retries: 0})
	if err != nil {
		return fmt.Errorf("repartition: %w", err)
	}
	if err := expectAck(fr, CmdRepartition); err != nil {
		return err
	}
	s.logf("repartitioned: %d entries", len(parts))
	return nil
}

// ReadFlashInfo queries the flash device descriptor. Requires StageFdl2.
func (s *Session) ReadFlashInfo(ctx context.Context) (*FlashDescriptor, error) {
	ctx = s.opCtx(ctx)
	if err := s.requireStage(StageFdl2, "ReadFlashInfo"); err != nil {
		return nil, err
	}
	fr, err := s.ex.request(ctx, CmdReadFlashInfo, nil, s.exchangeOpts(0))
	if err != nil {
		return nil, fmt.Errorf("read flash info: %w", err)
	}
	if fr.Command != RepReadFlash {
		return nil, NewCommandError(ErrUnexpectedResponse, "flash info rejected",
			CmdReadFlashInfo, int(fr.Command))
	}
	return parseFlashDescriptor(fr.Payload)
}

// ReadChipType queries the chip identifier.
func (s *Session) ReadChipType(ctx context.Context) (uint32, error) {
	ctx = s.opCtx(ctx)
	fr, err := s.ex.request(ctx, CmdReadChipType, nil, s.exchangeOpts(0))
	if err != nil {
		return 0, fmt.Errorf("read chip type: %w", err)
	}
	if fr.Command != RepReadChipType && fr.Command != RepReadFlash {
		return 0, NewCommandError(ErrUnexpectedResponse, "chip type rejected",
			CmdReadChipType, int(fr.Command))
	}
	if len(fr.Payload) < 4 {
		return 0, NewError(ErrFrameMalformed, "chip type payload too short")
	}
	return binary.LittleEndian.Uint32(fr.Payload), nil
}

// KeepCharge asks the loader to keep charging the battery during the
// session. Devices without the command are fine without it.
func (s *Session) KeepCharge(ctx context.Context) error {
	ctx = s.opCtx(ctx)
	fr, err := s.ex.request(ctx, CmdKeepCharge, nil, s.exchangeOpts(0))
	if err != nil {
		return fmt.Errorf("keep charge: %w", err)
	}
	if isUnsupported(fr.Command) {
		return nil
	}
	return expectAck(fr, CmdKeepCharge)
}

// Reset reboots the device out of download mode. The device usually drops
// the link before acknowledging, so a missing response is success.
func (s *Session) Reset(ctx context.Context) error {
	return s.finalCommand(ctx, CmdNormalReset, "reset")
}

// PowerOff powers the device down. Like Reset, a missing response is
// accepted.
func (s *Session) PowerOff(ctx context.Context) error {
	return s.finalCommand(ctx, CmdPowerOff, "power off")
}

func (s *Session) finalCommand(ctx context.Context, command byte, what string) error {
	ctx = s.opCtx(ctx)
	fr, err := s.ex.request(ctx, command, nil, s.exchangeOnce(0))
	if err != nil && !IsTimeout(err) {
		return fmt.Errorf("%s: %w", what, err)
	}
	if err == nil {
		if ackErr := expectAck(fr, command); ackErr != nil {
			return fmt.Errorf("%s: %w", what, ackErr)
		}
	}
	s.setStage(StageNone)
	s.setState(StateDisconnected)
	s.logf("device %s", what)
	return nil
}

// Close disposes of the session: any in-flight exchange is waited for under
// a bounded timeout, buffered bytes are discarded, and the transport is
// closed. The stage resets to StageNone.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if !s.ex.dispose(s.config.DisposeTimeout) {
		s.logger.Error("closing with an exchange still in flight")
	}
	err := s.transport.Close()

	s.setStage(StageNone)
	s.setState(StateDisconnected)
	return err
}

// --- helpers ---

func (s *Session) opCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return s.ctx
	}
	return ctx
}

func (s *Session) exchangeOpts(timeout time.Duration) exchangeOptions {
	if timeout == 0 {
		timeout = s.config.CommandTimeout
	}
	return exchangeOptions{timeout: timeout, retries: s.config.CommandRetries}
}

func (s *Session) exchangeOnce(timeout time.Duration) exchangeOptions {
	if timeout == 0 {
		timeout = s.config.CommandTimeout
	}
	return exchangeOptions{timeout: timeout, retries: 0}
}

func (s *Session) requireStage(stage Stage, op string) error {
	if s.stage != stage {
		return NewError(ErrStagePrecondition,
			fmt.Sprintf("%s requires stage %s, session is at %s", op, stage, s.stage))
	}
	return nil
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.callbacks.OnStateChanged(s.state, s.stage)
}

func (s *Session) setStage(stage Stage) {
	if s.stage == stage {
		return
	}
	s.stage = stage
	s.callbacks.OnStateChanged(s.state, s.stage)
}

func (s *Session) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	s.logger.Info("%s", line)
	s.callbacks.OnLog(line)
}

func expectAck(fr *Frame, command byte) error {
	if fr.Command == RepAck {
		return nil
	}
	return NewCommandError(ErrUnexpectedResponse, "device rejected command",
		command, int(fr.Command))
}

// decodeVersion turns a version payload into a printable string. BROM and
// FDL version strings are zero-terminated ASCII.
func decodeVersion(p []byte) string {
	end := len(p)
	for i, b := range p {
		if b == 0 {
			end = i
			break
		}
	}
	return strings.TrimSpace(string(p[:end]))
}

// looksLikeFdl reports whether a version string was produced by a running
// FDL rather than the boot ROM.
func looksLikeFdl(version string) bool {
	v := strings.ToLower(version)
	return strings.Contains(v, "fdl") || strings.Contains(v, "autod")
}
