package fdl

// Transport is the duplex byte channel a session runs over, typically a
// serial port in download mode.
//
// The session assumes no framed delivery: it writes raw bytes and polls for
// input. Read must be bounded by a short implementation timeout and return
// (0, nil) when nothing arrived, so that the caller can interleave
// cancellation checks between polls. Blocking reads would defeat the
// session's cooperative cancellation.
type Transport interface {
	// Open opens or reopens the channel.
	Open() error

	// Close closes the channel. Further reads and writes fail.
	Close() error

	// Write writes raw bytes to the device.
	Write(p []byte) (int, error)

	// Read reads whatever bytes are available, waiting at most a short
	// implementation-defined interval. No data within the interval is
	// (0, nil), not an error.
	Read(p []byte) (int, error)

	// BytesAvailable reports how many bytes can be read without waiting.
	BytesAvailable() (int, error)

	// SetBaudRate reconfigures the line speed without dropping the
	// connection state.
	SetBaudRate(baud int) error

	// ResetBuffers discards any buffered input and output.
	ResetBuffers() error
}
