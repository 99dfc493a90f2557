package fdl

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Frame is one decoded protocol message.
//
// On the wire a frame is laid out as
//
//	0x7E | subtype | command | length (u16 BE) | payload | checksum (u16 BE) | 0x7E
//
// with the body (everything between the flag bytes) escaped while the
// session is transcoding. The checksum covers subtype through payload.
type Frame struct {
	// Subtype is always 0 in this protocol generation.
	Subtype byte

	// Command is the command or response code.
	Command byte

	// Payload is the frame body after the length field.
	Payload []byte
}

// frameOverhead is the minimum unescaped body size: subtype, command,
// two length bytes, two checksum bytes.
const frameOverhead = 6

// Codec encodes and decodes frames for one session. It owns the per-session
// checksum mode and transcode switch, both of which change as the session
// advances through protocol stages.
//
// Codec is not safe for concurrent use; the session's single-flight exchange
// lock serializes access.
type Codec struct {
	mode      ChecksumMode
	transcode bool
	verify    bool
}

// NewCodec returns a codec in the boot ROM configuration: CRC16 checksums,
// transcoding on, checksum verification on.
func NewCodec() *Codec {
	return &Codec{
		mode:      ChecksumCRC16,
		transcode: true,
		verify:    true,
	}
}

// Mode returns the current checksum mode.
func (c *Codec) Mode() ChecksumMode { return c.mode }

// SetMode sets the checksum mode.
func (c *Codec) SetMode(mode ChecksumMode) { c.mode = mode }

// Transcode reports whether frame bodies are escaped.
func (c *Codec) Transcode() bool { return c.transcode }

// SetTranscode enables or disables body escaping. Disabled after FDL2
// acknowledges DISABLE_TRANSCODE.
func (c *Codec) SetTranscode(on bool) { c.transcode = on }

// SetVerify enables or disables checksum verification on parse. Some BROM
// builds emit inconsistent checksums; disabling verification is the
// compatibility escape hatch.
func (c *Codec) SetVerify(on bool) { c.verify = on }

// Build assembles a complete wire frame for the given command and payload.
func (c *Codec) Build(command byte, payload []byte) []byte {
	body := make([]byte, 0, frameOverhead+len(payload))
	body = append(body, 0, command)
	body = binary.BigEndian.AppendUint16(body, uint16(len(payload)))
	body = append(body, payload...)
	body = binary.BigEndian.AppendUint16(body, checksum(c.mode, body))

	if c.transcode {
		body = escape(body)
	}

	frame := make([]byte, 0, len(body)+2)
	frame = append(frame, FlagByte)
	frame = append(frame, body...)
	frame = append(frame, FlagByte)
	return frame
}

// Parse decodes a complete wire frame, including both flag bytes.
//
// When checksum verification is enabled and the configured algorithm fails,
// the alternate algorithm is tried; if it matches, the codec silently adopts
// it as the new mode. This is how the host follows the device across the
// CRC16 to word-sum switch without an explicit signal.
func (c *Codec) Parse(raw []byte) (*Frame, error) {
	if len(raw) < 2 || raw[0] != FlagByte || raw[len(raw)-1] != FlagByte {
		return nil, NewError(ErrFrameMalformed, "missing frame delimiter")
	}

	body := raw[1 : len(raw)-1]
	if c.transcode {
		var err error
		body, err = unescape(body)
		if err != nil {
			return nil, err
		}
	}

	if len(body) < frameOverhead {
		return nil, NewError(ErrFrameMalformed,
			fmt.Sprintf("frame body too short: %d bytes", len(body)))
	}

	declared := int(binary.BigEndian.Uint16(body[2:4]))
	if len(body) != frameOverhead+declared {
		return nil, NewError(ErrFrameMalformed,
			fmt.Sprintf("declared length %d does not match body size %d", declared, len(body)-frameOverhead))
	}

	covered := body[:4+declared]
	got := binary.BigEndian.Uint16(body[4+declared:])

	if c.verify {
		if checksum(c.mode, covered) != got {
			alt := c.mode.other()
			if checksum(alt, covered) != got {
				return nil, NewCommandError(ErrChecksumMismatch,
					fmt.Sprintf("checksum %#04x does not validate in either mode", got),
					body[1], -1)
			}
			c.mode = alt
		}
	}

	payload := make([]byte, declared)
	copy(payload, body[4:4+declared])

	return &Frame{
		Subtype: body[0],
		Command: body[1],
		Payload: payload,
	}, nil
}

// Extract scans buf for one complete wire frame. It returns the frame bytes
// (including delimiters), the unconsumed remainder, and whether a frame was
// found. Garbage before the first flag byte is discarded.
//
// While transcoding is on, a frame ends at the first flag byte after a
// non-empty body: flag bytes cannot occur inside an escaped body. With
// transcoding off the payload may contain flag bytes, so the frame length
// is taken from the header instead.
func (c *Codec) Extract(buf []byte) (frame, rest []byte, ok bool) {
	start := bytes.IndexByte(buf, FlagByte)
	if start < 0 {
		return nil, nil, false
	}
	// collapse adjacent delimiters between frames
	for start+1 < len(buf) && buf[start+1] == FlagByte {
		start++
	}

	if c.transcode {
		for j := start + 1; j < len(buf); j++ {
			if buf[j] == FlagByte {
				return buf[start : j+1], buf[j+1:], true
			}
		}
		return nil, buf[start:], false
	}

	// length-based framing: need subtype, command and the length field
	if len(buf) < start+5 {
		return nil, buf[start:], false
	}
	declared := int(binary.BigEndian.Uint16(buf[start+3 : start+5]))
	total := 1 + frameOverhead + declared + 1
	if len(buf) < start+total {
		return nil, buf[start:], false
	}
	return buf[start : start+total], buf[start+total:], true
}

// escape applies the 0x7D discipline to a frame body: every flag or escape
// byte is replaced by EscapeByte followed by the byte XOR EscapeXor.
func escape(body []byte) []byte {
	out := make([]byte, 0, len(body))
	for _, b := range body {
		if b == FlagByte || b == EscapeByte {
			out = append(out, EscapeByte, b^EscapeXor)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// unescape reverses escape. A trailing lone escape byte or an escape operand
// that does not decode to a reserved byte is malformed.
func unescape(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		if b != EscapeByte {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(body) {
			return nil, NewError(ErrFrameMalformed, "truncated escape sequence")
		}
		d := body[i] ^ EscapeXor
		if d != FlagByte && d != EscapeByte {
			return nil, NewError(ErrFrameMalformed,
				fmt.Sprintf("bad escape operand %#02x", body[i]))
		}
		out = append(out, d)
	}
	return out, nil
}
