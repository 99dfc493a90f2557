package fdl

import (
	"bytes"
	"context"
)

// recoveryAction is one escalation step in the post-FDL1 sync loop, keyed
// by the attempt index at which it fires.
type recoveryAction struct {
	attempt int
	name    string
	run     func(ctx context.Context, s *Session) error
}

// fdl1RecoveryActions is the escalation ladder for a device that fails to
// re-enumerate after FDL1 executes. The indices are load-bearing: reopening
// too early interrupts a device that is still rebooting, and the baud
// changes only help once the port itself is known good.
func fdl1RecoveryActions() []recoveryAction {
	return []recoveryAction{
		{
			attempt: 3,
			name:    "reopen port",
			run: func(ctx context.Context, s *Session) error {
				if err := s.transport.Close(); err != nil {
					return err
				}
				return s.transport.Open()
			},
		},
		{
			attempt: 8,
			name:    "raise baud",
			run: func(ctx context.Context, s *Session) error {
				return s.transport.SetBaudRate(s.config.HighBaudRate)
			},
		},
		{
			attempt: 13,
			name:    "revert baud, force crc16",
			run: func(ctx context.Context, s *Session) error {
				s.codec.SetMode(ChecksumCRC16)
				return s.transport.SetBaudRate(s.config.BaudRate)
			},
		},
	}
}

// recoverAfterFdl1 drives the sync loop that reacquires the device after
// FDL1 starts executing. Success is a version response (optionally followed
// by a CONNECT/ACK round-trip) or a bare ACK. Failure after the attempt
// budget is reported to the caller and not retried further.
func (s *Session) recoverAfterFdl1(ctx context.Context) error {
	actions := fdl1RecoveryActions()
	burst := bytes.Repeat([]byte{FlagByte}, syncBurstLen)

	for attempt := 1; attempt <= fdl1SyncAttempts; attempt++ {
		for _, a := range actions {
			if a.attempt != attempt {
				continue
			}
			s.logf("fdl1 sync attempt %d: %s", attempt, a.name)
			if err := a.run(ctx, s); err != nil {
				s.logger.Error("recovery action %q: %v", a.name, err)
			}
		}

		fr, err := s.ex.rawExchange(ctx, burst, s.config.HandshakeTimeout)
		if err != nil {
			if IsCancelled(err) {
				return err
			}
			s.logger.Debug("fdl1 sync attempt %d/%d: %v", attempt, fdl1SyncAttempts, err)
			continue
		}

		switch fr.Command {
		case RepVer:
			s.version = decodeVersion(fr.Payload)
			s.logf("FDL1 answered: %s", s.version)
			// confirm with a CONNECT round-trip; an unresponsive
			// CONNECT here is tolerated, the version is proof enough
			if cfr, cerr := s.ex.request(ctx, CmdConnect, nil, s.exchangeOpts(0)); cerr == nil {
				if cfr.Command != RepAck {
					s.logger.Debug("post-sync CONNECT answered %s", CommandName(cfr.Command))
				}
			}
			return nil
		case RepAck:
			return nil
		default:
			s.logger.Debug("fdl1 sync attempt %d/%d: unexpected %s",
				attempt, fdl1SyncAttempts, CommandName(fr.Command))
		}
	}

	return NewError(ErrHandshakeFailed, "FDL1 did not come up after 20 sync attempts")
}
