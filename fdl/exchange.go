package fdl

import (
	"context"
	"time"
)

// exchanger wraps one request/response exchange with bounded retries, a
// single-flight lock over the transport, and cooperative cancellation.
//
// The protocol is strictly half-duplex: the lock guarantees that no two
// exchanges are ever in flight at once, and lock acquisition is itself
// bounded so a stuck operation fails the caller instead of deadlocking it.
type exchanger struct {
	transport Transport
	codec     *Codec
	logger    Logger

	lock         chan struct{}
	lockTimeout  time.Duration
	pollInterval time.Duration

	// pending holds raw bytes read from the transport that do not yet
	// form a complete frame.
	pending []byte
}

// exchangeOptions bounds a single exchange.
type exchangeOptions struct {
	timeout time.Duration
	retries int
}

func newExchanger(t Transport, codec *Codec, logger Logger, lockTimeout, pollInterval time.Duration) *exchanger {
	return &exchanger{
		transport:    t,
		codec:        codec,
		logger:       logger,
		lock:         make(chan struct{}, 1),
		lockTimeout:  lockTimeout,
		pollInterval: pollInterval,
	}
}

// acquire takes the single-flight lock, failing after the configured bound.
func (e *exchanger) acquire(ctx context.Context) error {
	timer := time.NewTimer(e.lockTimeout)
	defer timer.Stop()

	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return NewError(ErrCancelled, "cancelled waiting for transport lock")
	case <-timer.C:
		return NewError(ErrOperationTimeout, "transport busy")
	}
}

func (e *exchanger) release() {
	<-e.lock
}

// purge discards buffered input, both local and in the transport.
func (e *exchanger) purge() {
	e.pending = nil
	_ = e.transport.ResetBuffers()
}

// request performs one framed command exchange: build, write, poll for a
// complete response frame. A garbled or missing response is retried up to
// opt.retries additional times; each attempt rewrites the request. Transport
// failures and cancellation are not retried.
func (e *exchanger) request(ctx context.Context, command byte, payload []byte, opt exchangeOptions) (*Frame, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	var lastErr error
	for attempt := 0; attempt <= opt.retries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, NewCommandError(ErrCancelled, "exchange cancelled", command, -1)
		default:
		}

		if attempt > 0 {
			e.logger.Debug("retrying %s (attempt %d/%d): %v",
				CommandName(command), attempt+1, opt.retries+1, lastErr)
			e.purge()
		}

		// rebuilt per attempt: the checksum mode may have flipped
		raw := e.codec.Build(command, payload)
		if _, err := e.transport.Write(raw); err != nil {
			return nil, NewCommandError(ErrTransportUnavailable, err.Error(), command, -1)
		}

		fr, err := e.collect(ctx, time.Now().Add(opt.timeout))
		if err == nil {
			e.logger.Debug("%s -> %s (%d byte payload)",
				CommandName(command), CommandName(fr.Command), len(fr.Payload))
			return fr, nil
		}
		if IsCancelled(err) || isTransportErr(err) {
			return nil, err
		}
		lastErr = err
	}

	if fe, ok := lastErr.(*Error); ok && fe.Command < 0 {
		fe.Command = int(command)
	}
	return nil, lastErr
}

// rawExchange writes unframed bytes (handshake sync characters) and waits
// for one response frame. No retries; the caller owns the retry policy.
func (e *exchanger) rawExchange(ctx context.Context, raw []byte, timeout time.Duration) (*Frame, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	if _, err := e.transport.Write(raw); err != nil {
		return nil, NewError(ErrTransportUnavailable, err.Error())
	}
	return e.collect(ctx, time.Now().Add(timeout))
}

// collect polls the transport until a complete frame parses or the deadline
// passes. Polling is short-interval so cancellation is observed promptly;
// a cancelled collect reports ErrCancelled without consuming further input.
func (e *exchanger) collect(ctx context.Context, deadline time.Time) (*Frame, error) {
	tmp := make([]byte, 4096)
	for {
		if raw, rest, ok := e.codec.Extract(e.pending); ok {
			e.pending = append([]byte(nil), rest...)
			return e.codec.Parse(raw)
		} else {
			e.pending = rest
		}

		select {
		case <-ctx.Done():
			return nil, NewError(ErrCancelled, "read cancelled")
		default:
		}
		if time.Now().After(deadline) {
			return nil, NewError(ErrOperationTimeout, "no response from device")
		}

		n, err := e.transport.Read(tmp)
		if err != nil {
			return nil, NewError(ErrTransportUnavailable, err.Error())
		}
		if n > 0 {
			e.pending = append(e.pending, tmp[:n]...)
			continue
		}
		time.Sleep(e.pollInterval)
	}
}

// dispose cancels any outstanding wait for the lock by taking it under a
// bounded wait, then discards buffered input. Returns false if the lock
// could not be taken; the caller closes the transport regardless.
func (e *exchanger) dispose(bound time.Duration) bool {
	timer := time.NewTimer(bound)
	defer timer.Stop()

	select {
	case e.lock <- struct{}{}:
		e.purge()
		e.release()
		return true
	case <-timer.C:
		return false
	}
}

func isTransportErr(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrTransportUnavailable
	}
	return false
}
