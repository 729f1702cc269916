// Package ptyio provides a ring-buffered async PTY master wrapper for
// bridging a single byte stream (e.g. one BLE characteristic's
// notification/write traffic) to a pseudo-terminal, without blocking the
// caller on kernel I/O readiness.
//
// Usage:
//
//	pty, err := ptyio.NewPtyWithOptions(&ptyio.PTYOptions{
//	    ReadCap:  64 * 1024,
//	    WriteCap: 64 * 1024,
//	    Logger:   logger,
//	})
//	// pty.TTYName() -> "/dev/pts/X"
//	pty.SetReadCallback(func(data []byte) { /* bytes arriving from the slave */ })
//	n, err := pty.Write(data) // non-blocking, may drop if the ring is full
//
// PollTimeoutMs controls how long the read/write loops block in poll(2)
// before re-checking context cancellation; it trades shutdown latency
// against idle CPU usage. The default (50ms) suits a background bridge;
// lower it for interactive use, raise it for batch/low-priority streams.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blegate/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrorCallback is invoked when a critical error occurs in read/write loops.
// This callback is called from background goroutines, so implementations must be thread-safe.
// The PTY remains in a degraded state after the error - Close() should be called.
type ErrorCallback func(err error)

// ReadCallback is invoked when data arrives from the PTY slave (background goroutine).
// Implementations must be thread-safe and must not retain the data slice (copy if needed).
// Panics are recovered and logged, but will unregister the callback to prevent repeated failures.
type ReadCallback func(data []byte)

// PTYOptions configures PTY creation with fine-grained control over behavior.
// A zero PollTimeoutMs uses DefaultPollTimeoutMs and a nil Logger discards
// output; ReadCap and WriteCap have no default and size the ring buffers as given.
type PTYOptions struct {
	ReadCap       int            // Ring buffer capacity for data read from PTY (bytes from slave)
	WriteCap      int            // Ring buffer capacity for data written to PTY (bytes to slave)
	Logger        *logrus.Logger // Optional logger (nil = no-op logger)
	OnError       ErrorCallback  // Optional callback for critical loop failures
	PollTimeoutMs int            // Poll timeout in milliseconds (0 = use DefaultPollTimeoutMs)
}

// PTY provides a non-blocking, callback-driven interface to one
// pseudo-terminal device: bytes written are queued for async delivery to
// the slave, and bytes arriving from the slave are delivered through
// SetReadCallback rather than a blocking Read.
type PTY interface {
	io.Writer
	io.Closer
	TTYName() string                 // path of a tty device, empty if unknown
	SetReadCallback(cb ReadCallback) // set callback for async data arrival (nil to unregister)
}

const (
	// DefaultPollTimeoutMs is the default poll timeout in milliseconds for I/O operations.
	// This affects shutdown latency (max delay before goroutines detect context cancellation)
	// and CPU usage (shorter = more responsive but higher CPU usage when idle).
	// Exported so users can reference it when creating custom PTYOptions.
	DefaultPollTimeoutMs = 50
)

// noopLogger is a shared logger instance that discards all output.
// Used when no logger is provided to avoid allocating a new logger for each PTY.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// ringPTY implements PTY using ring buffers for non-blocking I/O.
// It wraps a PTY master/slave pair with background goroutines for async read/write,
// providing backpressure management via bounded ring buffers (bytes that do not fit are dropped).
type ringPTY struct {
	logger         *logrus.Logger
	tty            *os.File      // slave
	pty            *os.File      // master
	onError        ErrorCallback // optional callback for critical errors
	writeErrorOnce sync.Once     // ensures the write error callback is called at most once
	readErrorOnce  sync.Once     // ensures read error callback is called at most once
	pollTimeoutMs  int           // poll timeout in milliseconds

	writeBuf *ringbuffer.RingBuffer // bytes to write to PTY
	readBuf  *ringbuffer.RingBuffer // bytes read from PTY

	// internals
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// readCb stores ReadCallback (or nil to unregister)
	// INVARIANT: Must ONLY contain ReadCallback type or nil, never any other type
	// Violation will cause type assertion panic in dispatcher (recovered but logs error)
	readCb     atomic.Value
	readNotify chan struct{} // signals dispatcher that data is available

	closed uint32 // atomic boolean

	ttyName string

	// chunkPool reduces GC pressure in high-throughput callback scenarios
	// Slices are allocated once, reused across callbacks, returned to pool after use
	chunkPool sync.Pool
}

// NewPtyWithOptions creates a new PTY with full configuration control.
//
// Example usage with custom poll timeout:
//
//	pty, err := ptyio.NewPtyWithOptions(&ptyio.PTYOptions{
//	    ReadCap:       4096,
//	    WriteCap:      4096,
//	    Logger:        logger,
//	    PollTimeoutMs: 10, // Lower latency for interactive applications
//	    OnError: func(err error) {
//	        log.Printf("PTY error: %v", err)
//	    },
//	})
func NewPtyWithOptions(opts *PTYOptions) (PTY, error) {
	if opts == nil {
		return nil, fmt.Errorf("PTYOptions cannot be nil")
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Get slave device path (e.g., "/dev/pts/5") for external processes to open
	slaveName := slave.Name()

	// Apply defaults
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}

	pollTimeout := opts.PollTimeoutMs
	if pollTimeout == 0 {
		pollTimeout = DefaultPollTimeoutMs
	}

	p := &ringPTY{
		logger:        logger,
		pty:           master,
		tty:           slave, // keep slave open for PTY state
		ttyName:       slaveName,
		writeBuf:      ringbuffer.New(opts.WriteCap),
		readBuf:       ringbuffer.New(opts.ReadCap),
		ctx:           ctx,
		cancel:        cancel,
		onError:       opts.OnError,
		pollTimeoutMs: pollTimeout,
		readNotify:    make(chan struct{}, 1), // buffered so the signal never blocks
	}

	// start goroutines
	p.wg.Add(3)

	groutine.Go(ctx, "tty-read-loop", func(ctx context.Context) {
		p.ttyReadLoop()
	})

	groutine.Go(ctx, "tty-write-loop", func(ctx context.Context) {
		p.ttyWriteLoop()
	})

	groutine.Go(ctx, "tty-stdio-async-dispatcher", func(ctx context.Context) {
		p.ttyStdioAsyncDispatcher()
	})

	return p, nil
}

func (p *ringPTY) ttyWriteLoop() {
	// Defensive panic recovery ensures wg.Done() always executes
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("writeLoop panicked (recovered): %v", r)
		}
		p.wg.Done()
	}()

	// CRITICAL: Capture *os.File reference to prevent nil pointer dereference
	// Close() sets p.pty = nil, so we must not dereference p.pty after goroutine starts
	master := p.pty
	fd := int(master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096) // Write buffer for batching bytes from a ring

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		// Check if there's data to write
		if p.writeBuf.IsEmpty() {
			// No data, check context with timeout
			nReady, err := unix.Poll(pollFd, p.pollTimeoutMs)
			if err != nil && !errors.Is(err, syscall.EINTR) {
				p.logger.Warnf("writeLoop poll error: %v", err)
			}
			if nReady == 0 {
				continue // timeout, check context
			}
		}

		// Read bytes from the ring buffer (bulk operation)
		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.Warnf("writeLoop TryRead error: %v", err)
			continue
		}
		if n == 0 {
			continue // buffer empty
		}

		// Write collected bytes to PTY (use captured master reference)
		offset := 0
		for offset < n {
			written, err := master.Write(buf[offset:n])
			if written > 0 {
				offset += written
				p.logger.Debugf("[writeLoop] Wrote %d bytes to PTY master", written)
			}

			if err != nil {
				switch {
				case errors.Is(err, syscall.EINTR):
					continue
				case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
					// Wait until writable again
					if _, pollErr := unix.Poll(pollFd, p.pollTimeoutMs); pollErr != nil && !errors.Is(pollErr, syscall.EINTR) {
						p.logger.Warnf("writeLoop poll error: %v", pollErr)
					}
					continue
				case errors.Is(err, syscall.EBADF):
					// FD closed — terminate loop (expected during Close())
					p.logger.Debug("writeLoop exiting: master FD closed")
					return
				default:
					// Critical error — notify caller and exit
					p.logger.Warnf("writeLoop exiting on error: %v", err)
					if p.onError != nil {
						p.writeErrorOnce.Do(func() {
							p.onError(fmt.Errorf("writeLoop critical error: %w", err))
						})
					}
					return
				}
			}
		}
	}
}

func (p *ringPTY) ttyReadLoop() {
	// Defensive panic recovery ensures wg.Done() always executes
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("readLoop panicked (recovered): %v", r)
		}
		p.wg.Done()
	}()

	p.logger.Infof("[TTY Read Loop] STARTING for slave %s", p.ttyName)

	// CRITICAL: Capture *os.File reference to prevent nil pointer dereference
	// Close() sets p.pty = nil, so we must not dereference p.pty after goroutine starts
	master := p.pty
	fd := int(master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096) // Read buffer for PTY reads

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		// Wait for readable data or timeout
		nReady, err := unix.Poll(pollFd, p.pollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.Warnf("readLoop poll error: %v", err)
			continue
		}
		if nReady == 0 {
			continue // timeout, check context
		}

		n, err := master.Read(buf)

		if n > 0 {
			// Write bytes to ring buffer (bulk operation)
			written, writeErr := p.readBuf.Write(buf[:n])
			if writeErr != nil && !errors.Is(writeErr, ringbuffer.ErrIsFull) {
				p.logger.Warnf("readLoop Write error: %v", writeErr)
				continue
			}

			// Warn about dropped bytes from PTY
			// Note: smallnest/ringbuffer.Write() returns how many bytes were actually written
			if written < n {
				dropped := n - written
				p.logger.Warnf("Read buffer overflow: dropped %d bytes from PTY (received %d, only buffered %d)",
					dropped, n, written)
			}

			// Notify the async dispatcher that data is available for read
			if written > 0 && p.readCb.Load() != nil {
				select {
				case p.readNotify <- struct{}{}:
				default:
					// signal already pending, don't block
				}
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
				continue
			case errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EBADF):
				// FD closed — exit immediately (expected during Close())
				p.logger.Debug("readLoop exiting: master FD closed")
				return
			case errors.Is(err, io.EOF):
				// EOF means slave side closed (expected if external process exits)
				p.logger.Debug("readLoop exiting: EOF")
				return
			default:
				// Critical error — notify caller and exit
				p.logger.Warnf("readLoop exiting on error: %v", err)
				if p.onError != nil {
					p.readErrorOnce.Do(func() {
						p.onError(fmt.Errorf("readLoop critical error: %w", err))
					})
				}
				return
			}
		}
	}
}

// Write queues data for async sending to the PTY slave.
// This is a NON-BLOCKING write that always returns immediately.
//
// Behavior:
//   - Data bytes are enqueued to the ring buffer for background transmission
//   - If the buffer fills, only the bytes that fit are queued and the rest of
//     data is dropped; bytes already queued are kept
//   - Caller should check the returned byte count to detect buffer overflow
//
// Return values:
//   - (n, nil) where n = bytes queued: Successfully queued n bytes (may be < len(data))
//   - (0, os.ErrClosed): PTY has been closed
func (p *ringPTY) Write(data []byte) (int, error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	// Write bytes to ring buffer (bulk operation)
	written, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		p.logger.Warnf("Write error: %v", err)
		return 0, err
	}

	// Warn about dropped bytes
	// Note: smallnest/ringbuffer.Write() returns how many bytes were actually written
	if written < len(data) {
		dropped := len(data) - written
		p.logger.Warnf("Write buffer overflow: dropped %d bytes (tried to write %d, only queued %d)",
			dropped, len(data), written)
	}

	// Return actual bytes written (follows io.Writer contract)
	return written, nil
}

// Close shuts down goroutines and closes the master FD.
func (p *ringPTY) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}

	// 1. Cancel context to signal goroutines to exit
	p.cancel()

	// 2. Close FDs to unblock any I/O operations immediately with EBADF
	//    Note: os.File.Close() always closes the FD even if it returns an error.
	//    CRITICAL: Do NOT set p.pty = nil here. Goroutines have captured local
	//    references (master := p.pty); wait for them first, THEN nil the fields.
	if p.pty != nil {
		if err := p.pty.Close(); err != nil {
			p.logger.Warnf("failed to close PTY(ptyx): %v", err)
		}
	}

	if p.tty != nil {
		if err := p.tty.Close(); err != nil {
			p.logger.Warnf("failed to close PTY(tty): %v", err)
		}
	}

	// 3. Wait for goroutines to exit cleanly with timeout
	//    Goroutines will exit via context cancellation (checked every poll timeout)
	//    or EBADF from closed FDs.
	done := make(chan struct{})

	groutine.Go(context.Background(), "pty-wait-close", func(ctx context.Context) {
		p.wg.Wait()
		close(done)
	})

	// Wait with timeout: 3 goroutines * pollTimeout + 1s safety margin, at least 5s
	timeout := time.Duration(p.pollTimeoutMs)*time.Millisecond*3 + time.Second
	if timeout < 5*time.Second {
		timeout = 5 * time.Second // Minimum 5s timeout
	}

	select {
	case <-done:
		// All goroutines exited cleanly
	case <-time.After(timeout):
		// Goroutines are blocked in poll() or a callback; they will exit within
		// pollTimeoutMs of the FD close/context cancel above and are left to
		// self-terminate rather than block Close() indefinitely.
		maxAdditionalWait := time.Duration(p.pollTimeoutMs) * time.Millisecond
		p.logger.Errorf("Close() timed out after %v waiting for goroutines to exit. "+
			"Goroutines will self-terminate within %v (pollTimeout). PTY=%s.",
			timeout, maxAdditionalWait, p.ttyName)
	}

	// 4. Goroutines have exited (or timed out and are orphaned)
	//    Safe to nil out file references now
	p.pty = nil
	p.tty = nil

	return nil
}

// TTYName returns the filesystem path to the slave (e.g., "/dev/pts/5").
func (p *ringPTY) TTYName() string {
	return p.ttyName
}

// createPTY creates a pseudo-terminal and configures it for raw mode.
func createPTY() (master *os.File, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		// Enhance an error message for common permission/resource issues
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	// Set PTY slave to raw mode for proper terminal behavior
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		ptyPath := slave.Name()

		// Cleanup FDs - collect any errors to include in the returned error
		var cleanupErrs []error
		if closeErr := master.Close(); closeErr != nil {
			cleanupErrs = append(cleanupErrs, fmt.Errorf("close PTY(ptyx): %w", closeErr))
		}
		if closeErr := slave.Close(); closeErr != nil {
			cleanupErrs = append(cleanupErrs, fmt.Errorf("close PTY(tty): %w", closeErr))
		}

		// Build error message including cleanup failures
		if len(cleanupErrs) > 0 {
			return nil, nil, fmt.Errorf("failed to set PTY(tty) %s to raw mode: %w (cleanup errors: %v)", ptyPath, err, cleanupErrs)
		}
		return nil, nil, fmt.Errorf("failed to set PTY(tty) %s to raw mode: %w", ptyPath, err)
	}

	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		ptyPath := slave.Name()

		// Cleanup FDs - collect any errors to include in the returned error
		var cleanupErrs []error
		if closeErr := master.Close(); closeErr != nil {
			cleanupErrs = append(cleanupErrs, fmt.Errorf("close PTY(ptyx): %w", closeErr))
		}
		if closeErr := slave.Close(); closeErr != nil {
			cleanupErrs = append(cleanupErrs, fmt.Errorf("close PTY(tty): %w", closeErr))
		}

		// Build error message including cleanup failures
		if len(cleanupErrs) > 0 {
			return nil, nil, fmt.Errorf("failed to set PTY(ptyx) %s to nonblocking mode: %w (cleanup errors: %v)", ptyPath, err, cleanupErrs)
		}
		return nil, nil, fmt.Errorf("failed to set PTY(ptyx) %s to nonblocking mode: %w", ptyPath, err)
	}

	return master, slave, nil
}

// SetReadCallback sets or clears the callback for data arrival notifications.
// Pass nil to unregister the callback and stop notifications.
// The callback is invoked from a background goroutine and must be thread-safe.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	// Guard against calls after Close() - dispatcher goroutine is dead so no-op
	if atomic.LoadUint32(&p.closed) == 1 {
		return
	}

	// Store new callback atomically (atomic.Value provides linearizable semantics)
	p.readCb.Store(cb)

	// Wake up dispatcher to process with new callback; if a notification is
	// already pending, the dispatcher reloads the callback on its next
	// iteration anyway, so the miss here is harmless.
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

func (p *ringPTY) ttyStdioAsyncDispatcher() {
	// Defensive panic recovery ensures wg.Done() always executes
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("dispatcher panicked (recovered): %v", r)
		}
		p.wg.Done()
	}()

	tmp := make([]byte, 4096)
	const maxChunksPerIteration = 16

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
			// Process all available data with callback protection
			for {
				// Check for cancellation before processing next batch
				select {
				case <-p.ctx.Done():
					return
				default:
				}

				cbIface := p.readCb.Load()
				if cbIface == nil {
					// No callback registered - drain notification and return to outer loop
					break
				}
				// Type assertion with safety check
				// INVARIANT: readCb must only contain ReadCallback or nil
				cb, ok := cbIface.(ReadCallback)
				if !ok {
					// Invariant violation - should never happen in production
					p.logger.Errorf("dispatcher: invalid type in readCb: %T (expected ReadCallback)", cbIface)
					p.readCb.Store(nil) // Clear invalid value
					break
				}

				chunksProcessed := 0
				for chunksProcessed < maxChunksPerIteration {
					// Check for cancellation during chunk processing
					select {
					case <-p.ctx.Done():
						return
					default:
					}

					n, err := p.readBuf.TryRead(tmp)
					if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
						break
					}

					// Get slice from pool (reduces GC pressure in high-throughput scenarios)
					var chunk []byte
					if pooled := p.chunkPool.Get(); pooled != nil {
						chunk = pooled.([]byte)
					}
					// Ensure capacity (pool may return smaller slices or nil)
					if cap(chunk) < n {
						chunk = make([]byte, n)
					} else {
						chunk = chunk[:n]
					}
					copy(chunk, tmp[:n])

					// Protect against callback panics to prevent goroutine death
					// If callback panics, unregister it and notify error handler
					panicked := false
					func() {
						defer func() {
							if r := recover(); r != nil {
								panicked = true
								p.logger.Errorf("ReadCallback panicked: %v", r)
								// Unregister broken callback to prevent repeated panics
								p.readCb.Store(nil)
								// Notify error handler about callback failure
								if p.onError != nil {
									p.readErrorOnce.Do(func() {
										p.onError(fmt.Errorf("read callback panic: %v", r))
									})
								}
							}
							// Return slice to pool (always, even if callback panicked)
							p.chunkPool.Put(chunk)
						}()
						cb(chunk)
					}()

					// Stop processing if callback panicked
					if panicked {
						break
					}

					chunksProcessed++
				}

				if p.readBuf.Length() == 0 || chunksProcessed == 0 {
					break
				}

				// Yield to scheduler before next batch
				runtime.Gosched()
			}
		}
	}
}
