//go:build unix

package ptybridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blectl/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const chunkSize = 4096

type ptyPort struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File // kept open so the slave path stays valid between clients
	path        string
	pollTimeout int // milliseconds
	onError     ErrorFunc
	inboundErr  sync.Once
	outboundErr sync.Once

	inbound  *ringbuffer.RingBuffer
	outbound *ringbuffer.RingBuffer

	receive  atomic.Pointer[ReceiveFunc]
	received chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	inboundTotal    atomic.Uint64
	outboundTotal   atomic.Uint64
	inboundDropped  atomic.Uint64
	outboundDropped atomic.Uint64
}

// Open creates a PTY pair in raw mode and starts its background loops
func Open(opts *PortOptions) (Port, error) {
	o := opts.withDefaults()

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ptyPort{
		logger:      o.Logger,
		master:      master,
		slave:       slave,
		path:        slave.Name(),
		pollTimeout: int(o.PollTimeout / time.Millisecond),
		onError:     o.OnError,
		inbound:     ringbuffer.New(o.InboundCap),
		outbound:    ringbuffer.New(o.OutboundCap),
		received:    make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	if p.pollTimeout <= 0 {
		p.pollTimeout = 1
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-inbound", func(context.Context) {
		defer p.wg.Done()
		p.inboundLoop()
	})
	groutine.Go(ctx, "pty-outbound", func(context.Context) {
		defer p.wg.Done()
		p.outboundLoop()
	})
	groutine.Go(ctx, "pty-deliver", func(context.Context) {
		defer p.wg.Done()
		p.deliverLoop()
	})

	p.logger.WithField("path", p.path).Info("PTY opened")
	return p, nil
}

func (p *ptyPort) Path() string {
	return p.path
}

// Write queues data for the slave. It never blocks; bytes that do not fit are dropped
// and n reports how many were queued.
func (p *ptyPort) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.outbound.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		dropped := len(data) - n
		p.outboundDropped.Add(uint64(dropped))
		p.logger.WithFields(logrus.Fields{
			"dropped": dropped,
			"queued":  n,
		}).Warn("PTY output buffer full")
	}
	return n, nil
}

func (p *ptyPort) OnReceive(fn ReceiveFunc) {
	if fn == nil {
		p.receive.Store(nil)
		return
	}
	p.receive.Store(&fn)
	p.signal()
}

func (p *ptyPort) Stats() Stats {
	return Stats{
		InboundQueued:   p.inbound.Length(),
		OutboundQueued:  p.outbound.Length(),
		InboundTotal:    p.inboundTotal.Load(),
		OutboundTotal:   p.outboundTotal.Load(),
		InboundDropped:  p.inboundDropped.Load(),
		OutboundDropped: p.outboundDropped.Load(),
	}
}

// Close stops the loops and closes both ends of the PTY
func (p *ptyPort) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	// closing the descriptors makes blocked reads and writes fail with EBADF
	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-close", func(context.Context) {
		p.wg.Wait()
		close(done)
	})

	timeout := 3*time.Duration(p.pollTimeout)*time.Millisecond + time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.WithField("path", p.path).Errorf("PTY loops did not stop within %v", timeout)
	}

	p.logger.WithField("path", p.path).Info("PTY closed")
	return errors.Join(errs...)
}

func (p *ptyPort) signal() {
	select {
	case p.received <- struct{}{}:
	default:
	}
}

func (p *ptyPort) fail(once *sync.Once, loop string, err error) {
	p.logger.WithError(err).Warnf("PTY %s loop stopped", loop)
	if p.onError != nil {
		once.Do(func() {
			p.onError(fmt.Errorf("pty %s: %w", loop, err))
		})
	}
}

// inboundLoop moves bytes typed into the slave into the inbound ring
func (p *ptyPort) inboundLoop() {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, chunkSize)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY inbound poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			queued, werr := p.inbound.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				p.logger.WithError(werr).Warn("PTY inbound buffer write failed")
			}
			if queued < n {
				p.inboundDropped.Add(uint64(n - queued))
				p.logger.WithField("dropped", n-queued).Warn("PTY input buffer full")
			}
			p.inboundTotal.Add(uint64(queued))
			if queued > 0 {
				p.signal()
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EIO):
			// no client has the slave open; wait for one
			p.sleep()
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return
		default:
			p.fail(&p.inboundErr, "inbound", err)
			return
		}
	}
}

// outboundLoop drains the outbound ring into the master
func (p *ptyPort) outboundLoop() {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, chunkSize)

	for p.ctx.Err() == nil {
		if p.outbound.IsEmpty() {
			p.sleep()
			continue
		}

		n, err := p.outbound.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("PTY outbound buffer read failed")
			continue
		}

		for off := 0; off < n; {
			written, err := p.master.Write(buf[off:n])
			if written > 0 {
				off += written
				p.outboundTotal.Add(uint64(written))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(fds, p.pollTimeout); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Debug("PTY outbound poll failed")
				}
				if p.ctx.Err() != nil {
					return
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				p.fail(&p.outboundErr, "outbound", err)
				return
			}
		}
	}
}

// deliverLoop hands inbound bytes to the receive callback
func (p *ptyPort) deliverLoop() {
	buf := make([]byte, chunkSize)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.received:
		}

		for p.ctx.Err() == nil {
			fn := p.receive.Load()
			if fn == nil {
				break
			}
			n, err := p.inbound.TryRead(buf)
			if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
				break
			}
			p.deliver(*fn, buf[:n])
		}
	}
}

func (p *ptyPort) deliver(fn ReceiveFunc, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.receive.Store(nil)
			p.logger.Errorf("PTY receive callback panicked: %v", r)
			p.fail(&p.inboundErr, "receive callback", fmt.Errorf("panic: %v", r))
		}
	}()
	fn(data)
}

func (p *ptyPort) sleep() {
	select {
	case <-p.ctx.Done():
	case <-time.After(time.Duration(p.pollTimeout) * time.Millisecond):
	}
}

// openRaw opens a PTY pair with the slave in raw mode and a non-blocking master
func openRaw() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) error {
		return errors.Join(cause, master.Close(), slave.Close())
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set PTY %s to raw mode: %w", slave.Name(), err))
	}
	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set PTY master nonblocking: %w", err))
	}
	return master, slave, nil
}
