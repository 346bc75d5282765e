package transport

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// flushWait is how long Close lets an in-flight write finish before it
// tears the transport down underneath it.
var flushWait = 500 * time.Millisecond

type outbound struct {
	payload []byte
	errs    chan error
}

// pipe is the queue pair every adapter is built on. The read side pushes
// with deliver and ends with finish; the write pump serializes writes so
// concurrent Send calls never interleave on the wire.
type pipe struct {
	logger *slog.Logger

	inbound     chan []byte
	outbound    chan outbound
	done        chan struct{}
	readDone    chan struct{}
	writeClosed chan struct{}

	opened    atomic.Bool
	consumed  atomic.Bool
	closeOnce sync.Once
	finOnce   sync.Once

	mu  sync.Mutex
	err error
}

func newPipe(logger *slog.Logger) *pipe {
	if logger == nil {
		logger = slog.Default()
	}
	return &pipe{
		logger:      logger,
		inbound:     make(chan []byte),
		outbound:    make(chan outbound),
		done:        make(chan struct{}),
		readDone:    make(chan struct{}),
		writeClosed: make(chan struct{}),
	}
}

// start launches the write pump. It reports false if already started.
func (p *pipe) start(write func([]byte) error) bool {
	if !p.opened.CompareAndSwap(false, true) {
		return false
	}
	go p.processWrites(write)
	return true
}

func (p *pipe) processWrites(write func([]byte) error) {
	defer close(p.writeClosed)

	for {
		var msg outbound
		select {
		case <-p.done:
			return
		case msg = <-p.outbound:
		}
		msg.errs <- write(msg.payload)
	}
}

func (p *pipe) send(ctx context.Context, payload []byte) error {
	if !p.opened.Load() {
		return ErrNotOpen
	}
	msg := outbound{payload: payload, errs: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	case p.outbound <- msg:
	}

	select {
	case err := <-msg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.writeClosed:
		select {
		case err := <-msg.errs:
			return err
		default:
			return ErrClosed
		}
	}
}

// deliver hands one inbound payload to the consumer. It reports false once
// the adapter is closing.
func (p *pipe) deliver(payload []byte) bool {
	select {
	case <-p.done:
		return false
	case <-p.readDone:
		return false
	case p.inbound <- payload:
		return true
	}
}

// finish marks the end of inbound traffic. The first call wins.
func (p *pipe) finish(err error) {
	p.finOnce.Do(func() {
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			p.logger.Debug("read pump stopped", "err", err)
		}
		close(p.readDone)
	})
}

func (p *pipe) receive() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if !p.consumed.CompareAndSwap(false, true) {
			return
		}
		for {
			select {
			case <-p.done:
				return
			case <-p.readDone:
				return
			case payload := <-p.inbound:
				if !yield(payload) {
					return
				}
			}
		}
	}
}

// shutdown stops both pumps. An in-flight write gets flushWait to finish;
// if it is still blocked after that, interrupt runs and must make the write
// return. It reports false if the pipe was already shut down.
func (p *pipe) shutdown(interrupt func()) bool {
	first := false
	p.closeOnce.Do(func() {
		first = true
		close(p.done)
	})
	if !first || !p.opened.Load() {
		return first
	}
	select {
	case <-p.writeClosed:
		return true
	case <-time.After(flushWait):
	}
	p.logger.Warn("write still blocked at close, interrupting transport")
	if interrupt != nil {
		interrupt()
	}
	<-p.writeClosed
	return true
}

func (p *pipe) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
