package serial

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// LineTransport turns the byte stream of a serial link into trimmed text lines
// delivered to a Sink, and writes commands to the same link.
//
// One goroutine reads; Write may be called at any time from other goroutines.
// Start and Stop must be paired: calling Start twice without Stop, or Stop
// without Start, is misuse and returns ErrAlreadyStarted or ErrNotStarted.
type LineTransport struct {
	cfg     Config
	log     *zap.Logger
	open    Opener
	onError func(error)

	running atomic.Bool

	mu     sync.Mutex // serializes Start and Stop
	stream Stream
	cancel context.CancelFunc

	doneMu sync.Mutex // never held while waiting on done
	done   chan struct{}

	writeMu sync.Mutex // never taken by the receive worker
	writer  Stream

	errMu sync.Mutex
	err   error
}

// Option configures a LineTransport.
type Option func(*LineTransport)

// WithLogger sets the logger for connect, write and receive events.
func WithLogger(l *zap.Logger) Option {
	return func(t *LineTransport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithOpener replaces the function that opens the stream. It defaults to OpenPort.
func WithOpener(open Opener) Option {
	return func(t *LineTransport) {
		if open != nil {
			t.open = open
		}
	}
}

// WithErrorHandler sets a callback for errors that end the receive worker.
// It runs on the worker goroutine after Done is closed, so it may call Stop.
func WithErrorHandler(fn func(error)) Option {
	return func(t *LineTransport) {
		t.onError = fn
	}
}

// New returns an idle LineTransport for cfg. Zero fields of cfg take their defaults.
func New(cfg Config, opts ...Option) *LineTransport {
	t := &LineTransport{
		cfg:  cfg.withDefaults(),
		log:  zap.NewNop(),
		open: openPort,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(zap.String("component", "line_transport"), zap.String("name", t.cfg.Name))
	return t
}

// Name returns the label used in log lines.
func (t *LineTransport) Name() string {
	return t.cfg.Name
}

// Config returns the effective configuration.
func (t *LineTransport) Config() Config {
	return t.cfg
}

// Start opens the stream, discards stale input and output, and starts the
// receive worker. It returns once the worker is running.
// Open failures are returned as *StreamOpenError.
func (t *LineTransport) Start(sink Sink) error {
	if sink == nil {
		return errors.New("nil sink")
	}
	if err := t.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream != nil {
		return ErrAlreadyStarted
	}

	t.log.Info("connecting", zap.String("device", t.cfg.Device), zap.Int("baud", t.cfg.BaudRate))
	stream, err := t.open(t.cfg)
	if err != nil {
		t.log.Error("connect failed", zap.String("device", t.cfg.Device), zap.Error(err))
		return &StreamOpenError{Device: t.cfg.Device, Err: err}
	}
	if err := stream.Flush(); err != nil {
		stream.Close()
		t.log.Error("initial flush failed", zap.String("device", t.cfg.Device), zap.Error(err))
		return &StreamOpenError{Device: t.cfg.Device, Err: err}
	}

	t.setErr(nil)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan struct{})

	t.stream = stream
	t.cancel = cancel
	t.doneMu.Lock()
	t.done = done
	t.doneMu.Unlock()
	t.writeMu.Lock()
	t.writer = stream
	t.writeMu.Unlock()

	t.running.Store(true)
	go t.receive(ctx, stream, sink, started, done)
	<-started
	t.log.Info("connected", zap.String("device", t.cfg.Device))
	return nil
}

// Stop asks the receive worker to exit, waits for it, then flushes and closes
// the stream. The worker notices within one read timeout. No line is delivered
// after Stop returns.
func (t *LineTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream == nil {
		return ErrNotStarted
	}

	t.running.Store(false)
	t.log.Info("stop()")
	t.cancel()
	<-t.Done()
	t.log.Info("joined worker")

	t.writeMu.Lock()
	t.writer = nil
	t.writeMu.Unlock()

	t.log.Info("closing port")
	flushErr := t.stream.Flush()
	closeErr := t.stream.Close()
	t.stream = nil
	t.cancel = nil
	if flushErr != nil || closeErr != nil {
		return fmt.Errorf("close %s: %w", t.cfg.Device, errors.Join(flushErr, closeErr))
	}
	return nil
}

// Write sends payload as is. An empty payload sends nothing.
// Write must not be called after Stop.
func (t *LineTransport) Write(payload string) error {
	if len(payload) == 0 {
		t.log.Debug("nothing to write")
		return nil
	}
	data, err := t.cfg.Encoding.encode(payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writer == nil {
		return ErrNotStarted
	}
	t.log.Info("----->", zap.Int("bytes", len(data)), zap.String("data", strings.TrimSpace(payload)))
	if _, err := t.writer.Write(data); err != nil {
		t.log.Error("write failed", zap.Error(err))
		return &StreamIOError{Op: "write", Err: err}
	}
	return nil
}

// WriteLine writes line followed by '\n'.
func (t *LineTransport) WriteLine(line string) error {
	return t.Write(line + "\n")
}

// Running reports whether a session is active and the worker has not been asked to stop.
func (t *LineTransport) Running() bool {
	return t.running.Load()
}

// Done returns a channel closed when the receive worker of the current or last
// session has exited. Before the first Start the channel is already closed.
func (t *LineTransport) Done() <-chan struct{} {
	t.doneMu.Lock()
	defer t.doneMu.Unlock()
	if t.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}

// Err returns the error that ended the receive worker of the last session, if any.
func (t *LineTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *LineTransport) setErr(err error) {
	t.errMu.Lock()
	t.err = err
	t.errMu.Unlock()
}

func (t *LineTransport) receive(ctx context.Context, stream Stream, sink Sink, started, done chan<- struct{}) {
	var fatal error
	defer func() {
		if fatal != nil && t.onError != nil {
			t.onError(fatal)
		}
	}()
	defer close(done)
	close(started)

	lines := newLineAssembler(t.cfg.Encoding)
	first := make([]byte, 1)
	for t.running.Load() {
		batch, err := readBatch(stream, first)
		if err != nil {
			fatal = &StreamIOError{Op: "read", Err: err}
			t.fail(fatal)
			return
		}
		if len(batch) == 0 {
			continue
		}
		complete, err := lines.feed(batch)
		if err != nil {
			t.log.Warn("received undecodable bytes, dropping batch", zap.Int("bytes", len(batch)), zap.Error(err))
			continue
		}
		for _, line := range complete {
			if err := sink.Deliver(ctx, line); err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.Warn("sink rejected line", zap.String("line", line), zap.Error(err))
			}
		}
	}
}

func (t *LineTransport) fail(err error) {
	t.running.Store(false)
	t.setErr(err)
	t.log.Error("receive worker stopped", zap.Error(err))
}

// readBatch waits for one byte, then drains whatever else is already buffered.
// It returns an empty batch when the read timeout elapses.
func readBatch(stream Stream, first []byte) ([]byte, error) {
	n, err := stream.Read(first[:1])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	waiting, err := stream.Buffered()
	if err != nil {
		return nil, err
	}
	batch := make([]byte, 1+waiting)
	batch[0] = first[0]
	if waiting > 0 {
		m, err := stream.Read(batch[1:])
		if err != nil {
			return nil, err
		}
		batch = batch[:1+m]
	}
	return batch, nil
}
