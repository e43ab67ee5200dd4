package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeStream hands out one scripted chunk per blocking read, like a driver
// that delivered the chunk in one burst.
type fakeStream struct {
	timeout time.Duration
	chunks  chan []byte
	readErr chan error

	mu      sync.Mutex
	pending []byte

	wmu     sync.Mutex
	written bytes.Buffer
	writes  int

	flushes atomic.Int32
	closed  atomic.Bool
}

func newFakeStream(timeout time.Duration) *fakeStream {
	return &fakeStream{
		timeout: timeout,
		chunks:  make(chan []byte, 16),
		readErr: make(chan error, 1),
	}
}

func (f *fakeStream) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()

	select {
	case c := <-f.chunks:
		n := copy(p, c)
		f.mu.Lock()
		f.pending = append(f.pending, c[n:]...)
		f.mu.Unlock()
		return n, nil
	case err := <-f.readErr:
		return 0, err
	case <-time.After(f.timeout):
		return 0, nil
	}
}

func (f *fakeStream) Buffered() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending), nil
}

func (f *fakeStream) Write(p []byte) (int, error) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.writes++
	return f.written.Write(p)
}

func (f *fakeStream) Flush() error {
	f.flushes.Add(1)
	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()
	for {
		select {
		case <-f.chunks:
		default:
			return nil
		}
	}
}

func (f *fakeStream) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeStream) feed(chunks ...string) {
	for _, c := range chunks {
		f.chunks <- []byte(c)
	}
}

func (f *fakeStream) sent() (string, int) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.written.String(), f.writes
}

func newFakeTransport(t *testing.T, stream *fakeStream, opts ...Option) *LineTransport {
	t.Helper()
	opts = append([]Option{WithOpener(func(Config) (Stream, error) { return stream, nil })}, opts...)
	return New(Config{Name: "test", Device: "/dev/fake", ReadTimeout: stream.timeout}, opts...)
}

func nextLine(t *testing.T, q *Queue) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	line, err := q.Get(ctx)
	require.NoError(t, err, "timeout waiting for line")
	return line
}

func TestLineTransport_LinesInOrder(t *testing.T) {
	stream := newFakeStream(20 * time.Millisecond)
	tr := newFakeTransport(t, stream)

	var q Queue
	require.NoError(t, tr.Start(&q))
	t.Cleanup(func() { tr.Stop() })

	stream.feed("OK\n", "Grbl 1.1\n")

	require.Equal(t, "OK", nextLine(t, &q))
	require.Equal(t, "Grbl 1.1", nextLine(t, &q))
}

func TestLineTransport_FragmentedLine(t *testing.T) {
	stream := newFakeStream(20 * time.Millisecond)
	tr := newFakeTransport(t, stream)

	var q Queue
	require.NoError(t, tr.Start(&q))
	t.Cleanup(func() { tr.Stop() })

	stream.feed("H", "E", "LLO\r\n", "ok\nok\n")

	require.Equal(t, "HELLO", nextLine(t, &q))
	require.Equal(t, "ok", nextLine(t, &q))
	require.Equal(t, "ok", nextLine(t, &q))
}

func TestLineTransport_DropsUndecodableBatch(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	stream := newFakeStream(20 * time.Millisecond)
	tr := newFakeTransport(t, stream, WithLogger(zap.New(core)))

	var q Queue
	require.NoError(t, tr.Start(&q))
	t.Cleanup(func() { tr.Stop() })

	stream.feed("par", "t\xff\n", "t\n", "\x80junk\n", "ok\n")

	require.Equal(t, "part", nextLine(t, &q))
	require.Equal(t, "ok", nextLine(t, &q))
	require.Zero(t, q.Len())
	require.NoError(t, tr.Err())
	require.Equal(t, 2, logs.FilterMessage("received undecodable bytes, dropping batch").Len())
}

func TestLineTransport_Write(t *testing.T) {
	stream := newFakeStream(time.Second)
	tr := newFakeTransport(t, stream)

	require.NoError(t, tr.Start(SinkFunc(func(string) {})))
	t.Cleanup(func() { tr.Stop() })

	require.NoError(t, tr.Write(""))
	data, writes := stream.sent()
	require.Empty(t, data)
	require.Zero(t, writes)

	// Worker is blocked in a read with a 1s timeout; Write must not wait for it
	start := time.Now()
	require.NoError(t, tr.Write("G0 X1\n"))
	require.Less(t, time.Since(start), 500*time.Millisecond)

	data, writes = stream.sent()
	require.Equal(t, "G0 X1\n", data)
	require.Equal(t, 1, writes)

	require.NoError(t, tr.WriteLine("$H"))
	data, writes = stream.sent()
	require.Equal(t, "G0 X1\n$H\n", data)
	require.Equal(t, 2, writes)
}

func TestLineTransport_WriteRejectsNonASCII(t *testing.T) {
	stream := newFakeStream(20 * time.Millisecond)
	tr := newFakeTransport(t, stream)
	require.NoError(t, tr.Start(SinkFunc(func(string) {})))
	t.Cleanup(func() { tr.Stop() })

	var encErr *EncodeError
	require.ErrorAs(t, tr.Write("G0 X1°\n"), &encErr)
	_, writes := stream.sent()
	require.Zero(t, writes)
}

func TestLineTransport_WriteBeforeStart(t *testing.T) {
	tr := newFakeTransport(t, newFakeStream(20*time.Millisecond))
	require.ErrorIs(t, tr.Write("?"), ErrNotStarted)
	require.NoError(t, tr.Write(""))
}

func TestLineTransport_StopWithoutTraffic(t *testing.T) {
	stream := newFakeStream(30 * time.Millisecond)
	tr := newFakeTransport(t, stream)

	require.NoError(t, tr.Start(SinkFunc(func(string) {})))
	require.True(t, tr.Running())

	stopped := make(chan error, 1)
	go func() { stopped <- tr.Stop() }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Stop to join the worker")
	}
	require.False(t, tr.Running())
	require.True(t, stream.closed.Load())
	// once on Start, once on Stop
	require.EqualValues(t, 2, stream.flushes.Load())

	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestLineTransport_StartFlushesStaleInput(t *testing.T) {
	stream := newFakeStream(20 * time.Millisecond)
	stream.feed("half a stale li")
	tr := newFakeTransport(t, stream)

	var q Queue
	require.NoError(t, tr.Start(&q))
	t.Cleanup(func() { tr.Stop() })

	stream.feed("ok\n")
	require.Equal(t, "ok", nextLine(t, &q))
}

func TestLineTransport_NoDeliveryAfterStop(t *testing.T) {
	stream := newFakeStream(20 * time.Millisecond)
	tr := newFakeTransport(t, stream)

	var delivered atomic.Int32
	require.NoError(t, tr.Start(SinkFunc(func(string) { delivered.Add(1) })))
	stream.feed("ok\n")
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Stop())
	stream.feed("late\n")
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, delivered.Load())
}

func TestLineTransport_BlockedSinkDoesNotHangStop(t *testing.T) {
	stream := newFakeStream(20 * time.Millisecond)
	tr := newFakeTransport(t, stream)

	lines := make(chan string) // never read
	require.NoError(t, tr.Start(ChanSink(lines)))
	stream.feed("ok\n")
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- tr.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop hung on a blocked sink")
	}
}

func TestLineTransport_ReadErrorEndsWorker(t *testing.T) {
	stream := newFakeStream(time.Second)
	handled := make(chan error, 1)
	tr := newFakeTransport(t, stream, WithErrorHandler(func(err error) { handled <- err }))

	require.NoError(t, tr.Start(SinkFunc(func(string) {})))
	stream.readErr <- io.ErrUnexpectedEOF

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after read error")
	}

	var ioErr *StreamIOError
	require.ErrorAs(t, tr.Err(), &ioErr)
	require.Equal(t, "read", ioErr.Op)
	require.ErrorIs(t, tr.Err(), io.ErrUnexpectedEOF)
	require.ErrorIs(t, <-handled, io.ErrUnexpectedEOF)
	require.False(t, tr.Running())

	require.NoError(t, tr.Stop())
	require.True(t, stream.closed.Load())
}

func TestLineTransport_StopFromErrorHandler(t *testing.T) {
	stream := newFakeStream(time.Second)
	stopped := make(chan error, 1)
	var tr *LineTransport
	tr = newFakeTransport(t, stream, WithErrorHandler(func(error) { stopped <- tr.Stop() }))

	require.NoError(t, tr.Start(SinkFunc(func(string) {})))
	stream.readErr <- io.ErrUnexpectedEOF

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop called from the error handler did not return")
	}
	require.True(t, stream.closed.Load())
	require.ErrorIs(t, tr.Err(), io.ErrUnexpectedEOF)
}

func TestLineTransport_DoneFromSinkDuringStop(t *testing.T) {
	stream := newFakeStream(20 * time.Millisecond)
	tr := newFakeTransport(t, stream)

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, tr.Start(SinkFunc(func(string) {
		close(entered)
		<-release
		_ = tr.Done()
	})))
	stream.feed("ok\n")
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- tr.Stop() }()
	time.Sleep(20 * time.Millisecond) // let Stop take its lock and wait on the worker
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop hung while the sink called Done")
	}
}

func TestLineTransport_StartOpenError(t *testing.T) {
	cause := errors.New("device busy")
	tr := New(Config{Device: "/dev/ttyUSB9"}, WithOpener(func(Config) (Stream, error) { return nil, cause }))

	err := tr.Start(SinkFunc(func(string) {}))
	var openErr *StreamOpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, "/dev/ttyUSB9", openErr.Device)
	require.ErrorIs(t, err, cause)
	require.False(t, tr.Running())
	require.ErrorIs(t, tr.Stop(), ErrNotStarted)
}

func TestLineTransport_StartInvalidConfig(t *testing.T) {
	tr := New(Config{})
	require.Error(t, tr.Start(SinkFunc(func(string) {})))
	require.Error(t, newFakeTransport(t, newFakeStream(time.Millisecond)).Start(nil))
}

func TestLineTransport_Misuse(t *testing.T) {
	stream := newFakeStream(20 * time.Millisecond)
	tr := newFakeTransport(t, stream)

	require.ErrorIs(t, tr.Stop(), ErrNotStarted)

	require.NoError(t, tr.Start(SinkFunc(func(string) {})))
	require.ErrorIs(t, tr.Start(SinkFunc(func(string) {})), ErrAlreadyStarted)

	require.NoError(t, tr.Stop())
	require.ErrorIs(t, tr.Stop(), ErrNotStarted)
	require.ErrorIs(t, tr.Write("?"), ErrNotStarted)
}

func TestLineTransport_Restart(t *testing.T) {
	stream := newFakeStream(20 * time.Millisecond)
	tr := newFakeTransport(t, stream)

	for i := 0; i < 2; i++ {
		var q Queue
		require.NoError(t, tr.Start(&q))
		stream.feed("ok\n")
		require.Equal(t, "ok", nextLine(t, &q))
		require.NoError(t, tr.Stop())
	}
}

func TestLineTransport_IndependentInstances(t *testing.T) {
	a, b := newFakeStream(20*time.Millisecond), newFakeStream(20*time.Millisecond)
	ta, tb := newFakeTransport(t, a), newFakeTransport(t, b)

	var qa, qb Queue
	require.NoError(t, ta.Start(&qa))
	require.NoError(t, tb.Start(&qb))

	a.feed("from a\n")
	b.feed("from b\n")
	require.Equal(t, "from a", nextLine(t, &qa))
	require.Equal(t, "from b", nextLine(t, &qb))

	require.NoError(t, ta.Stop())
	require.True(t, tb.Running())
	require.NoError(t, tb.Stop())
}

func TestLineTransport_LogsLifecycle(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	stream := newFakeStream(20 * time.Millisecond)
	tr := newFakeTransport(t, stream, WithLogger(zap.New(core)))

	require.NoError(t, tr.Start(SinkFunc(func(string) {})))
	require.NoError(t, tr.Write(""))
	require.NoError(t, tr.Write("G0 X1\n"))
	require.NoError(t, tr.Stop())

	for _, msg := range []string{"connecting", "connected", "nothing to write", "stop()", "joined worker", "closing port"} {
		assert.Equal(t, 1, logs.FilterMessage(msg).Len(), msg)
	}

	sends := logs.FilterMessage("----->").All()
	require.Len(t, sends, 1)
	fields := sends[0].ContextMap()
	assert.EqualValues(t, 6, fields["bytes"])
	assert.Equal(t, "G0 X1", fields["data"])
	assert.Equal(t, "line_transport", fields["component"])
	assert.Equal(t, "test", fields["name"])
}

func TestLineTransport_PTY(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	tr := New(Config{
		Name:        "grbl",
		Device:      slave.Name(),
		BaudRate:    115200,
		ReadTimeout: 50 * time.Millisecond,
	})
	var q Queue
	require.NoError(t, tr.Start(&q))

	_, err = master.Write([]byte("OK\n"))
	require.NoError(t, err)
	require.Equal(t, "OK", nextLine(t, &q))

	_, err = master.Write([]byte("Grbl 1.1\r\n"))
	require.NoError(t, err)
	require.Equal(t, "Grbl 1.1", nextLine(t, &q))

	require.NoError(t, tr.WriteLine("$X"))
	buf := make([]byte, 3)
	_, err = io.ReadFull(master, buf)
	require.NoError(t, err)
	require.Equal(t, "$X\n", string(buf))

	stopped := make(chan error, 1)
	go func() { stopped <- tr.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Stop")
	}
}

func TestLineTransport_PTYMissingDevice(t *testing.T) {
	tr := New(Config{Device: "/dev/does-not-exist-serial"})
	err := tr.Start(SinkFunc(func(string) {}))
	var openErr *StreamOpenError
	require.ErrorAs(t, err, &openErr)
}
