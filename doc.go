// Package serial provides a line-oriented transport over a Linux serial port,
// built for talking to CNC controllers and similar devices that answer
// newline-terminated text (e.g. "ok", "Grbl 1.1h ['$' for help]").
//
// A LineTransport owns the port and one receive goroutine. The goroutine
// waits for a byte with a bounded timeout, drains whatever else the driver has
// buffered, decodes the batch and hands every complete line, with trailing
// whitespace removed, to a Sink in arrival order. Commands are sent with Write
// from any goroutine; writes never wait on the reader.
//
// Features:
//   - Raw termios setup through golang.org/x/sys/unix, no line discipline
//   - Read timeout as the only shutdown latency bound (default 5s)
//   - Stale input and output flushed on Start and on Stop
//   - Batches that fail to decode are dropped whole; the loop keeps going
//   - Worker-fatal read errors exposed through Err, Done and an error callback
//   - zap logging of connect, stop, every write and every dropped batch
//   - PTY-based tests
//
// This package does **not** support Windows.
//
// Example usage:
//
//	t := serial.New(serial.Config{
//	    Name:        "grbl",
//	    Device:      "/dev/ttyUSB0",
//	    BaudRate:    115200,
//	    ReadTimeout: time.Second,
//	}, serial.WithLogger(logger))
//
//	var q serial.Queue
//	if err := t.Start(&q); err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Stop()
//
//	if err := t.WriteLine("$I"); err != nil {
//	    log.Println("Write failed:", err)
//	}
//	line, err := q.Get(ctx)
package serial
