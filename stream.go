package serial

// Stream is the duplex byte stream a LineTransport drives.
//
// Read and Write are called from different goroutines and must not block each
// other. Read waits at most the configured read timeout for the first byte and
// returns 0, nil when nothing arrived in time.
type Stream interface {
	Read(p []byte) (int, error)
	// Buffered returns how many received bytes can be read without waiting.
	Buffered() (int, error)
	Write(p []byte) (int, error)
	// Flush discards unread input and unsent output.
	Flush() error
	Close() error
}

// Opener opens the Stream described by cfg.
type Opener func(cfg Config) (Stream, error)

func openPort(cfg Config) (Stream, error) {
	p, err := OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}
