package serial

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultName labels log lines when Config.Name is empty.
	DefaultName = "serial"
	// DefaultBaudRate is used when Config.BaudRate is zero.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds each blocking read, and so how long Stop may wait.
	DefaultReadTimeout = 5 * time.Second
)

// Config holds configuration parameters for a serial line session.
type Config struct {
	Name        string
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
	Encoding    Encoding
}

// DefaultConfig returns a Config for device with every other field defaulted.
func DefaultConfig(device string) Config {
	return Config{Device: device}.withDefaults()
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = DefaultName
	}
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.Encoding == "" {
		c.Encoding = EncodingASCII
	}
	c.Encoding = Encoding(strings.ToLower(strings.TrimSpace(string(c.Encoding))))
	return c
}

// Validate reports the first problem found in c after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if strings.TrimSpace(c.Device) == "" {
		return fmt.Errorf("config missing device")
	}
	if c.BaudRate < 0 {
		return fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("invalid read timeout %s", c.ReadTimeout)
	}
	if !c.Encoding.valid() {
		return fmt.Errorf("unsupported encoding %q", c.Encoding)
	}
	return nil
}
