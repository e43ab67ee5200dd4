package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/dev/ttyACM0")
	require.Equal(t, Config{
		Name:        "serial",
		Device:      "/dev/ttyACM0",
		BaudRate:    115200,
		ReadTimeout: 5 * time.Second,
		Encoding:    EncodingASCII,
	}, cfg)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{Device: "/dev/ttyUSB0"}, true},
		{"missing device", Config{}, false},
		{"blank device", Config{Device: "  "}, false},
		{"negative baud", Config{Device: "/dev/ttyUSB0", BaudRate: -1}, false},
		{"negative timeout", Config{Device: "/dev/ttyUSB0", ReadTimeout: -time.Second}, false},
		{"utf8 upper case", Config{Device: "/dev/ttyUSB0", Encoding: "UTF-8"}, true},
		{"unknown encoding", Config{Device: "/dev/ttyUSB0", Encoding: "latin1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
