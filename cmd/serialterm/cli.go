package main

import (
	"flag"
	"time"

	"github.com/luhtfiimanal/go-serial-lines/internal/config"
)

// Options holds CLI options for serialterm.
type Options struct {
	ConfigPath  string
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
	Encoding    string
	SendFile    string
	Interval    time.Duration
	PrintConfig bool

	set map[string]bool
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) (Options, error) {
	fs := flag.NewFlagSet("serialterm", flag.ContinueOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to config file (yaml, toml or json)")
	fs.StringVar(&opts.Device, "device", "", "Serial device, e.g. /dev/ttyUSB0")
	fs.IntVar(&opts.BaudRate, "baud", 0, "Baud rate")
	fs.DurationVar(&opts.ReadTimeout, "timeout", 0, "Read timeout; bounds shutdown latency")
	fs.StringVar(&opts.Encoding, "encoding", "", "Line encoding: ascii or utf-8")
	fs.StringVar(&opts.SendFile, "send", "", "File of commands to send, one per line")
	fs.DurationVar(&opts.Interval, "interval", 0, "Pause between commands sent from -send")
	fs.BoolVar(&opts.PrintConfig, "print-config", false, "Print the effective config as YAML and exit")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	opts.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

// apply overrides cfg with the flags given on the command line.
func (o Options) apply(cfg *config.Config) {
	if o.set["device"] {
		cfg.Serial.Device = o.Device
	}
	if o.set["baud"] {
		cfg.Serial.BaudRate = o.BaudRate
	}
	if o.set["timeout"] {
		cfg.Serial.ReadTimeout = o.ReadTimeout
	}
	if o.set["encoding"] {
		cfg.Serial.Encoding = o.Encoding
	}
}
