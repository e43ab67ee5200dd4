// Command serialterm bridges a serial device to the terminal: lines typed on
// stdin are sent as commands, lines received from the device are printed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	serial "github.com/luhtfiimanal/go-serial-lines"
	"github.com/luhtfiimanal/go-serial-lines/internal/config"
	"github.com/luhtfiimanal/go-serial-lines/internal/logging"
)

func main() {
	opts, err := ParseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "serialterm: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts Options, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	opts.apply(cfg)
	if err := cfg.Transport().Validate(); err != nil {
		return fmt.Errorf("invalid serial config: %w", err)
	}
	if opts.PrintConfig {
		return cfg.WriteYAML(stdout)
	}

	var job []string
	if opts.SendFile != "" {
		if job, err = loadJob(opts.SendFile); err != nil {
			return err
		}
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	tr := serial.New(cfg.Transport(), serial.WithLogger(logger))
	var lines serial.Queue
	if err := tr.Start(&lines); err != nil {
		return err
	}
	defer tr.Stop()

	if stdin != nil {
		// stdin reads cannot be cancelled; this goroutine ends with the process
		go func() {
			if err := pumpInput(stdin, tr); err != nil {
				logger.Warn("stdin pump stopped", zap.Error(err))
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			line, err := lines.Get(gctx)
			if err != nil {
				for line, ok := lines.TryGet(); ok; line, ok = lines.TryGet() {
					fmt.Fprintln(stdout, line)
				}
				return nil
			}
			if _, err := fmt.Fprintln(stdout, line); err != nil {
				return fmt.Errorf("print: %w", err)
			}
		}
	})
	g.Go(func() error {
		return sendJob(gctx, tr, job, opts.Interval)
	})
	g.Go(func() error {
		select {
		case <-tr.Done():
			return tr.Err()
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}
