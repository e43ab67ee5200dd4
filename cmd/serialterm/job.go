package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// readJob returns the commands in r, skipping blank lines and '#' comments.
func readJob(r io.Reader) ([]string, error) {
	var cmds []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmds = append(cmds, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	return cmds, nil
}

func loadJob(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open job: %w", err)
	}
	defer f.Close()
	return readJob(f)
}

// lineWriter is the part of serial.LineTransport the senders need.
type lineWriter interface {
	WriteLine(line string) error
}

// sendJob writes cmds in order, pausing interval between them.
func sendJob(ctx context.Context, w lineWriter, cmds []string, interval time.Duration) error {
	for i, cmd := range cmds {
		if i > 0 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := w.WriteLine(cmd); err != nil {
			return fmt.Errorf("send %q: %w", cmd, err)
		}
	}
	return nil
}

// pumpInput writes every non-blank line of r until r ends.
func pumpInput(r io.Reader, w lineWriter) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := w.WriteLine(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
