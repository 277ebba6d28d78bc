//go:build !windows

package main

import (
	"fmt"
	"os"
	"time"
)

// sendFrame opens the target FIFO for writing and sends one frame,
// terminated with "\r" per spec §4.7's wire format. Opening a FIFO for
// writing blocks until a reader is present (the supervisor's accept
// loop); connectTimeout bounds that wait since a peer with no patience
// left over is better than a sender that hangs forever.
func sendFrame(addr, text string, connectTimeout time.Duration) error {
	type opened struct {
		f   *os.File
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		f, err := os.OpenFile(addr, os.O_WRONLY, 0)
		ch <- opened{f, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return fmt.Errorf("open %s: %w", addr, o.err)
		}
		defer o.f.Close()
		if _, err := o.f.WriteString(text + "\r"); err != nil {
			return fmt.Errorf("write %s: %w", addr, err)
		}
		return nil
	case <-time.After(connectTimeout):
		return fmt.Errorf("timed out connecting to %s", addr)
	}
}
