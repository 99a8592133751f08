package main

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// lineCamera turns a stream of decoded codes, one per line, into frames.
// Lines starting with ':' are operator controls and go to controls instead.
type lineCamera struct {
	r        io.Reader
	codes    chan string
	controls chan string

	eof  atomic.Bool
	once sync.Once
	done chan struct{}
}

func newLineCamera(r io.Reader) *lineCamera {
	return &lineCamera{
		r:        r,
		codes:    make(chan string, 16),
		controls: make(chan string, 16),
		done:     make(chan struct{}),
	}
}

func (c *lineCamera) Open(context.Context) error {
	go func() {
		defer close(c.codes)
		defer close(c.controls)
		defer c.eof.Store(true)
		sc := bufio.NewScanner(c.r)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			ch := c.codes
			if strings.HasPrefix(line, ":") {
				ch, line = c.controls, strings.TrimPrefix(line, ":")
			}
			select {
			case ch <- line:
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

// Read never blocks: a frame without a pending code is empty.
func (c *lineCamera) Read(context.Context) (string, bool, error) {
	select {
	case code, ok := <-c.codes:
		return code, ok, nil
	default:
		return "", false, nil
	}
}

// drained reports whether the input ended and every code was read.
func (c *lineCamera) drained() bool {
	return c.eof.Load() && len(c.codes) == 0
}

func (c *lineCamera) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
