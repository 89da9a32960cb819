package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/gesture"
	"github.com/noah-isme/asknon-api/internal/presence"
)

type companionLink interface {
	ApproveAll(ctx context.Context) error
	State() presence.State
	Count() (int, bool)
}

// console reads commands line by line, standing in for the wearable's button, screen
// and accelerometer.
type console struct {
	link   companionLink
	shake  *gesture.ShakeDetector
	out    io.Writer
	logger *zap.Logger
	now    func() time.Time
}

func newConsole(link companionLink, out io.Writer, logger *zap.Logger) *console {
	return &console{
		link:   link,
		shake:  gesture.NewShakeDetector(gesture.Config{}, nil),
		out:    out,
		logger: logger,
		now:    time.Now,
	}
}

// run processes input until EOF, "quit" or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case line := <-lines:
			if !c.handle(ctx, line) {
				return nil
			}
		}
	}
}

// handle executes one command and reports whether to keep reading.
func (c *console) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return false
	case "approve", "a":
		c.approve(ctx)
	case "status", "s":
		c.printStatus()
	case "accel":
		c.accel(ctx, fields[1:])
	case "help", "?":
		fmt.Fprintln(c.out, "commands: approve | status | accel <x> <y> <z> | quit")
	default:
		fmt.Fprintf(c.out, "unknown command %q\n", fields[0])
	}
	return true
}

func (c *console) approve(ctx context.Context) {
	if err := c.link.ApproveAll(ctx); err != nil {
		fmt.Fprintf(c.out, "approve all failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "approve all sent")
}

func (c *console) accel(ctx context.Context, args []string) {
	if len(args) != 3 {
		fmt.Fprintln(c.out, "usage: accel <x> <y> <z>")
		return
	}
	var axis [3]float64
	for i, raw := range args {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			fmt.Fprintf(c.out, "invalid reading %q\n", raw)
			return
		}
		axis[i] = v
	}
	count, triggered := c.shake.Feed(gesture.Sample{X: axis[0], Y: axis[1], Z: axis[2], At: c.now()})
	if !triggered {
		return
	}
	c.logger.Debug("shake detected", zap.Int("count", count))
	c.approve(ctx)
}

func (c *console) printStatus() {
	n, ok := c.link.Count()
	count := "unknown"
	if ok {
		count = strconv.Itoa(n)
	}
	fmt.Fprintf(c.out, "%s, pending %s\n", c.link.State(), count)
}
