package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/swarmsync/internal/node"
)

// controller is the slice of *node.Node the console drives.
type controller interface {
	Take(ctx context.Context) error
	Resign(ctx context.Context) error
	AnnounceFile(ctx context.Context, path string) (string, error)
	Revoke(ctx context.Context, objectID string) error
	Select(ctx context.Context, objectID string) error
	Play(ctx context.Context, objectID string) error
	Stop(ctx context.Context) error
	SetDelay(ctx context.Context, ms int64) (int64, error)
	Resync(ctx context.Context) error
	Status(ctx context.Context) (node.Status, error)
}

var errUsage = errors.New("usage")

type console struct {
	ctl     controller
	in      *bufio.Scanner
	out     io.Writer
	timeout time.Duration
	quit    bool
}

func newConsole(ctl controller, in io.Reader, out io.Writer) *console {
	return &console{
		ctl:     ctl,
		in:      bufio.NewScanner(in),
		out:     out,
		timeout: 5 * time.Second,
	}
}

// Run reads commands until EOF, quit or ctx is done.
func (c *console) Run(ctx context.Context) error {
	fmt.Fprintln(c.out, "commands: take resign announce <path> revoke <id> select <id> play [id] stop delay <ms> resync status quit")
	for c.in.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(c.in.Text())
		if line == "" {
			continue
		}
		if err := c.exec(ctx, strings.Fields(line)); err != nil {
			if errors.Is(err, errUsage) {
				fmt.Fprintf(c.out, "%v\n", err)
			} else {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
		if c.quit {
			return nil
		}
	}
	return c.in.Err()
}

func (c *console) exec(parent context.Context, fields []string) error {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "take":
		return c.ok(c.ctl.Take(ctx))
	case "resign":
		return c.ok(c.ctl.Resign(ctx))
	case "announce":
		if len(args) != 1 {
			return fmt.Errorf("%w: announce <path>", errUsage)
		}
		id, err := c.ctl.AnnounceFile(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "announced %s\n", id)
	case "revoke":
		if len(args) != 1 {
			return fmt.Errorf("%w: revoke <id>", errUsage)
		}
		return c.ok(c.ctl.Revoke(ctx, args[0]))
	case "select":
		if len(args) != 1 {
			return fmt.Errorf("%w: select <id>", errUsage)
		}
		return c.ok(c.ctl.Select(ctx, args[0]))
	case "play":
		if len(args) > 1 {
			return fmt.Errorf("%w: play [id]", errUsage)
		}
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return c.ok(c.ctl.Play(ctx, id))
	case "stop":
		return c.ok(c.ctl.Stop(ctx))
	case "delay":
		if len(args) != 1 {
			return fmt.Errorf("%w: delay <ms>", errUsage)
		}
		ms, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: delay <ms>", errUsage)
		}
		applied, err := c.ctl.SetDelay(ctx, ms)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "delay %dms\n", applied)
	case "resync":
		return c.ok(c.ctl.Resync(ctx))
	case "status":
		st, err := c.ctl.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(c.out, st)
	case "quit", "exit":
		c.quit = true
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return nil
}

func (c *console) ok(err error) error {
	if err == nil {
		fmt.Fprintln(c.out, "ok")
	}
	return err
}
