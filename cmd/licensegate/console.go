package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	licenseErrors "github.com/kdyw/my-tv/internal/errors"
	"github.com/kdyw/my-tv/internal/license"
)

var errQuit = errors.New("cancelled by user")

// session is what the console drives. *license.Controller implements it.
type session interface {
	SubmitCode(code string) error
	RequestTrial() error
	Close() error
}

// console is the terminal collaborator: it prints dialogs, reads the next
// code from in and reports the final result on done.
type console struct {
	in   *bufio.Reader
	out  io.Writer
	ctrl session

	once sync.Once
	done chan error
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{in: bufio.NewReader(in), out: out, done: make(chan error, 1)}
}

func (c *console) bind(s session) { c.ctrl = s }

func (c *console) finish(err error) {
	c.once.Do(func() { c.done <- err })
}

func (c *console) OnAuthorized(_ context.Context, g license.Grant) {
	kind := "License verified"
	if g.Trial {
		kind = "Trial started"
	}
	fmt.Fprintf(c.out, "%s: %s\n", kind, daysText(g.RemainingDays))
	if g.Config != nil {
		fmt.Fprintln(c.out, "Configuration received")
	}
	c.finish(nil)
}

func (c *console) OnDialogNeeded(_ context.Context, message string, offerTrial bool) {
	fmt.Fprintln(c.out, message)
	if !offerTrial {
		c.finish(errors.New(strings.SplitN(message, "\n", 2)[0]))
		return
	}

	for {
		fmt.Fprint(c.out, "License code (Enter for a trial, q to quit): ")
		line, err := c.in.ReadString('\n')
		if err != nil && line == "" {
			_ = c.ctrl.Close()
			c.finish(errQuit)
			return
		}
		line = strings.TrimSpace(line)

		switch {
		case line == "q":
			_ = c.ctrl.Close()
			c.finish(errQuit)
			return
		case line == "":
			err = c.ctrl.RequestTrial()
		default:
			err = c.ctrl.SubmitCode(line)
		}
		if err == nil {
			fmt.Fprintln(c.out, "Verifying...")
			return
		}
		fmt.Fprintln(c.out, err)
		if !errors.Is(err, licenseErrors.ErrVerificationInProgress) {
			c.finish(err)
			return
		}
	}
}

// reporter is a non-interactive collaborator: the first callback of the
// session is reported on done and no input is read.
type reporter struct {
	out  io.Writer
	once sync.Once
	done chan error
}

func newReporter(out io.Writer) *reporter {
	return &reporter{out: out, done: make(chan error, 1)}
}

func (r *reporter) finish(err error) {
	r.once.Do(func() { r.done <- err })
}

func (r *reporter) OnAuthorized(_ context.Context, g license.Grant) {
	fmt.Fprintf(r.out, "approved: %s\n", daysText(g.RemainingDays))
	fmt.Fprintln(r.out, "code saved")
	r.finish(nil)
}

func (r *reporter) OnDialogNeeded(_ context.Context, message string, _ bool) {
	fmt.Fprintln(r.out, message)
	r.finish(errors.New(strings.SplitN(message, "\n", 2)[0]))
}

type controllerFactory func(license.Collaborator) (*license.Controller, error)

// saveCode verifies code through a controller, so the store is updated by
// the usual outcome rules: stored on approval, cleared on rejection.
func saveCode(ctx context.Context, newController controllerFactory, code string, w io.Writer) error {
	ui := newReporter(w)
	ctrl, err := newController(ui)
	if err != nil {
		return err
	}
	defer ctrl.Wait()
	defer ctrl.Close()

	if err := ctrl.StartWithCode(ctx, code); err != nil {
		return err
	}
	select {
	case err := <-ui.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forget removes the stored code through a controller.
func forget(newController controllerFactory, w io.Writer) error {
	ctrl, err := newController(newReporter(w))
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Forget(); err != nil {
		return err
	}
	fmt.Fprintln(w, "stored code removed")
	return nil
}
