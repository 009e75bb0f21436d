// Command kernel boots the kernel and runs the actions named on its
// command line.
//
//	kernel [-q] [-mlfqs] [-pages N] [-freq HZ] [-v LEVEL] run TEST [run TEST ...]
//
// Each "run TEST" action runs one of the kernel self tests (see package
// selftest) on the main thread. With -q the kernel powers off after the
// last action, otherwise it keeps ticking until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
	"github.com/pianoyeg94/kernel-threads-inside-out/intr"
	"github.com/pianoyeg94/kernel-threads-inside-out/palloc"
	"github.com/pianoyeg94/kernel-threads-inside-out/selftest"
	"github.com/pianoyeg94/kernel-threads-inside-out/threads"
	"github.com/pianoyeg94/kernel-threads-inside-out/timer"
)

type kernelOptions struct {
	powerOff bool   // -q
	mlfqs    bool   // -mlfqs
	pages    int    // -pages
	freq     int    // -freq
	level    string // -v
	actions  []action
}

// action is one "run TEST" command-line action.
type action struct {
	name string
	arg  string
}

func parseOptions(args []string) (*kernelOptions, error) {
	opts := &kernelOptions{}

	fs := flag.NewFlagSet("kernel", flag.ContinueOnError)
	fs.BoolVar(&opts.powerOff, "q", false, "power off after running actions")
	fs.BoolVar(&opts.mlfqs, "mlfqs", false, "use the multi-level feedback queue scheduler")
	fs.IntVar(&opts.pages, "pages", 1024, "number of physical pages")
	fs.IntVar(&opts.freq, "freq", timer.TimerFreq, "timer interrupts per second")
	fs.StringVar(&opts.level, "v", "info", "console log level")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: kernel [options] run TEST ...\n\noptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\ntests: %s\n", strings.Join(selftest.Names(), " "))
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	rest := fs.Args()
	for len(rest) > 0 {
		switch rest[0] {
		case "run":
			if len(rest) < 2 {
				return nil, errors.New("action `run' requires 1 argument")
			}
			opts.actions = append(opts.actions, action{name: rest[0], arg: rest[1]})
			rest = rest[2:]
		default:
			return nil, fmt.Errorf("unknown action `%s' (use -h for help)", rest[0])
		}
	}

	if opts.freq < 19 || opts.freq > 1000 {
		return nil, fmt.Errorf("timer frequency %d out of range [19, 1000]", opts.freq)
	}
	if opts.pages <= 0 {
		return nil, fmt.Errorf("bad page count %d", opts.pages)
	}
	return opts, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	os.Exit(boot(opts))
}

// boot brings the kernel up, runs the actions and powers off. Returns
// the process exit code.
func boot(opts *kernelOptions) (code int) {
	defer func() {
		if r := recover(); r != nil {
			kp, ok := r.(*debug.KernelPanic)
			if !ok {
				panic(r)
			}
			debug.Log.WithField("thread", kp.Thread).Error("Kernel halted.")
			code = 1
		}
	}()

	if err := debug.SetLevel(opts.level); err != nil {
		debug.Log.Error(err)
		return 2
	}
	debug.Log.Info("Kernel booting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Initialize ourselves as a thread so we can use locks.
	intr.Init()
	palloc.Init(opts.pages)
	threads.MLFQS = opts.mlfqs
	threads.Init()

	// Initialize interrupt handlers.
	timer.Init(opts.freq)

	// Start thread scheduler and enable interrupts.
	threads.Start()
	stopClock := timer.StartClock(ctx)
	defer stopClock()

	debug.Log.WithFields(log.Fields{
		"pages": opts.pages,
		"freq":  opts.freq,
		"mlfqs": opts.mlfqs,
	}).Info("Boot complete.")

	// Run actions specified on kernel command line.
	for _, a := range opts.actions {
		debug.Log.Infof("Executing '%s':", a.arg)
		if err := selftest.Run(a.arg, nil); err != nil {
			debug.Panic("%v", err)
		}
		debug.Log.Infof("Execution of '%s' complete.", a.arg)
	}

	// Finish up.
	if !opts.powerOff {
		for ctx.Err() == nil {
			timer.Sleep(int64(timer.Frequency()))
		}
	}
	powerOff()
	return 0
}

// powerOff prints statistics and shuts the machine down.
func powerOff() {
	intr.Disable()
	printStats()
	debug.Log.Info("Powering off...")
}

// printStats prints statistics about the kernel's execution.
func printStats() {
	timer.PrintStats()
	threads.PrintStats()
	palloc.PrintStats()

	if debug.Log.IsLevelEnabled(log.DebugLevel) {
		threads.ForEach(func(t *threads.Thread) {
			debug.Log.WithFields(log.Fields{
				"tid":      t.Tid(),
				"status":   t.Status(),
				"priority": t.Priority(),
			}).Debug(t.Name())
		})
	}
}
