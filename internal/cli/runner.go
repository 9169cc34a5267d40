package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/alarmsync/internal/appclient"
	"github.com/g960059/alarmsync/internal/config"
)

const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// usageError marks bad invocations so Run exits with ExitUsage.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

type Runner struct {
	socketPath string
	client     *appclient.Client
	out        io.Writer
	errOut     io.Writer

	jsonOut bool
	timeout time.Duration
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	r := newRunner(out, errOut)
	r.socketPath = socketPath
	return r
}

// NewRunnerWithClient talks to baseURL instead of the daemon socket.
func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	r := newRunner(out, errOut)
	r.client = appclient.NewWithClient(baseURL, client)
	return r
}

func newRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{out: out, errOut: errOut, socketPath: config.DefaultConfig().SocketPath}
}

// Run executes one alarmctl invocation and returns its exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var ue *usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		return ExitUsage
	}
	return ExitFailure
}

func (r *Runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "alarmctl",
		Short:         "Manage synced alarms through the local alarmd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if r.timeout <= 0 {
				return usagef("--timeout must be positive")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&r.socketPath, "socket", r.socketPath, "daemon socket path")
	root.PersistentFlags().BoolVar(&r.jsonOut, "json", false, "print the raw JSON response")
	root.PersistentFlags().DurationVar(&r.timeout, "timeout", 10*time.Second, "request timeout")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(
		r.statusCommand(),
		r.authCommand(),
		r.alarmCommand(),
		r.triggersCommand(),
		r.snoozeCommand(),
		r.sweepCommand(),
		r.watchCommand(),
		r.mailCommand(),
		r.doctorCommand(),
	)
	return root
}

func (r *Runner) api() *appclient.Client {
	c := r.client
	if c == nil {
		c = appclient.New(r.socketPath)
	}
	return c.WithUnaryTimeout(r.timeout)
}

func exactArgs(n int, names ...string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("expected %d argument(s): %s", n, strings.Join(names, " "))
		}
		return nil
	}
}
