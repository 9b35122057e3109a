package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/jsbridge/internal/bridge"
	"github.com/seantiz/jsbridge/internal/config"
)

// errEvalFailed reports that at least one input ended in an exception.
var errEvalFailed = errors.New("evaluation failed")

// evalInput is one program to evaluate, named for messages.
type evalInput struct {
	name   string
	source string
}

func newEvalCommand(opts *rootOptions) *cobra.Command {
	var expressions []string

	cmd := &cobra.Command{
		Use:   "eval [file...]",
		Short: "Evaluate scripts in a throwaway context",
		Long: `Evaluate each file (or "-" for stdin) and each -e expression in one
fresh context, in order. After every input the context is drained and
host calls to env.getenv and env.readFile are settled. The result of
every input is printed on its own line; console output goes to stderr.
The exit status is non-zero if any input threw.`,
		Example: `  jsbridge eval -e '1 + 1'
  jsbridge eval -e 'env.getenv("HOME").then(function (h) { console.log(h) })'
  jsbridge eval setup.js main.js`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			// A single throwaway context needs no journal.
			cfg.Journal = false

			inputs, err := readInputs(cmd.InOrStdin(), args, expressions)
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				return errors.New("nothing to evaluate: pass files or -e")
			}

			// Lifecycle info lines would drown the script's own output.
			level := cfg.LogLevel
			if level == slog.LevelInfo {
				level = slog.LevelWarn
			}
			logger := config.NewLogger(cmd.ErrOrStderr(), level)
			rt, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close(logger)

			return runEval(cmd.Context(), rt.registry, inputs, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringArrayVarP(&expressions, "expr", "e", nil, "expression to evaluate (repeatable)")

	return cmd
}

func readInputs(stdin io.Reader, files, expressions []string) ([]evalInput, error) {
	inputs := make([]evalInput, 0, len(files)+len(expressions))
	for _, name := range files {
		var (
			data []byte
			err  error
		)
		if name == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(name)
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		inputs = append(inputs, evalInput{name: name, source: string(data)})
	}
	for i, expr := range expressions {
		inputs = append(inputs, evalInput{name: fmt.Sprintf("-e #%d", i+1), source: expr})
	}
	return inputs, nil
}

// runEval evaluates inputs in one context, settling host calls and
// draining after each. It returns errEvalFailed if any input threw.
func runEval(ctx context.Context, reg *bridge.Registry, inputs []evalInput, stdout, stderr io.Writer) error {
	id, err := reg.Create(ctx)
	if err != nil {
		return err
	}

	// Console lines are printed until the context is disposed.
	events, unsub := reg.Broker().Subscribe(id)
	defer unsub()
	var wg sync.WaitGroup
	wg.Go(func() {
		for ev := range events {
			fmt.Fprintf(stderr, "[%s] %s\n", ev.Level, ev.Line)
		}
	})
	defer wg.Wait()
	defer reg.Dispose(id)

	d := bridge.NewDispatcher(reg)
	defer d.Forget(id)
	if err := registerHostFuncs(ctx, d, id); err != nil {
		return err
	}

	failed := false
	for _, in := range inputs {
		res := reg.Evaluate(ctx, id, in.source)
		if err := settle(ctx, reg, d, id); err != nil {
			return fmt.Errorf("%s: %w", in.name, err)
		}
		fmt.Fprintln(stdout, res.String())
		if res.Failed {
			failed = true
		}
	}

	if failed {
		return errEvalFailed
	}
	return nil
}

// settle alternates draining and host call settlement until neither makes
// progress, then sleeps until the next timer is due and goes again. It
// returns once no jobs are pending.
func settle(ctx context.Context, reg *bridge.Registry, d *bridge.Dispatcher, id string) error {
	for {
		jobs := reg.Drain(ctx, id)
		calls, err := d.Pump(ctx, id)
		if err != nil {
			return err
		}
		if jobs > 0 || calls > 0 {
			continue
		}

		wait, ok := reg.NextJob(id)
		if !ok {
			return ctx.Err()
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// registerHostFuncs installs the host functions available to eval scripts.
func registerHostFuncs(ctx context.Context, d *bridge.Dispatcher, id string) error {
	funcs := map[string]bridge.HostFunc{
		"getenv": func(_ context.Context, args []any) (any, error) {
			name, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			if v, ok := os.LookupEnv(name); ok {
				return v, nil
			}
			return nil, nil
		},
		"readFile": func(_ context.Context, args []any) (any, error) {
			path, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		},
	}

	for name, fn := range funcs {
		if err := d.Register(ctx, id, name, fn); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i+1)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d must be a string", i+1)
	}
	return s, nil
}
