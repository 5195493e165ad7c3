// Copyright 2021 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/in-toto/ptracefs/bridge"
	"github.com/in-toto/ptracefs/config"
	"github.com/in-toto/ptracefs/interceptor"
	"github.com/in-toto/ptracefs/internal/logging"
	"github.com/in-toto/ptracefs/log"
	"github.com/in-toto/ptracefs/vfs"
	"github.com/spf13/cobra"
)

var errMissingProgram = errors.New("missing program to run")

// exitError carries the traced program's exit code out of cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error {
	return e.err
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "ptracefs [flags] <program> [args...]",
		Short: "Run a program with selected files served from memory or a remote peer",
		Long: `ptracefs runs a program under ptrace and answers its open, openat, read,
write, lseek and close calls for intercepted paths itself. Content comes
from an in-memory table or from a remote peer connected over a websocket,
cached on local disk. Everything else reaches the kernel untouched.`,
		Example: `  ptracefs cat /fake/test.txt
  ptracefs --backend remote --intercept '/data/**' -- ./build.sh`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errMissingProgram
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraced(cmd.Context(), configFile, cmd, args)
		},
	}

	// Everything after the program name belongs to the program.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&configFile, "config", "", "Path to a YAML, TOML or JSON config file")
	config.RegisterFlags(cmd.Flags())

	return cmd
}

func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", exit.err)
		}
		return exit.code
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if errors.Is(err, errMissingProgram) {
		fmt.Fprint(os.Stderr, root.UsageString())
	}
	return interceptor.TraceFailureExitCode
}

func runTraced(ctx context.Context, configFile string, cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	log.SetLogger(logger)

	// Interrupts abort setup, such as waiting for the peer. Once the program
	// runs they are left to the program, which shares our terminal.
	setupCtx, stopSetup := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	backend, closeBackend, err := openBackend(setupCtx, cfg)
	stopSetup()
	if err != nil {
		return err
	}
	defer closeBackend()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	child := exec.Command(args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	log.Debugf("running %v with the %s backend", args, cfg.Backend)
	code, err := interceptor.New(backend).Run(ctx, child)
	if err != nil || code != 0 {
		return &exitError{code: code, err: err}
	}
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config) (vfs.Backend, func(), error) {
	matcher, err := vfs.NewMatcher(cfg.Intercept)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Backend {
	case config.BackendRemote:
		return openRemote(ctx, cfg, matcher)
	default:
		files := vfs.DefaultSeed()
		if cfg.SeedFile != "" {
			if files, err = vfs.LoadSeed(cfg.SeedFile); err != nil {
				return nil, nil, err
			}
		}
		log.Infof("serving %d in-memory files", len(files))
		table := vfs.NewMemoryTable(files,
			vfs.WithMatcher(matcher),
			vfs.WithDescriptorBase(cfg.DescriptorBase),
		)
		return table, func() {}, nil
	}
}

func openRemote(ctx context.Context, cfg *config.Config, matcher *vfs.Matcher) (vfs.Backend, func(), error) {
	b, err := bridge.Listen(cfg.Address())
	if err != nil {
		return nil, nil, err
	}

	log.Infof("waiting for a peer to connect to %s", b.URL())
	if err := b.Accept(ctx); err != nil {
		_ = b.Close()
		return nil, nil, fmt.Errorf("waiting for peer: %w", err)
	}

	store, err := bridge.NewStore(b, cfg.CacheDir, matcher,
		bridge.WithDescriptorBase(cfg.DescriptorBase),
		bridge.WithMissTTL(cfg.MissTTL),
	)
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}

	log.Infof("intercepting %v, caching in %s", matcher.Patterns(), store.CacheDir())
	return store, func() { _ = b.Close() }, nil
}
