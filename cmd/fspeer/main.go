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

// fspeer is a development peer for ptracefs' remote backend. It dials the
// tracer's websocket bridge and serves files from a directory or a YAML seed
// file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/in-toto/ptracefs/bridge/peer"
	"github.com/in-toto/ptracefs/internal/logging"
	"github.com/in-toto/ptracefs/log"
	"github.com/in-toto/ptracefs/vfs"
	"github.com/spf13/cobra"
)

type options struct {
	url      string
	root     string
	seedFile string
	retry    time.Duration
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:          "fspeer",
		Short:        "Serve files to a ptracefs remote bridge",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}

	cmd.Flags().StringVar(&o.url, "url", "ws://127.0.0.1:8765/", "Websocket URL of the ptracefs bridge")
	cmd.Flags().StringVar(&o.root, "root", "", "Serve files below this directory")
	cmd.Flags().StringVar(&o.seedFile, "seed-file", "", "Serve files from this YAML seed file, kept in memory")
	cmd.Flags().DurationVar(&o.retry, "retry", 30*time.Second, "Keep dialing for this long while the bridge is not up")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	cmd.MarkFlagsMutuallyExclusive("root", "seed-file")
	return cmd
}

func storage(o *options) (peer.Storage, error) {
	switch {
	case o.root != "":
		return peer.NewDirStorage(o.root), nil
	case o.seedFile != "":
		files, err := vfs.LoadSeed(o.seedFile)
		if err != nil {
			return nil, err
		}
		return peer.NewMemoryStorage(files), nil
	default:
		return peer.NewMemoryStorage(nil), nil
	}
}

func run(ctx context.Context, o *options) error {
	logger, err := logging.New(o.logLevel, os.Stderr)
	if err != nil {
		return err
	}
	log.SetLogger(logger)

	s, err := storage(o)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := dial(ctx, o.url, s, o.retry)
	if err != nil {
		return err
	}
	defer p.Close()

	err = p.Serve(ctx)
	log.Infof("served %d reads and %d writes", p.Reads(), p.Writes())
	return err
}

func dial(ctx context.Context, url string, s peer.Storage, retry time.Duration) (*peer.Peer, error) {
	deadline := time.Now().Add(retry)
	for {
		p, err := peer.Dial(ctx, url, s)
		if err == nil {
			return p, nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, err
		}

		log.Debugf("bridge not ready: %v", err)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
