//  Copyright 2025 The quickvulkan-init Authors
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package main is the operator CLI for validating a host before bringing up
// the quickvulkan dev container.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/lwdjohari/quickvulkan-init/cmd/qvctl/commands/composefile"
	"github.com/lwdjohari/quickvulkan-init/cmd/qvctl/commands/gpuprobe"
	"github.com/lwdjohari/quickvulkan-init/cmd/qvctl/commands/hostcheck"
	"github.com/lwdjohari/quickvulkan-init/internal/cfg"
	"github.com/lwdjohari/quickvulkan-init/internal/logger"
	"github.com/spf13/cobra"
)

const (
	// galogShutdownTimeout is the period of time we should wait for galog to
	// shutdown.
	galogShutdownTimeout = time.Second
)

// newRootCommand generates the root command with the [hostcheck], [gpu] and
// [compose] subcommands.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "qvctl",
		Short: "quickvulkan host tooling.",
		Long:  "CLI for probing the host GPU and validating readiness for the quickvulkan dev container.",
	}

	root.AddCommand(hostcheck.New())
	root.AddCommand(gpuprobe.New())
	root.AddCommand(composefile.New())

	return root
}

func main() {
	ctx := context.Background()

	if err := cfg.Load(nil); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logOpts := logger.Options{
		Ident:       filepath.Base(os.Args[0]),
		LogToStderr: true,
		Level:       cfg.Retrieve().Core.LogLevel,
		Verbosity:   cfg.Retrieve().Core.LogVerbosity,
		LogFile:     cfg.Retrieve().Core.LogFile,
	}

	if err := logger.Init(ctx, logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer galog.Shutdown(galogShutdownTimeout)

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		galog.Shutdown(galogShutdownTimeout)
		os.Exit(1)
	}
}
