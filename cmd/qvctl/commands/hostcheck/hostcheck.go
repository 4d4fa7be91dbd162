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

// Package hostcheck implements the host readiness subcommand.
package hostcheck

import (
	"fmt"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/lwdjohari/quickvulkan-init/internal/gpu"
	"github.com/lwdjohari/quickvulkan-init/internal/hostcheck"
	"github.com/spf13/cobra"
)

// New returns the hostcheck subcommand.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "hostcheck",
		Short: "Validates host readiness",
		Long:  "Runs all host readiness checks and exits non-zero when any of them fails hard.",
		Args:  cobra.NoArgs,
		RunE:  runner,
	}
}

func runner(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	probe, err := gpu.Detect(ctx)
	if err != nil {
		// The check set degrades gracefully without a probe.
		galog.Warnf("GPU detection failed: %v", err)
	}

	report := hostcheck.Run(ctx, probe)
	for _, check := range report.Checks {
		cmd.Printf("%-16s %-5s %s\n", check.Name, check.Status, check.Detail)
	}

	if report.Failed() {
		return fmt.Errorf("host is not ready")
	}
	return nil
}
