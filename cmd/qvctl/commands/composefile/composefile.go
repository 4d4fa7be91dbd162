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

// Package composefile implements the compose file selection subcommand.
package composefile

import (
	"fmt"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/lwdjohari/quickvulkan-init/internal/compose"
	"github.com/lwdjohari/quickvulkan-init/internal/gpu"
	"github.com/spf13/cobra"
)

// New returns the compose subcommand.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Prints the compose files matching the host's gpu",
		Long:  "Selects the docker compose base file and the vendor override for the host's primary gpu and prints their paths in load order.",
		Args:  cobra.NoArgs,
		RunE:  runner,
	}
	cmd.Flags().String("dir", ".", "directory containing the compose files")
	return cmd
}

func runner(cmd *cobra.Command, _ []string) error {
	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return fmt.Errorf("failed to read --dir flag: %w", err)
	}

	vendor := gpu.VendorUnknown
	probe, err := gpu.Detect(cmd.Context())
	if err != nil {
		galog.Warnf("GPU detection failed, selecting base compose file only: %v", err)
	} else {
		vendor = probe.PrimaryVendor()
	}

	selection, err := compose.Select(dir, vendor)
	if err != nil {
		return fmt.Errorf("compose selection failed: %w", err)
	}

	for _, path := range selection.Paths() {
		cmd.Println(path)
	}
	return nil
}
