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

// Package gpuprobe implements the gpu detection subcommand.
package gpuprobe

import (
	"fmt"

	"github.com/lwdjohari/quickvulkan-init/internal/gpu"
	"github.com/spf13/cobra"
)

// New returns the gpu subcommand.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "gpu",
		Short: "Probes the host display adapters",
		Long:  "Lists the host's display adapters, render nodes and the primary vendor used for compose selection.",
		Args:  cobra.NoArgs,
		RunE:  runner,
	}
}

func runner(cmd *cobra.Command, _ []string) error {
	probe, err := gpu.Detect(cmd.Context())
	if err != nil {
		return fmt.Errorf("gpu detection failed: %w", err)
	}

	if len(probe.Devices) == 0 {
		cmd.Println("No display adapters found")
	}
	for _, device := range probe.Devices {
		cmd.Printf("%s %-8s %s\n", device.Slot, device.Vendor, device.Description)
	}
	for _, node := range probe.RenderNodes {
		cmd.Printf("render node: %s\n", node)
	}
	cmd.Printf("primary vendor: %s\n", probe.PrimaryVendor())

	return nil
}
