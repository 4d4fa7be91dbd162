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

// Package gpu probes the host for display adapters and render nodes so the
// right compose override and container devices can be selected.
package gpu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/lwdjohari/quickvulkan-init/internal/cfg"
	"github.com/lwdjohari/quickvulkan-init/internal/run"
)

// Vendor is a display adapter vendor classification.
type Vendor int

const (
	// VendorUnknown is an adapter we can't classify.
	VendorUnknown Vendor = iota
	// VendorNVIDIA is an NVIDIA adapter.
	VendorNVIDIA
	// VendorAMD is an AMD/ATI adapter.
	VendorAMD
	// VendorIntel is an Intel adapter.
	VendorIntel
)

// String implements fmt.Stringer.
func (v Vendor) String() string {
	switch v {
	case VendorNVIDIA:
		return "nvidia"
	case VendorAMD:
		return "amd"
	case VendorIntel:
		return "intel"
	}
	return "unknown"
}

// pciVendorIDs maps PCI vendor ids, as printed by lspci -nn, to vendors.
var pciVendorIDs = map[string]Vendor{
	"10de": VendorNVIDIA,
	"1002": VendorAMD,
	"8086": VendorIntel,
}

// Device is one display adapter found on the host.
type Device struct {
	// Slot is the PCI slot, e.g. "01:00.0".
	Slot string
	// Description is the adapter description as reported by lspci.
	Description string
	// Vendor is the classified vendor.
	Vendor Vendor
}

// Probe is the result of a host GPU detection pass.
type Probe struct {
	// Devices are the display adapters found.
	Devices []Device
	// RenderNodes are the /dev/dri render node paths available.
	RenderNodes []string
}

// PrimaryVendor returns the vendor driving the compose/device selection.
// A discrete NVIDIA or AMD adapter wins over an integrated Intel one.
func (p *Probe) PrimaryVendor() Vendor {
	best := VendorUnknown
	for _, d := range p.Devices {
		switch d.Vendor {
		case VendorNVIDIA:
			return VendorNVIDIA
		case VendorAMD:
			best = VendorAMD
		case VendorIntel:
			if best == VendorUnknown {
				best = VendorIntel
			}
		}
	}
	return best
}

// Detect probes the host's pci bus and render nodes.
func Detect(ctx context.Context) (*Probe, error) {
	config := cfg.Retrieve()

	tokens := strings.Fields(config.Host.LspciCmd)
	if len(tokens) < 1 {
		return nil, fmt.Errorf("no lspci command configured")
	}

	res, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputStdout,
		Name:       tokens[0],
		Args:       tokens[1:],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pci devices: %w", err)
	}

	probe := &Probe{Devices: parseLspciOutput(res.Output)}

	probe.RenderNodes, err = RenderNodes(config.Host.DRIDir)
	if err != nil {
		// A headless or driverless host simply has no nodes.
		galog.V(1).Debugf("No render nodes found: %v", err)
	}

	galog.V(1).Debugf("Detected %d display adapter(s), primary vendor %s", len(probe.Devices), probe.PrimaryVendor())
	return probe, nil
}

// displayClasses are the lspci device class names identifying adapters.
var displayClasses = []string{"VGA compatible controller", "3D controller", "Display controller"}

// parseLspciOutput extracts display adapters from lspci -nn output.
func parseLspciOutput(output string) []Device {
	var devices []Device

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// 01:00.0 VGA compatible controller [0300]: NVIDIA Corporation GA104 [10de:2484] (rev a1)
		slot, rest, found := strings.Cut(line, " ")
		if !found {
			continue
		}

		var class string
		for _, c := range displayClasses {
			if strings.HasPrefix(rest, c) {
				class = c
				break
			}
		}
		if class == "" {
			continue
		}

		_, description, found := strings.Cut(rest, ": ")
		if !found {
			continue
		}

		devices = append(devices, Device{
			Slot:        slot,
			Description: description,
			Vendor:      classifyVendor(description),
		})
	}

	return devices
}

// classifyVendor sniffs the vendor out of an adapter description, preferring
// the numeric pci id over the flakier name matching.
func classifyVendor(description string) Vendor {
	for id, vendor := range pciVendorIDs {
		if strings.Contains(description, "["+id+":") {
			return vendor
		}
	}

	lowered := strings.ToLower(description)
	switch {
	case strings.Contains(lowered, "nvidia"):
		return VendorNVIDIA
	case strings.Contains(lowered, "amd"), strings.Contains(lowered, "ati "), strings.Contains(lowered, "advanced micro devices"):
		return VendorAMD
	case strings.Contains(lowered, "intel"):
		return VendorIntel
	}
	return VendorUnknown
}

// RenderNodes lists the render nodes under the dri directory.
func RenderNodes(driDir string) ([]string, error) {
	entries, err := os.ReadDir(driDir)
	if err != nil {
		return nil, fmt.Errorf("could not read %q: %w", driDir, err)
	}

	var nodes []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			nodes = append(nodes, filepath.Join(driDir, entry.Name()))
		}
	}
	return nodes, nil
}
