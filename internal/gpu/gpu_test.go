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

package gpu

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/lwdjohari/quickvulkan-init/internal/cfg"
	"github.com/lwdjohari/quickvulkan-init/internal/run"
)

func TestParseLspciOutput(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []Device
	}{
		{
			name: "discrete-nvidia",
			output: `00:1f.4 SMBus [0c05]: Intel Corporation Comet Lake PCH SMBus Controller [8086:06a3]
01:00.0 VGA compatible controller [0300]: NVIDIA Corporation GA104 [GeForce RTX 3070] [10de:2484] (rev a1)
01:00.1 Audio device [0403]: NVIDIA Corporation GA104 High Definition Audio Controller [10de:228b] (rev a1)`,
			want: []Device{
				{
					Slot:        "01:00.0",
					Description: "NVIDIA Corporation GA104 [GeForce RTX 3070] [10de:2484] (rev a1)",
					Vendor:      VendorNVIDIA,
				},
			},
		},
		{
			name: "hybrid-intel-nvidia",
			output: `00:02.0 VGA compatible controller [0300]: Intel Corporation CometLake-H GT2 [UHD Graphics] [8086:9bc4] (rev 05)
01:00.0 3D controller [0302]: NVIDIA Corporation TU117M [GeForce GTX 1650 Mobile] [10de:1f99] (rev a1)`,
			want: []Device{
				{
					Slot:        "00:02.0",
					Description: "Intel Corporation CometLake-H GT2 [UHD Graphics] [8086:9bc4] (rev 05)",
					Vendor:      VendorIntel,
				},
				{
					Slot:        "01:00.0",
					Description: "NVIDIA Corporation TU117M [GeForce GTX 1650 Mobile] [10de:1f99] (rev a1)",
					Vendor:      VendorNVIDIA,
				},
			},
		},
		{
			name:   "amd-display-controller",
			output: "03:00.0 Display controller [0380]: Advanced Micro Devices, Inc. [AMD/ATI] Navi 23 [1002:73ff] (rev c1)",
			want: []Device{
				{
					Slot:        "03:00.0",
					Description: "Advanced Micro Devices, Inc. [AMD/ATI] Navi 23 [1002:73ff] (rev c1)",
					Vendor:      VendorAMD,
				},
			},
		},
		{
			name:   "no-adapters",
			output: "00:00.0 Host bridge [0600]: Intel Corporation Device [8086:9b61]\n",
			want:   nil,
		},
		{
			name:   "empty",
			output: "",
			want:   nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := parseLspciOutput(tc.output)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("parseLspciOutput(%s) returned diff (-want +got):\n%s", tc.name, diff)
			}
		})
	}
}

func TestClassifyVendor(t *testing.T) {
	tests := []struct {
		name        string
		description string
		want        Vendor
	}{
		{
			name:        "nvidia-by-id",
			description: "Some Rebrand Corp Device [10de:2484]",
			want:        VendorNVIDIA,
		},
		{
			name:        "amd-by-id",
			description: "Some Rebrand Corp Device [1002:73ff]",
			want:        VendorAMD,
		},
		{
			name:        "intel-by-id",
			description: "Some Rebrand Corp Device [8086:9bc4]",
			want:        VendorIntel,
		},
		{
			name:        "nvidia-by-name",
			description: "NVIDIA Corporation GA104",
			want:        VendorNVIDIA,
		},
		{
			name:        "amd-by-name",
			description: "Advanced Micro Devices, Inc. Navi 23",
			want:        VendorAMD,
		},
		{
			name:        "intel-by-name",
			description: "Intel Corporation UHD Graphics 630",
			want:        VendorIntel,
		},
		{
			name:        "unknown",
			description: "Matrox Electronics Systems Ltd. G200eR2",
			want:        VendorUnknown,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyVendor(tc.description); got != tc.want {
				t.Errorf("classifyVendor(%q) = %v, want %v", tc.description, got, tc.want)
			}
		})
	}
}

func TestPrimaryVendor(t *testing.T) {
	tests := []struct {
		name    string
		vendors []Vendor
		want    Vendor
	}{
		{
			name:    "nvidia-beats-intel",
			vendors: []Vendor{VendorIntel, VendorNVIDIA},
			want:    VendorNVIDIA,
		},
		{
			name:    "amd-beats-intel",
			vendors: []Vendor{VendorAMD, VendorIntel},
			want:    VendorAMD,
		},
		{
			name:    "intel-only",
			vendors: []Vendor{VendorIntel},
			want:    VendorIntel,
		},
		{
			name:    "no-devices",
			vendors: nil,
			want:    VendorUnknown,
		},
		{
			name:    "unknown-only",
			vendors: []Vendor{VendorUnknown},
			want:    VendorUnknown,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			probe := &Probe{}
			for _, v := range tc.vendors {
				probe.Devices = append(probe.Devices, Device{Vendor: v})
			}
			if got := probe.PrimaryVendor(); got != tc.want {
				t.Errorf("PrimaryVendor(%v) = %v, want %v", tc.vendors, got, tc.want)
			}
		})
	}
}

type testRunner struct {
	output string
	err    error
}

func (tr *testRunner) WithContext(_ context.Context, opts run.Options) (*run.Result, error) {
	if tr.err != nil {
		return nil, tr.err
	}
	return &run.Result{OutputType: opts.OutputType, Output: tr.output}, nil
}

func TestDetect(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) returned error: %v", err)
	}

	driDir := t.TempDir()
	for _, node := range []string{"card0", "renderD128", "renderD129"} {
		if err := os.WriteFile(filepath.Join(driDir, node), nil, 0644); err != nil {
			t.Fatalf("os.WriteFile(%s) failed: %v", node, err)
		}
	}
	savedDRIDir := cfg.Retrieve().Host.DRIDir
	cfg.Retrieve().Host.DRIDir = driDir
	t.Cleanup(func() { cfg.Retrieve().Host.DRIDir = savedDRIDir })

	orig := run.Client
	t.Cleanup(func() { run.Client = orig })
	run.Client = &testRunner{output: "01:00.0 VGA compatible controller [0300]: NVIDIA Corporation GA104 [10de:2484] (rev a1)\n"}

	probe, err := Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() returned error: %v", err)
	}

	if got := probe.PrimaryVendor(); got != VendorNVIDIA {
		t.Errorf("Detect() primary vendor = %v, want %v", got, VendorNVIDIA)
	}
	wantNodes := []string{filepath.Join(driDir, "renderD128"), filepath.Join(driDir, "renderD129")}
	if diff := cmp.Diff(wantNodes, probe.RenderNodes); diff != "" {
		t.Errorf("Detect() render nodes returned diff (-want +got):\n%s", diff)
	}
}
