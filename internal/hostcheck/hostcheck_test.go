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

package hostcheck

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/lwdjohari/quickvulkan-init/internal/cfg"
	"github.com/lwdjohari/quickvulkan-init/internal/gpu"
	"github.com/lwdjohari/quickvulkan-init/internal/retry"
	"github.com/lwdjohari/quickvulkan-init/internal/run"
)

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

func swapRunner(t *testing.T, tr *testRunner) {
	t.Helper()
	orig := run.Client
	t.Cleanup(func() { run.Client = orig })
	run.Client = tr
}

func findCheck(t *testing.T, report *Report, name string) *Check {
	t.Helper()
	for i := range report.Checks {
		if report.Checks[i].Name == name {
			return &report.Checks[i]
		}
	}
	return nil
}

func checkStatus(t *testing.T, report *Report, name string, want Status) {
	t.Helper()
	check := findCheck(t, report, name)
	if check == nil {
		t.Fatalf("Run() did not report check %q: %+v", name, report.Checks)
	}
	if check.Status != want {
		t.Errorf("Run() check %q = %v (%s), want %v", name, check.Status, check.Detail, want)
	}
}

func fastSocketRetry(t *testing.T) {
	t.Helper()
	saved := dockerSocketRetry
	t.Cleanup(func() { dockerSocketRetry = saved })
	dockerSocketRetry = retry.Policy{MaxAttempts: 1, Jitter: time.Millisecond, BackoffFactor: 1}
}

func TestRunHealthyNvidiaHost(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) returned error: %v", err)
	}
	fastSocketRetry(t)

	dir := t.TempDir()
	socketPath := filepath.Join(dir, "docker.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("net.Listen(unix, %q) failed: %v", socketPath, err)
	}
	defer listener.Close()

	config := cfg.Retrieve()
	savedSocket, savedX11 := config.Host.DockerSocket, config.Host.X11SocketDir
	config.Host.DockerSocket = socketPath
	config.Host.X11SocketDir = dir
	t.Cleanup(func() {
		config.Host.DockerSocket = savedSocket
		config.Host.X11SocketDir = savedX11
	})

	swapRunner(t, &testRunner{output: "io.containerd.runc.v2 nvidia runc \n"})

	probe := &gpu.Probe{
		Devices:     []gpu.Device{{Slot: "01:00.0", Vendor: gpu.VendorNVIDIA}},
		RenderNodes: []string{"/dev/dri/renderD128"},
	}
	report := Run(context.Background(), probe)

	checkStatus(t, report, "docker-socket", StatusOK)
	checkStatus(t, report, "docker-daemon", StatusOK)
	checkStatus(t, report, "nvidia-runtime", StatusOK)
	checkStatus(t, report, "x11-socket", StatusOK)
	checkStatus(t, report, "render-nodes", StatusOK)
	if report.Failed() {
		t.Errorf("Run() reported failure for a healthy host: %+v", report.Checks)
	}
}

func TestRunMissingDockerSocket(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) returned error: %v", err)
	}
	fastSocketRetry(t)

	config := cfg.Retrieve()
	saved := config.Host.DockerSocket
	config.Host.DockerSocket = filepath.Join(t.TempDir(), "missing.sock")
	t.Cleanup(func() { config.Host.DockerSocket = saved })

	swapRunner(t, &testRunner{err: errors.New("daemon down")})

	report := Run(context.Background(), nil)

	checkStatus(t, report, "docker-socket", StatusFail)
	checkStatus(t, report, "docker-daemon", StatusFail)
	if !report.Failed() {
		t.Errorf("Run() did not report failure without a docker socket")
	}
}

func TestRunNvidiaRuntimeMissing(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) returned error: %v", err)
	}
	fastSocketRetry(t)

	swapRunner(t, &testRunner{output: "io.containerd.runc.v2 runc \n"})

	probe := &gpu.Probe{Devices: []gpu.Device{{Vendor: gpu.VendorNVIDIA}}}
	report := Run(context.Background(), probe)

	checkStatus(t, report, "nvidia-runtime", StatusWarn)
}

func TestRunNoProbeDegrades(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) returned error: %v", err)
	}
	fastSocketRetry(t)

	swapRunner(t, &testRunner{output: "runc \n"})

	report := Run(context.Background(), nil)

	checkStatus(t, report, "render-nodes", StatusWarn)
	if findCheck(t, report, "nvidia-runtime") != nil {
		t.Errorf("Run(nil probe) reported an nvidia runtime check")
	}
}

func TestReportFailed(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     bool
	}{
		{
			name:     "all-ok",
			statuses: []Status{StatusOK, StatusOK},
			want:     false,
		},
		{
			name:     "warn-only",
			statuses: []Status{StatusOK, StatusWarn},
			want:     false,
		},
		{
			name:     "one-fail",
			statuses: []Status{StatusOK, StatusFail, StatusWarn},
			want:     true,
		},
		{
			name:     "empty",
			statuses: nil,
			want:     false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			report := &Report{}
			for i, s := range tc.statuses {
				report.add("check", s, "detail %d", i)
			}
			if got := report.Failed(); got != tc.want {
				t.Errorf("Failed(%v) = %t, want %t", tc.statuses, got, tc.want)
			}
		})
	}
}
