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

// Package hostcheck validates that the host is ready to run the dev
// container: docker reachable, display sockets present, render nodes
// available and enough resources to build against the Vulkan SDK.
package hostcheck

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/lwdjohari/quickvulkan-init/internal/cfg"
	"github.com/lwdjohari/quickvulkan-init/internal/gpu"
	"github.com/lwdjohari/quickvulkan-init/internal/retry"
	"github.com/lwdjohari/quickvulkan-init/internal/run"
	"github.com/lwdjohari/quickvulkan-init/internal/utils/file"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status is the severity of a single check result.
type Status int

const (
	// StatusOK means the capability is present.
	StatusOK Status = iota
	// StatusWarn means the capability is missing but the container can still
	// run in a degraded mode (e.g. no X11 forwarding).
	StatusWarn
	// StatusFail means the container cannot be brought up.
	StatusFail
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	}
	return "unknown"
}

// Check is a single readiness check result.
type Check struct {
	// Name identifies the check.
	Name string
	// Status is the result severity.
	Status Status
	// Detail is a human readable explanation.
	Detail string
}

// Report aggregates all readiness check results.
type Report struct {
	// Checks is the ordered check list.
	Checks []Check
}

// Failed reports whether any check failed hard.
func (r *Report) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return true
		}
	}
	return false
}

func (r *Report) add(name string, status Status, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: fmt.Sprintf(format, args...)})
}

// dockerSocketRetry bounds the wait for a docker daemon that is still
// starting up.
var dockerSocketRetry = retry.Policy{MaxAttempts: 5, Jitter: time.Millisecond * 500, BackoffFactor: 2}

// Run executes all readiness checks. The probe may be nil when the GPU
// detection itself failed; vendor specific checks degrade to warnings then.
func Run(ctx context.Context, probe *gpu.Probe) *Report {
	config := cfg.Retrieve()
	report := &Report{}

	checkDockerSocket(ctx, config, report)
	checkDockerRuntimes(ctx, probe, report)
	checkDisplaySockets(config, report)
	checkRenderNodes(probe, report)
	checkResources(ctx, report)

	return report
}

// checkDockerSocket waits for the docker daemon socket to show up.
func checkDockerSocket(ctx context.Context, config *cfg.Sections, report *Report) {
	socket := config.Host.DockerSocket
	err := retry.Run(ctx, dockerSocketRetry, func() error {
		if !file.Exists(socket, file.TypeSocket) {
			return fmt.Errorf("socket %q not present", socket)
		}
		return nil
	})
	if err != nil {
		report.add("docker-socket", StatusFail, "docker socket %q is not available: %v", socket, err)
		return
	}
	report.add("docker-socket", StatusOK, "docker socket %q present", socket)
}

// checkDockerRuntimes verifies the daemon answers and, for NVIDIA hosts,
// that the nvidia container runtime is registered.
func checkDockerRuntimes(ctx context.Context, probe *gpu.Probe, report *Report) {
	res, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputStdout,
		Name:       "docker",
		Args:       []string{"info", "--format", "{{range $name, $rt := .Runtimes}}{{$name}} {{end}}"},
		Timeout:    time.Second * 10,
	})
	if err != nil {
		report.add("docker-daemon", StatusFail, "docker daemon not answering: %v", err)
		return
	}
	report.add("docker-daemon", StatusOK, "docker daemon answering")

	if probe == nil || probe.PrimaryVendor() != gpu.VendorNVIDIA {
		return
	}
	if !strings.Contains(res.Output, "nvidia") {
		report.add("nvidia-runtime", StatusWarn, "nvidia adapter present but nvidia container runtime is not registered")
		return
	}
	report.add("nvidia-runtime", StatusOK, "nvidia container runtime registered")
}

// checkDisplaySockets looks for the X11 socket directory. Missing display
// plumbing only disables windowed output, offscreen rendering still works.
func checkDisplaySockets(config *cfg.Sections, report *Report) {
	if !file.Exists(config.Host.X11SocketDir, file.TypeDir) {
		report.add("x11-socket", StatusWarn, "X11 socket directory %q not present, windowed output disabled", config.Host.X11SocketDir)
		return
	}
	report.add("x11-socket", StatusOK, "X11 socket directory %q present", config.Host.X11SocketDir)
}

// checkRenderNodes verifies at least one dri render node exists.
func checkRenderNodes(probe *gpu.Probe, report *Report) {
	if probe == nil || len(probe.RenderNodes) == 0 {
		report.add("render-nodes", StatusWarn, "no /dev/dri render nodes, gpu passthrough unavailable")
		return
	}
	report.add("render-nodes", StatusOK, "render nodes: %s", strings.Join(probe.RenderNodes, ", "))
}

// minimumAvailableMemory is what a shader-heavy build realistically needs.
const minimumAvailableMemory = 2 << 30

// checkResources summarizes host resources.
func checkResources(ctx context.Context, report *Report) {
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		galog.V(1).Debugf("Failed to count cpus: %v", err)
		cpus = 0
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		report.add("resources", StatusWarn, "could not read host memory: %v", err)
		return
	}

	detail := fmt.Sprintf("%d cpus, %.1f GiB available of %.1f GiB", cpus, float64(vm.Available)/(1<<30), float64(vm.Total)/(1<<30))
	if vm.Available < minimumAvailableMemory {
		report.add("resources", StatusWarn, "%s, below the recommended 2 GiB", detail)
		return
	}
	report.add("resources", StatusOK, "%s", detail)
}
