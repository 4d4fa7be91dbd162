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

// Package main is the quickvulkan container entrypoint. It reconciles the
// container user identity, provisions the home/ssh/sudo surface and then
// replaces itself with the requested service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/lwdjohari/quickvulkan-init/internal/cfg"
	"github.com/lwdjohari/quickvulkan-init/internal/identity"
	"github.com/lwdjohari/quickvulkan-init/internal/logger"
	"github.com/lwdjohari/quickvulkan-init/internal/provision"
	"golang.org/x/sys/unix"
)

// Exit codes are part of the entrypoint's contract, compose healthchecks and
// operators dispatch on them.
const (
	exitSuccess           = 0
	exitConfigError       = 2
	exitMissingCredential = 3
	exitUIDConflict       = 4
	exitNoFreeUID         = 5
)

var (
	// logOpts holds the logger options.
	logOpts = logger.Options{Ident: path.Base(os.Args[0]), LogToStderr: true, Level: 3}
	// version is the version of the binary.
	version = "unknown"
	// galogShutdownTimeout is the max time galog will take to shutdown.
	galogShutdownTimeout = 10 * time.Millisecond
	// versionFlag is the flag that forces the program to print the version
	// and exit.
	versionFlag = false
	// defaultService is exec'd when no command is passed to the entrypoint.
	defaultService = []string{"/usr/sbin/sshd", "-D", "-e"}
	// execve is a reference to unix.Exec, it's overridden in unit tests.
	execve = unix.Exec
)

func setupFlags() {
	flag.BoolVar(&versionFlag, "version", versionFlag, "prints this program version and exit")
	flag.Parse()
}

func main() {
	setupFlags()

	// If the user has passed -version flag just print the version and exit.
	if versionFlag {
		fmt.Println(logOpts.Ident, "version:", version)
		os.Exit(exitSuccess)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfg.Load(nil); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitConfigError)
	}

	config := cfg.Retrieve()
	logOpts.Level = config.Core.LogLevel
	logOpts.Verbosity = config.Core.LogVerbosity
	logOpts.LogFile = config.Core.LogFile

	if err := logger.Init(ctx, logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitConfigError)
	}

	if code := provisionIdentity(ctx, config); code != exitSuccess {
		galog.Shutdown(galogShutdownTimeout)
		os.Exit(code)
	}

	execService(flag.Args())
}

// provisionIdentity runs the identity reconciliation and the filesystem
// provisioning that follows it. Only reconciliation failures are fatal, a
// partially provisioned filesystem is logged and tolerated.
func provisionIdentity(ctx context.Context, config *cfg.Sections) int {
	if !config.Identity.CreateUser {
		galog.Infof("User creation disabled, skipping identity reconciliation")
		return exitSuccess
	}

	policy, err := identity.ParsePolicy(config.Identity.UserStrategy)
	if err != nil {
		galog.Errorf("Invalid configuration: %v", err)
		return exitConfigError
	}

	desired := identity.Desired{
		Name:     config.Identity.UserName,
		UID:      config.Identity.UserUID,
		GID:      config.Identity.UserGID,
		Shell:    config.Identity.UserShell,
		Password: config.Identity.UserPassword,
		Sudo:     config.Identity.UserSudo,
	}
	opts := identity.Options{
		RenameAllowed: config.Identity.UserRename,
		Policy:        policy,
		AutoPickMin:   config.Identity.AutopickMin,
		AutoPickMax:   config.Identity.AutopickMax,
	}

	reconciler := identity.NewReconciler(identity.SystemDirectory())
	outcome, err := reconciler.Run(ctx, desired, opts)
	if err != nil {
		galog.Errorf("Identity reconciliation failed: %v", err)
		switch {
		case errors.Is(err, identity.ErrMissingCredential):
			return exitMissingCredential
		case errors.Is(err, identity.ErrUIDConflict):
			return exitUIDConflict
		case errors.Is(err, identity.ErrNoFreeUID):
			return exitNoFreeUID
		}
		return exitConfigError
	}

	galog.Infof("Reconciled user %s (%d:%d), %d change(s) applied", outcome.Name, outcome.UID, outcome.GID, len(outcome.Actions))
	for _, action := range outcome.Actions {
		galog.V(1).Debugf("Applied %s on %s", action.Kind, action.Target)
	}

	if err := provision.Apply(ctx, outcome, config.Workspace.TakeOwnership); err != nil {
		galog.Warnf("Provisioning was incomplete: %v", err)
	}

	return exitSuccess
}

// execService replaces the entrypoint process with the requested service,
// sshd by default.
func execService(argv []string) {
	if len(argv) == 0 {
		argv = defaultService
	}

	binary, err := exec.LookPath(argv[0])
	if err != nil {
		galog.Errorf("Service binary %q not found: %v", argv[0], err)
		galog.Shutdown(galogShutdownTimeout)
		os.Exit(exitConfigError)
	}

	galog.Infof("Handing off to %s", binary)
	galog.Shutdown(galogShutdownTimeout)

	if err := execve(binary, argv, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to exec %s: %v\n", binary, err)
		os.Exit(exitConfigError)
	}
}
