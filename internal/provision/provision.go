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

// Package provision materializes the filesystem side of a reconciled
// identity: home directory, ssh credential directory, sudo grant and
// ownership of the shared workspace/cache mounts. Failures here never abort
// the startup - the identity binding is already converged, a read-only mount
// or missing path only costs the corresponding convenience.
package provision

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/lwdjohari/quickvulkan-init/internal/accounts"
	"github.com/lwdjohari/quickvulkan-init/internal/cfg"
	"github.com/lwdjohari/quickvulkan-init/internal/gpu"
	"github.com/lwdjohari/quickvulkan-init/internal/identity"
	"github.com/lwdjohari/quickvulkan-init/internal/utils/file"
)

// sudoersFileName is the drop-in written under the configured sudoers
// directory. It is rewritten whole on every run so the grant always names
// exactly one account.
var sudoersFileName = "quickvulkan-user"

// Apply provisions the filesystem for the reconciled identity: home tree,
// ssh credential dir, sudo grant and ownership propagation. Individual
// failures are logged and skipped, the first of them is returned so callers
// can surface that provisioning was incomplete.
func Apply(ctx context.Context, outcome *identity.Outcome, takeWorkspace bool) error {
	var firstErr error
	report := func(err error) {
		galog.Errorf("Provisioning: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	owner := file.GUID{UID: outcome.UID, GID: outcome.GID}

	if err := EnsureHome(ctx, outcome.HomeDir, owner); err != nil {
		report(err)
	}

	if outcome.Sudo {
		if err := GrantSudo(ctx, outcome.Name); err != nil {
			report(err)
		}
	}

	config := cfg.Retrieve()

	nodes, err := gpu.RenderNodes(config.Host.DRIDir)
	if err != nil {
		galog.V(1).Debugf("No render nodes to grant access to: %v", err)
	}
	if len(nodes) > 0 {
		if err := GrantDeviceAccess(ctx, outcome.Name); err != nil {
			report(err)
		}
	}

	paths := []string{config.Workspace.CacheDir}
	if takeWorkspace {
		paths = append(paths, config.Workspace.Path)
	}
	for _, p := range paths {
		if err := ChownTree(ctx, p, owner); err != nil {
			report(err)
		}
	}

	return firstErr
}

// EnsureHome creates the home directory with mode 0755 and the ssh
// credential directory beneath it: .ssh with mode 0700 and an empty
// authorized_keys with mode 0600, all owned by the reconciled identity. An
// already provisioned tree is left as is apart from ownership alignment.
func EnsureHome(ctx context.Context, home string, owner file.GUID) error {
	if home == "" {
		return fmt.Errorf("home directory is not set")
	}

	if err := file.MkdirOwned(home, 0755, owner); err != nil {
		return fmt.Errorf("failed to provision home directory: %w", err)
	}

	sshPath := filepath.Join(home, ".ssh")
	if err := file.MkdirOwned(sshPath, 0700, owner); err != nil {
		return fmt.Errorf("failed to provision ssh directory: %w", err)
	}

	authorizedKeys := filepath.Join(sshPath, "authorized_keys")
	if !file.Exists(authorizedKeys, file.TypeFile) {
		if err := file.WriteFile(ctx, nil, authorizedKeys, file.Options{Perm: 0600, Owner: &owner}); err != nil {
			return fmt.Errorf("failed to provision authorized_keys: %w", err)
		}
	} else if err := os.Chown(authorizedKeys, owner.UID, owner.GID); err != nil {
		return fmt.Errorf("failed to align authorized_keys ownership: %w", err)
	}

	galog.V(1).Debugf("Provisioned home directory %s for %d:%d", home, owner.UID, owner.GID)
	return nil
}

// GrantSudo writes the passwordless sudo drop-in for the named account. The
// file is replaced atomically and only ever contains the single grant line.
func GrantSudo(ctx context.Context, name string) error {
	sudoersPath := filepath.Join(cfg.Retrieve().Accounts.SudoersDir, sudoersFileName)
	line := fmt.Sprintf("%s ALL=(ALL:ALL) NOPASSWD:ALL\n", name)

	if err := file.SaferWriteFile(ctx, []byte(line), sudoersPath, file.Options{Perm: 0440}); err != nil {
		return fmt.Errorf("failed to write sudo configuration for %s: %w", name, err)
	}

	galog.V(1).Debugf("Wrote sudo configuration for %s to %s", name, sudoersPath)
	return nil
}

// deviceAccessGroups are the groups owning the dri render nodes on common
// base images.
var deviceAccessGroups = []string{"video", "render"}

// GrantDeviceAccess adds the named account to the groups owning the render
// nodes so the user can open /dev/dri devices. Groups the image doesn't
// carry are skipped, an account already holding the membership is left as
// is.
func GrantDeviceAccess(ctx context.Context, name string) error {
	var firstErr error

	for _, groupName := range deviceAccessGroups {
		group, err := accounts.FindGroup(ctx, groupName)
		if err != nil {
			if accounts.IsNotFound(err) {
				galog.V(1).Debugf("Group %s not present, skipping device access grant", groupName)
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if slices.Contains(group.Members, name) {
			continue
		}

		if err := accounts.AddUserToGroup(ctx, &accounts.User{Name: name}, group); err != nil {
			galog.Errorf("Failed to add %s to group %s: %v", name, groupName, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		galog.V(1).Debugf("Added %s to group %s", name, groupName)
	}

	return firstErr
}

// ChownTree recursively reassigns ownership of root to owner. Entries that
// refuse the chown (read-only bind mounts typically) are logged and skipped,
// only a missing or unreadable root is an error.
func ChownTree(ctx context.Context, root string, owner file.GUID) error {
	if root == "" {
		return nil
	}
	if !file.Exists(root, file.TypeDir) {
		return fmt.Errorf("directory %q does not exist, not taking ownership", root)
	}

	var failed int
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			galog.V(2).Debugf("Skipping %q: %v", path, err)
			return nil
		}
		// Lchown so symlinks into other mounts don't get followed.
		if err := os.Lchown(path, owner.UID, owner.GID); err != nil {
			failed++
			galog.V(2).Debugf("Failed to chown %q: %v", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %q: %w", root, err)
	}

	if failed > 0 {
		galog.Warnf("Ownership of %d entries under %q could not be changed", failed, root)
	}
	galog.V(1).Debugf("Took ownership of %s for %d:%d", root, owner.UID, owner.GID)
	return nil
}
