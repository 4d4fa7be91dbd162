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

// Package identity converges the container's user account to a desired
// (name, uid, gid) binding. Base images routinely pre-create a conventional
// low-numbered account (ubuntu, debian) at the uid a caller wants for their
// own named account; the reconciler resolves such collisions by renaming,
// reusing, failing or picking an alternative uid - without ever leaving two
// live accounts bound to the same uid and without destroying the files the
// colliding uid already owns.
package identity

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/lwdjohari/quickvulkan-init/internal/accounts"
)

var (
	// ErrMissingCredential is returned when the desired identity carries no
	// password. It is raised before any directory mutation.
	ErrMissingCredential = errors.New("user password is empty")
	// ErrUIDConflict is returned under the fail policy when the desired uid
	// is already bound to a different account name.
	ErrUIDConflict = errors.New("uid already bound to another account")
	// ErrNoFreeUID is returned under the autopick policy when the secondary
	// uid range has no unbound uid left.
	ErrNoFreeUID = errors.New("no free uid in autopick range")
)

// Policy selects how a uid collision is resolved when renaming the existing
// account is not allowed.
type Policy int

const (
	// PolicyReuse adopts the existing account's name, no new account is
	// created.
	PolicyReuse Policy = iota
	// PolicyFail aborts the reconciliation with ErrUIDConflict.
	PolicyFail
	// PolicyAutoPick scans the secondary uid range for the first free uid and
	// creates the desired name there.
	PolicyAutoPick
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case PolicyReuse:
		return "reuse"
	case PolicyFail:
		return "fail"
	case PolicyAutoPick:
		return "autopick"
	}
	return "unknown"
}

// ParsePolicy parses a collision policy name.
func ParsePolicy(value string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "reuse":
		return PolicyReuse, nil
	case "fail":
		return PolicyFail, nil
	case "autopick":
		return PolicyAutoPick, nil
	}
	return 0, fmt.Errorf("unrecognized collision policy %q", value)
}

// Desired is the requested identity, immutable for one reconciliation run.
type Desired struct {
	// Name is the desired account name.
	Name string
	// UID is the desired numeric user id.
	UID int
	// GID is the desired numeric group id.
	GID int
	// Shell is the login shell path.
	Shell string
	// Password is the account credential, required.
	Password string
	// Sudo flags whether the account gets passwordless sudo. The grant itself
	// is written by the provision package, the flag travels in the outcome.
	Sudo bool
}

// Options tune the collision handling of one reconciliation run.
type Options struct {
	// RenameAllowed resolves a uid collision by renaming the existing account
	// to the desired name, preserving the files the uid already owns. When
	// false, Policy governs.
	RenameAllowed bool
	// Policy is the fallback collision strategy.
	Policy Policy
	// AutoPickMin and AutoPickMax bound the secondary uid range scanned under
	// PolicyAutoPick. Zero values default to 1001-1999.
	AutoPickMin int
	AutoPickMax int
}

// ActionKind identifies one structural directory mutation.
type ActionKind string

const (
	// ActionCreateGroup records a group creation.
	ActionCreateGroup ActionKind = "create_group"
	// ActionRenameGroup records a group rename.
	ActionRenameGroup ActionKind = "rename_group"
	// ActionCreateUser records an account creation.
	ActionCreateUser ActionKind = "create_user"
	// ActionRenameUser records an account rename.
	ActionRenameUser ActionKind = "rename_user"
	// ActionChangeShell records a login shell change.
	ActionChangeShell ActionKind = "change_shell"
	// ActionChangeGID records a primary group reassignment.
	ActionChangeGID ActionKind = "change_gid"
)

// Action is one structural mutation applied to the directory.
type Action struct {
	// Kind is the mutation kind.
	Kind ActionKind
	// Target is the account or group name the mutation applied to.
	Target string
}

// Outcome is the effective identity after reconciliation. Name, UID and GID
// may differ from the desired values under the reuse and autopick policies.
type Outcome struct {
	// Name is the effective account name.
	Name string
	// UID is the effective user id.
	UID int
	// GID is the effective group id.
	GID int
	// HomeDir is the account's home directory.
	HomeDir string
	// Sudo carries the desired sudo flag forward to provisioning.
	Sudo bool
	// Actions is the ordered sequence of structural mutations performed. A
	// reconciliation over an already converged directory records none.
	Actions []Action
}

func (o *Outcome) record(kind ActionKind, target string) {
	o.Actions = append(o.Actions, Action{Kind: kind, Target: target})
}

// Reconciler converges the account directory to a desired identity.
type Reconciler struct {
	dir Directory
}

// NewReconciler returns a Reconciler operating on dir.
func NewReconciler(dir Directory) *Reconciler {
	return &Reconciler{dir: dir}
}

// systemsHomeDir is the base directory for home directories.
var systemsHomeDir = "/home"

// validate fails fast on an unusable desired identity, before any directory
// write happens.
func (d Desired) validate() error {
	if d.Password == "" {
		return ErrMissingCredential
	}
	if d.Name == "" {
		return errors.New("user name is empty")
	}
	if strings.ContainsAny(d.Name, ": \t\n") {
		return fmt.Errorf("invalid user name %q", d.Name)
	}
	if d.UID < 0 || d.GID < 0 {
		return fmt.Errorf("uid and gid must be non-negative, got %d/%d", d.UID, d.GID)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.AutoPickMin == 0 {
		o.AutoPickMin = 1001
	}
	if o.AutoPickMax == 0 {
		o.AutoPickMax = 1999
	}
	return o
}

// Run reconciles the directory to the desired identity. The returned outcome
// reflects the effective binding; fatal errors (ErrMissingCredential,
// ErrUIDConflict, ErrNoFreeUID and directory write failures) leave no
// partially renamed uid binding behind.
func (r *Reconciler) Run(ctx context.Context, desired Desired, opts Options) (*Outcome, error) {
	if err := desired.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	out := &Outcome{Name: desired.Name, UID: desired.UID, Sudo: desired.Sudo}

	// current is the account already bound to the effective name, when known.
	var current *accounts.User

	existing, err := r.lookupUID(ctx, desired.UID)
	if err != nil {
		return nil, err
	}

	switch {
	case existing == nil:
		// uid free, fresh create below.
	case existing.Name == desired.Name:
		// Already correctly bound.
		current = existing
	case opts.RenameAllowed:
		current, err = r.renameExisting(ctx, existing, desired, out)
		if err != nil {
			return nil, err
		}
	default:
		switch opts.Policy {
		case PolicyReuse:
			galog.Infof("Uid %d is held by %q, reusing that account instead of %q", desired.UID, existing.Name, desired.Name)
			out.Name = existing.Name
			current = existing
		case PolicyFail:
			return nil, fmt.Errorf("uid %d is bound to %q, desired name is %q: %w", desired.UID, existing.Name, desired.Name, ErrUIDConflict)
		case PolicyAutoPick:
			uid, err := r.pickFreeUID(ctx, opts)
			if err != nil {
				return nil, err
			}
			galog.Infof("Uid %d is held by %q, auto-picked %d for %q", desired.UID, existing.Name, uid, desired.Name)
			out.UID = uid
		}
	}

	if err := r.bindGroup(ctx, desired, out); err != nil {
		return nil, err
	}

	if current == nil {
		// A rename or reuse already resolved the account; otherwise the name
		// may still exist with a different uid, or not at all.
		if current, err = r.lookupUser(ctx, out.Name); err != nil {
			return nil, err
		}
	}

	if current == nil {
		u := &accounts.User{
			Name:    out.Name,
			UID:     out.UID,
			GID:     out.GID,
			Shell:   desired.Shell,
			HomeDir: filepath.Join(systemsHomeDir, out.Name),
		}
		if err := r.dir.CreateUser(ctx, u); err != nil {
			return nil, fmt.Errorf("failed to create user %s: %w", out.Name, err)
		}
		out.record(ActionCreateUser, out.Name)
		current = u
	} else {
		// Name collision without uid collision: the account keeps its uid,
		// numeric identity of files it owns wins over the requested value.
		if current.UID != out.UID {
			galog.Warnf("Account %s already holds uid %d, keeping it over %d", out.Name, current.UID, out.UID)
			out.UID = current.UID
		}
		// bindGroup guarantees the effective gid's group exists, so the
		// reassignment can't orphan a group.
		if current.GID != out.GID {
			if err := r.dir.SetUserGID(ctx, out.Name, out.GID); err != nil {
				return nil, fmt.Errorf("failed to change primary group of %s: %w", out.Name, err)
			}
			out.record(ActionChangeGID, out.Name)
		}
		if desired.Shell != "" && current.Shell != desired.Shell {
			if err := r.dir.SetUserShell(ctx, out.Name, desired.Shell); err != nil {
				return nil, fmt.Errorf("failed to change shell of %s: %w", out.Name, err)
			}
			out.record(ActionChangeShell, out.Name)
		}
	}

	if err := r.dir.SetPassword(ctx, out.Name, desired.Password); err != nil {
		return nil, fmt.Errorf("failed to set password for %s: %w", out.Name, err)
	}

	out.HomeDir = current.HomeDir
	if out.HomeDir == "" {
		out.HomeDir = filepath.Join(systemsHomeDir, out.Name)
	}

	return out, nil
}

// renameExisting resolves a uid collision by renaming the colliding account
// (and its same-named primary group) to the desired name. The account's
// files keep their uid ownership, only the alias changes.
func (r *Reconciler) renameExisting(ctx context.Context, existing *accounts.User, desired Desired, out *Outcome) (*accounts.User, error) {
	newHome := filepath.Join(systemsHomeDir, desired.Name)

	galog.Infof("Uid %d is held by %q, renaming it to %q", desired.UID, existing.Name, desired.Name)
	if err := r.dir.RenameUser(ctx, existing.Name, desired.Name, newHome); err != nil {
		return nil, fmt.Errorf("failed to rename user %s to %s: %w", existing.Name, desired.Name, err)
	}
	out.record(ActionRenameUser, desired.Name)

	// A base image account usually owns a same-named group at the same id;
	// carry the rename over so the pair stays consistent. A missing or odd
	// group is not worth failing the startup over.
	group, err := r.lookupGID(ctx, existing.GID)
	if err != nil {
		return nil, err
	}
	if group != nil && group.Name == existing.Name {
		if err := r.dir.RenameGroup(ctx, group.Name, desired.Name); err != nil {
			galog.Warnf("Failed to rename group %s to %s: %v", group.Name, desired.Name, err)
		} else {
			out.record(ActionRenameGroup, desired.Name)
		}
	}

	renamed := *existing
	renamed.Name = desired.Name
	renamed.HomeDir = newHome
	return &renamed, nil
}

// bindGroup resolves the effective gid following numeric identity: an
// existing group holding the desired gid is reused whatever its name; a
// group already owning the effective name keeps its gid; only a fully
// unbound (gid, name) pair results in a group creation.
func (r *Reconciler) bindGroup(ctx context.Context, desired Desired, out *Outcome) error {
	byGID, err := r.lookupGID(ctx, desired.GID)
	if err != nil {
		return err
	}
	if byGID != nil {
		if byGID.Name != out.Name {
			galog.V(1).Debugf("Gid %d is held by group %q, reusing it for %s", desired.GID, byGID.Name, out.Name)
		}
		out.GID = desired.GID
		return nil
	}

	byName, err := r.lookupGroup(ctx, out.Name)
	if err != nil {
		return err
	}
	if byName != nil {
		galog.V(1).Debugf("Group name %q already holds gid %d, keeping it over desired %d", out.Name, byName.GID, desired.GID)
		out.GID = byName.GID
		return nil
	}

	if err := r.dir.CreateGroup(ctx, &accounts.Group{Name: out.Name, GID: desired.GID}); err != nil {
		return fmt.Errorf("failed to create group %s: %w", out.Name, err)
	}
	out.record(ActionCreateGroup, out.Name)
	out.GID = desired.GID
	return nil
}

// pickFreeUID scans the secondary uid range for the first unbound uid.
func (r *Reconciler) pickFreeUID(ctx context.Context, opts Options) (int, error) {
	for uid := opts.AutoPickMin; uid <= opts.AutoPickMax; uid++ {
		u, err := r.lookupUID(ctx, uid)
		if err != nil {
			return -1, err
		}
		if u == nil {
			return uid, nil
		}
	}
	return -1, fmt.Errorf("uids %d-%d are all bound: %w", opts.AutoPickMin, opts.AutoPickMax, ErrNoFreeUID)
}

// The lookup helpers turn the directory's ErrNotExist into a nil entry, an
// absent binding just means the id or name is free.

func (r *Reconciler) lookupUID(ctx context.Context, uid int) (*accounts.User, error) {
	u, err := r.dir.LookupUID(ctx, uid)
	if errors.Is(err, ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up uid %d: %w", uid, err)
	}
	return u, nil
}

func (r *Reconciler) lookupUser(ctx context.Context, name string) (*accounts.User, error) {
	u, err := r.dir.LookupUser(ctx, name)
	if errors.Is(err, ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", name, err)
	}
	return u, nil
}

func (r *Reconciler) lookupGID(ctx context.Context, gid int) (*accounts.Group, error) {
	g, err := r.dir.LookupGID(ctx, gid)
	if errors.Is(err, ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up gid %d: %w", gid, err)
	}
	return g, nil
}

func (r *Reconciler) lookupGroup(ctx context.Context, name string) (*accounts.Group, error) {
	g, err := r.dir.LookupGroup(ctx, name)
	if errors.Is(err, ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up group %s: %w", name, err)
	}
	return g, nil
}
