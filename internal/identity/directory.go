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

package identity

import (
	"context"
	"errors"

	"github.com/lwdjohari/quickvulkan-init/internal/accounts"
)

// ErrNotExist is returned by Directory lookups when the queried entry is
// absent from the database.
var ErrNotExist = errors.New("entry does not exist")

// Directory abstracts the system's user/group database. The production
// implementation shells out through the accounts package; tests back it with
// an in-memory fake. Lookups return an error wrapping [ErrNotExist] when the
// key is unbound.
type Directory interface {
	// LookupUser returns the account bound to name.
	LookupUser(ctx context.Context, name string) (*accounts.User, error)
	// LookupUID returns the account bound to uid.
	LookupUID(ctx context.Context, uid int) (*accounts.User, error)
	// LookupGroup returns the group bound to name.
	LookupGroup(ctx context.Context, name string) (*accounts.Group, error)
	// LookupGID returns the group bound to gid.
	LookupGID(ctx context.Context, gid int) (*accounts.Group, error)
	// CreateUser creates the given account.
	CreateUser(ctx context.Context, u *accounts.User) error
	// CreateGroup creates the given group.
	CreateGroup(ctx context.Context, g *accounts.Group) error
	// RenameUser renames the account oldName to newName relocating its home
	// directory to newHome.
	RenameUser(ctx context.Context, oldName, newName, newHome string) error
	// RenameGroup renames the group oldName to newName.
	RenameGroup(ctx context.Context, oldName, newName string) error
	// SetUserGID reassigns the named account's primary group.
	SetUserGID(ctx context.Context, name string, gid int) error
	// SetUserShell changes the named account's login shell.
	SetUserShell(ctx context.Context, name, shell string) error
	// SetPassword sets the named account's password.
	SetPassword(ctx context.Context, name, password string) error
}

// systemDirectory implements Directory against the host's account database.
type systemDirectory struct{}

// SystemDirectory returns the Directory backed by the system's account
// management facilities.
func SystemDirectory() Directory {
	return systemDirectory{}
}

func (systemDirectory) LookupUser(ctx context.Context, name string) (*accounts.User, error) {
	u, err := accounts.FindUser(ctx, name)
	return u, translateNotFound(err)
}

func (systemDirectory) LookupUID(ctx context.Context, uid int) (*accounts.User, error) {
	u, err := accounts.FindUserByUID(ctx, uid)
	return u, translateNotFound(err)
}

func (systemDirectory) LookupGroup(ctx context.Context, name string) (*accounts.Group, error) {
	g, err := accounts.FindGroup(ctx, name)
	return g, translateNotFound(err)
}

func (systemDirectory) LookupGID(ctx context.Context, gid int) (*accounts.Group, error) {
	g, err := accounts.FindGroupByGID(ctx, gid)
	return g, translateNotFound(err)
}

func (systemDirectory) CreateUser(ctx context.Context, u *accounts.User) error {
	return accounts.CreateUser(ctx, u)
}

func (systemDirectory) CreateGroup(ctx context.Context, g *accounts.Group) error {
	return accounts.CreateGroup(ctx, g)
}

func (systemDirectory) RenameUser(ctx context.Context, oldName, newName, newHome string) error {
	return accounts.RenameUser(ctx, oldName, newName, newHome)
}

func (systemDirectory) RenameGroup(ctx context.Context, oldName, newName string) error {
	return accounts.RenameGroup(ctx, oldName, newName)
}

func (systemDirectory) SetUserGID(ctx context.Context, name string, gid int) error {
	return accounts.SetUserGID(ctx, name, gid)
}

func (systemDirectory) SetUserShell(ctx context.Context, name, shell string) error {
	return accounts.SetUserShell(ctx, name, shell)
}

func (systemDirectory) SetPassword(ctx context.Context, name, password string) error {
	return accounts.SetPassword(ctx, name, password)
}

// translateNotFound maps the accounts package's lookup misses to ErrNotExist
// so the reconciler can branch on a single sentinel.
func translateNotFound(err error) error {
	if err == nil {
		return nil
	}
	if accounts.IsNotFound(err) {
		return ErrNotExist
	}
	return err
}
