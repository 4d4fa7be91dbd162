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

// Package accounts reads and mutates the system's user/group database. Reads
// go through getent so nss sources beyond /etc/passwd are honored, writes go
// through the configurable shadow-utils command templates.
package accounts

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"context"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/lwdjohari/quickvulkan-init/internal/cfg"
	"github.com/lwdjohari/quickvulkan-init/internal/run"
)

const (
	// getentNoSuchKey is the exit code returned by getent when a key is not
	// found in the database.
	//
	// Per documentation, exit code 2: "One or more supplied key could not be
	// found in the database", see the man page:
	//
	// https://man7.org/linux/man-pages/man1/getent.1.html.
	getentNoSuchKey = 2
)

// User is the representation of a passwd entry.
type User struct {
	// Name is the account name.
	Name string
	// UID is the numeric user id.
	UID int
	// GID is the numeric primary group id.
	GID int
	// HomeDir is the home directory of the user.
	HomeDir string
	// Shell is the login shell of the user.
	Shell string
}

// Group is the representation of a group entry.
type Group struct {
	// Name is the name of the group.
	Name string
	// GID is the numeric group id.
	GID int
	// Members is the list of members of the group.
	Members []string
}

// FindUser gets the information of the named user, returning
// user.UnknownUserError if the user does not exist on the system or the
// wrapped run error if the user database could not be queried.
func FindUser(ctx context.Context, name string) (*User, error) {
	entry, err := getent(ctx, "passwd", name)
	if err != nil {
		if errors.Is(err, errNoSuchKey) {
			return nil, user.UnknownUserError(name)
		}
		return nil, err
	}
	return parsePasswdEntry(entry)
}

// FindUserByUID gets the information of the user owning uid, returning
// user.UnknownUserIdError if the uid is unbound.
func FindUserByUID(ctx context.Context, uid int) (*User, error) {
	entry, err := getent(ctx, "passwd", strconv.Itoa(uid))
	if err != nil {
		if errors.Is(err, errNoSuchKey) {
			return nil, user.UnknownUserIdError(uid)
		}
		return nil, err
	}
	return parsePasswdEntry(entry)
}

// FindGroup gets the information of the named group, returning
// user.UnknownGroupError if the group does not exist on the system.
func FindGroup(ctx context.Context, name string) (*Group, error) {
	entry, err := getent(ctx, "group", name)
	if err != nil {
		if errors.Is(err, errNoSuchKey) {
			return nil, user.UnknownGroupError(name)
		}
		return nil, err
	}
	return parseGroupEntry(entry)
}

// FindGroupByGID gets the information of the group owning gid, returning
// user.UnknownGroupIdError if the gid is unbound.
func FindGroupByGID(ctx context.Context, gid int) (*Group, error) {
	entry, err := getent(ctx, "group", strconv.Itoa(gid))
	if err != nil {
		if errors.Is(err, errNoSuchKey) {
			return nil, user.UnknownGroupIdError(strconv.Itoa(gid))
		}
		return nil, err
	}
	return parseGroupEntry(entry)
}

// IsNotFound reports whether err indicates an absent user or group entry
// rather than a failed database query.
func IsNotFound(err error) bool {
	switch err.(type) {
	case user.UnknownUserError, user.UnknownUserIdError, user.UnknownGroupError, user.UnknownGroupIdError:
		return true
	}
	return false
}

// errNoSuchKey is the internal marker for a getent miss.
var errNoSuchKey = errors.New("no such key")

// getent queries a single key in the given nss database.
func getent(ctx context.Context, database, key string) (string, error) {
	res, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputStdout,
		Name:       "getent",
		Args:       []string{database, key},
	})

	if err != nil {
		if ee, ok := run.AsExitError(err); ok && ee.ExitCode() == getentNoSuchKey {
			return "", errNoSuchKey
		}
		return "", fmt.Errorf("could not query %s database: %w", database, err)
	}

	return res.Output, nil
}

// parsePasswdEntry parses a single /etc/passwd style line.
func parsePasswdEntry(line string) (*User, error) {
	line = strings.TrimSpace(line)

	// dev:x:1000:1000::/home/dev:/bin/bash
	parts := strings.SplitN(line, ":", 7)
	if len(parts) < 7 {
		return nil, fmt.Errorf("invalid passwd entry %q", line)
	}

	uid, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid uid in passwd entry %q: %w", line, err)
	}
	gid, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, fmt.Errorf("invalid gid in passwd entry %q: %w", line, err)
	}

	return &User{
		Name:    parts[0],
		UID:     uid,
		GID:     gid,
		HomeDir: parts[5],
		Shell:   parts[6],
	}, nil
}

// parseGroupEntry parses a single /etc/group style line.
func parseGroupEntry(line string) (*Group, error) {
	line = strings.TrimSpace(line)

	// video:x:44:dev,builder
	parts := strings.SplitN(line, ":", 4)
	if len(parts) < 4 {
		return nil, fmt.Errorf("invalid group entry %q", line)
	}

	gid, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid gid in group entry %q: %w", line, err)
	}

	var members []string
	for _, m := range strings.Split(parts[3], ",") {
		if strings.TrimSpace(m) != "" {
			members = append(members, m)
		}
	}

	return &Group{
		Name:    parts[0],
		GID:     gid,
		Members: members,
	}, nil
}

// CreateUser creates the user described by u. Returns the wrapped run error
// if the command failed.
func CreateUser(ctx context.Context, u *User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	galog.V(1).Debugf("Creating user %s (uid %d, gid %d)", u.Name, u.UID, u.GID)
	cmd := cfg.Retrieve().Accounts.UserAddCmd
	if _, err := runCommandTemplate(ctx, cmd, placeholders{user: u.Name, uid: u.UID, gid: u.GID, shell: u.Shell, home: u.HomeDir}); err != nil {
		return fmt.Errorf("failed to run useradd_cmd %s: %w", cmd, err)
	}
	galog.V(1).Debugf("Successfully created user %s", u.Name)
	return nil
}

// CreateGroup creates the group described by g. Returns the wrapped run
// error if the command failed.
func CreateGroup(ctx context.Context, g *Group) error {
	if g == nil {
		return fmt.Errorf("group is nil")
	}
	galog.V(1).Debugf("Creating group %s (gid %d)", g.Name, g.GID)
	cmd := cfg.Retrieve().Accounts.GroupAddCmd
	if _, err := runCommandTemplate(ctx, cmd, placeholders{group: g.Name, gid: g.GID}); err != nil {
		return fmt.Errorf("failed to run groupadd_cmd %s: %w", cmd, err)
	}
	galog.V(1).Debugf("Successfully created group %s", g.Name)
	return nil
}

// RenameUser renames the account known as oldName to newName and relocates
// its home directory to newHome. Returns the wrapped run error if the
// command failed.
func RenameUser(ctx context.Context, oldName, newName, newHome string) error {
	galog.V(1).Debugf("Renaming user %s to %s", oldName, newName)
	cmd := cfg.Retrieve().Accounts.UserRenameCmd
	if _, err := runCommandTemplate(ctx, cmd, placeholders{user: oldName, newUser: newName, home: newHome}); err != nil {
		return fmt.Errorf("failed to run usermod_rename_cmd %s: %w", cmd, err)
	}
	galog.V(1).Debugf("Successfully renamed user %s to %s", oldName, newName)
	return nil
}

// RenameGroup renames the group known as oldName to newName. Returns the
// wrapped run error if the command failed.
func RenameGroup(ctx context.Context, oldName, newName string) error {
	galog.V(1).Debugf("Renaming group %s to %s", oldName, newName)
	cmd := cfg.Retrieve().Accounts.GroupRenameCmd
	if _, err := runCommandTemplate(ctx, cmd, placeholders{group: oldName, newGroup: newName}); err != nil {
		return fmt.Errorf("failed to run groupmod_rename_cmd %s: %w", cmd, err)
	}
	galog.V(1).Debugf("Successfully renamed group %s to %s", oldName, newName)
	return nil
}

// SetUserGID reassigns the named user's primary group. Returns the wrapped
// run error if the command failed.
func SetUserGID(ctx context.Context, name string, gid int) error {
	galog.V(1).Debugf("Setting primary group of %s to %d", name, gid)
	cmd := cfg.Retrieve().Accounts.UserSetGIDCmd
	if _, err := runCommandTemplate(ctx, cmd, placeholders{user: name, gid: gid}); err != nil {
		return fmt.Errorf("failed to run usermod_gid_cmd %s: %w", cmd, err)
	}
	return nil
}

// SetUserShell changes the named user's login shell. Returns the wrapped run
// error if the command failed.
func SetUserShell(ctx context.Context, name, shell string) error {
	galog.V(1).Debugf("Setting shell of %s to %s", name, shell)
	cmd := cfg.Retrieve().Accounts.UserSetShellCmd
	if _, err := runCommandTemplate(ctx, cmd, placeholders{user: name, shell: shell}); err != nil {
		return fmt.Errorf("failed to run usermod_shell_cmd %s: %w", cmd, err)
	}
	return nil
}

// SetPassword sets the named user's password. The default command template
// pipes "name:password" into chpasswd so the credential never shows up in a
// process listing. Returns the wrapped run error if the command failed.
func SetPassword(ctx context.Context, name, password string) error {
	galog.V(1).Debugf("Setting password for %s", name)
	cmd := cfg.Retrieve().Accounts.ChangePasswordCmd
	if _, err := runCommandTemplate(ctx, cmd, placeholders{user: name, password: password}); err != nil {
		return fmt.Errorf("failed to run chpasswd_cmd: %w", err)
	}
	return nil
}

// AddUserToGroup adds the user to the named supplementary group. Returns the
// wrapped run error if the command failed.
func AddUserToGroup(ctx context.Context, u *User, g *Group) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	if g == nil {
		return fmt.Errorf("group is nil")
	}
	galog.V(1).Debugf("Adding user %s to group %s", u.Name, g.Name)
	cmd := cfg.Retrieve().Accounts.GPasswdAddCmd
	if _, err := runCommandTemplate(ctx, cmd, placeholders{user: u.Name, group: g.Name}); err != nil {
		return fmt.Errorf("failed to run gpasswd_add_cmd %s: %w", cmd, err)
	}
	return nil
}

// placeholders holds the values substituted into command templates.
type placeholders struct {
	user     string
	group    string
	newUser  string
	newGroup string
	shell    string
	home     string
	password string
	uid      int
	gid      int
}

// runCommandTemplate runs a templated command in the style of cfg.Accounts
// config options. A "input|command" value has the part before the pipe
// expanded and written to the command's stdin.
func runCommandTemplate(ctx context.Context, cmd string, values placeholders) (*run.Result, error) {
	var input string

	before, after, found := strings.Cut(cmd, "|")
	if found {
		input = expandTemplate(before, values)
		cmd = after
	}

	cmd = expandTemplate(cmd, values)
	tokens := strings.Fields(cmd)
	if len(tokens) < 1 {
		return nil, errors.New("no command configured")
	}

	return run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       tokens[0],
		Args:       tokens[1:],
		Input:      input,
	})
}

// expandTemplate replaces the known placeholders in the given template.
func expandTemplate(in string, values placeholders) string {
	replacements := []struct {
		token string
		value string
	}{
		{"{user}", values.user},
		{"{group}", values.group},
		{"{newuser}", values.newUser},
		{"{newgroup}", values.newGroup},
		{"{shell}", values.shell},
		{"{home}", values.home},
		{"{password}", values.password},
		{"{uid}", strconv.Itoa(values.uid)},
		{"{gid}", strconv.Itoa(values.gid)},
	}

	out := in
	for _, r := range replacements {
		out = strings.Replace(out, r.token, r.value, 1)
	}
	return out
}
