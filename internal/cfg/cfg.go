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

// Package cfg is the package responsible for loading and accessing the
// provisioning configuration.
package cfg

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/GoogleCloudPlatform/galog"
	"gopkg.in/ini.v1"
)

var (
	// instance is the single instance of configuration sections, once loaded this
	// package should always return it.
	instance *Sections

	// dataSources is a pointer to a data source loading/defining function, unit
	// tests will want to change this pointer to whatever makes sense to its
	// implementation.
	dataSources = defaultDataSources

	// defaultConfigValues holds the default values for the config template.
	defaultConfigValues = map[string]string{
		"workspaceDir": defaultWorkspaceDir,
		"cacheDir":     defaultCacheDir,
		"sudoersDir":   defaultSudoersDir,
		"dockerSocket": defaultDockerSocket,
	}

	// lookupEnv is a reference to os.LookupEnv, it's overridden in unit tests.
	lookupEnv = os.LookupEnv

	// panicFc is a reference to panic(), it's overridden in unit tests.
	panicFc = panicWrapper

	// cfgMu protects the initialization and retrieval of config instance.
	cfgMu sync.RWMutex
)

const (
	// defaultConfigFile is the configuration file shipped in the container
	// image. Every key can be overridden by the QV_* environment variables.
	defaultConfigFile = "/etc/quickvulkan/init.cfg"

	defaultWorkspaceDir = "/workspace"
	defaultCacheDir     = "/var/cache/quickvulkan"
	defaultSudoersDir   = "/etc/sudoers.d"
	defaultDockerSocket = "/var/run/docker.sock"

	// defaultConfigTemplate is the default configuration template for the
	// configuration sections.
	defaultConfigTemplate = `
[Core]
log_level = 3
log_verbosity = 0
log_file =

[Identity]
create_user = true
user_name = dev
user_uid = 1000
user_gid = 1000
user_password =
user_sudo = true
user_shell = /bin/bash
user_rename = true
user_strategy = reuse
autopick_min = 1001
autopick_max = 1999

[Workspace]
path = {{.workspaceDir}}
take_ownership = true
cache_dir = {{.cacheDir}}

[Accounts]
useradd_cmd = useradd -m -s {shell} -u {uid} -g {gid} {user}
groupadd_cmd = groupadd -g {gid} {group}
usermod_rename_cmd = usermod -l {newuser} -d {home} -m {user}
groupmod_rename_cmd = groupmod -n {newgroup} {group}
usermod_gid_cmd = usermod -g {gid} {user}
usermod_shell_cmd = usermod -s {shell} {user}
chpasswd_cmd = {user}:{password}|chpasswd
gpasswd_add_cmd = gpasswd -a {user} {group}
sudoers_dir = {{.sudoersDir}}

[Host]
docker_socket = {{.dockerSocket}}
x11_socket_dir = /tmp/.X11-unix
dri_dir = /dev/dri
lspci_cmd = lspci -nn

[Compose]
base_file = docker-compose.yml
service = quickvulkan
`
)

// Sections encapsulates all the configuration sections.
type Sections struct {
	// Core defines the core configuration entries/keys.
	Core *Core `ini:"Core,omitempty"`

	// Identity defines the desired container user identity and the collision
	// handling behavior.
	Identity *Identity `ini:"Identity,omitempty"`

	// Workspace defines the directories whose ownership follows the
	// reconciled identity.
	Workspace *Workspace `ini:"Workspace,omitempty"`

	// Accounts defines the account management commands and behaviors.
	Accounts *Accounts `ini:"Accounts,omitempty"`

	// Host defines the host probing options.
	Host *Host `ini:"Host,omitempty"`

	// Compose defines the compose file selection options.
	Compose *Compose `ini:"Compose,omitempty"`
}

// Core contains the core configuration entries, all configurations not
// tied/specific to a subsystem are defined in here.
type Core struct {
	// LogLevel defines the log level. The CLI's flag takes precedence over
	// this configuration.
	LogLevel int `ini:"log_level,omitempty"`
	// LogVerbosity defines the log verbosity. The CLI's flag takes precedence
	// over this configuration.
	LogVerbosity int `ini:"log_verbosity,omitempty"`
	// LogFile defines the log file path.
	LogFile string `ini:"log_file,omitempty"`
}

// Identity contains the configurations of the Identity section.
type Identity struct {
	// CreateUser gates the whole reconciliation, when false the entrypoint
	// skips straight to exec'ing the service.
	CreateUser bool `ini:"create_user,omitempty"`
	// UserName is the desired account name.
	UserName string `ini:"user_name,omitempty"`
	// UserUID is the desired numeric user id.
	UserUID int `ini:"user_uid,omitempty"`
	// UserGID is the desired numeric group id.
	UserGID int `ini:"user_gid,omitempty"`
	// UserPassword is the account credential. An empty value is a hard error,
	// an account without a usable credential is a dead end for ssh access.
	UserPassword string `ini:"user_password,omitempty"`
	// UserSudo grants passwordless sudo to the reconciled account.
	UserSudo bool `ini:"user_sudo,omitempty"`
	// UserShell is the login shell path.
	UserShell string `ini:"user_shell,omitempty"`
	// UserRename enables the rename-on-collision path.
	UserRename bool `ini:"user_rename,omitempty"`
	// UserStrategy is the fallback collision strategy when rename is
	// disabled: reuse, fail or autopick.
	UserStrategy string `ini:"user_strategy,omitempty"`
	// AutopickMin is the lower bound of the secondary uid range.
	AutopickMin int `ini:"autopick_min,omitempty"`
	// AutopickMax is the upper bound of the secondary uid range.
	AutopickMax int `ini:"autopick_max,omitempty"`
}

// Workspace contains the configurations of the Workspace section.
type Workspace struct {
	// Path is the workspace mount point.
	Path string `ini:"path,omitempty"`
	// TakeOwnership defines whether the workspace is chowned to the
	// reconciled identity.
	TakeOwnership bool `ini:"take_ownership,omitempty"`
	// CacheDir is the shared build/cache directory.
	CacheDir string `ini:"cache_dir,omitempty"`
}

// Accounts contains the account management command templates. Templates
// support the {user}, {group}, {uid}, {gid}, {shell}, {home}, {newuser},
// {newgroup} and {password} placeholders; a "input|command" value pipes the
// expanded input into the command's stdin.
type Accounts struct {
	UserAddCmd        string `ini:"useradd_cmd,omitempty"`
	GroupAddCmd       string `ini:"groupadd_cmd,omitempty"`
	UserRenameCmd     string `ini:"usermod_rename_cmd,omitempty"`
	GroupRenameCmd    string `ini:"groupmod_rename_cmd,omitempty"`
	UserSetGIDCmd     string `ini:"usermod_gid_cmd,omitempty"`
	UserSetShellCmd   string `ini:"usermod_shell_cmd,omitempty"`
	ChangePasswordCmd string `ini:"chpasswd_cmd,omitempty"`
	GPasswdAddCmd     string `ini:"gpasswd_add_cmd,omitempty"`
	SudoersDir        string `ini:"sudoers_dir,omitempty"`
}

// Host contains the configurations of the Host section.
type Host struct {
	// DockerSocket is the docker daemon socket path.
	DockerSocket string `ini:"docker_socket,omitempty"`
	// X11SocketDir is the X11 unix socket directory.
	X11SocketDir string `ini:"x11_socket_dir,omitempty"`
	// DRIDir is the direct rendering device directory.
	DRIDir string `ini:"dri_dir,omitempty"`
	// LspciCmd is the pci listing command used by the gpu probe.
	LspciCmd string `ini:"lspci_cmd,omitempty"`
}

// Compose contains the configurations of the Compose section.
type Compose struct {
	// BaseFile is the base compose file name.
	BaseFile string `ini:"base_file,omitempty"`
	// Service is the dev service name expected in the compose files.
	Service string `ini:"service,omitempty"`
}

// panicWrapper is a wrapper over panic() to make it testable.
func panicWrapper(args ...any) {
	panic(args)
}

func applyTemplate(templateStr string, data map[string]string, buffer io.Writer) error {
	t, err := template.New("").Parse(templateStr)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	if err := t.Execute(buffer, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

func defaultDataSources(extraDefaults []byte) []any {
	var res []any

	if len(extraDefaults) > 0 {
		res = append(res, extraDefaults)
	}

	return append(res, defaultConfigFile)
}

// Load loads the default configuration, the configuration file and the
// environment overrides - in that order, the last writer wins.
func Load(extraDefaults []byte) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	opts := ini.LoadOptions{
		Loose:       true,
		Insensitive: true,
	}

	var buffer bytes.Buffer
	if err := applyTemplate(defaultConfigTemplate, defaultConfigValues, &buffer); err != nil {
		return fmt.Errorf("unable to apply %v to config template: %w", defaultConfigValues, err)
	}

	sources := dataSources(extraDefaults)
	galog.V(3).Debugf("Loading configuration from sources: %v", sources)
	cfg, err := ini.LoadSources(opts, buffer.Bytes(), sources...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	sections := new(Sections)
	if err := cfg.MapTo(sections); err != nil {
		return fmt.Errorf("failed to map configuration to object: %w", err)
	}

	if err := applyEnv(sections); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	instance = sections
	return nil
}

// Retrieve returns the configuration's instance previously loaded with Load().
func Retrieve() *Sections {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if instance == nil {
		panicFc("cfg package was not initialized, Load() should be called in the early initialization code path")
	}
	return instance
}

// ParseBool parses a boolean configuration value. Unlike strconv.ParseBool
// it accepts the yes/no/on/off spellings but rejects anything else rather
// than silently defaulting.
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized boolean value %q", value)
}

// envOverride binds an environment variable to a configuration field.
type envOverride struct {
	key   string
	apply func(*Sections, string) error
}

// envOverrides is the environment boundary of the configuration. Each entry
// is parsed strictly, a malformed value fails the whole Load instead of being
// ignored.
var envOverrides = []envOverride{
	{"QV_CREATE_USER", func(s *Sections, v string) (err error) { s.Identity.CreateUser, err = ParseBool(v); return }},
	{"QV_USER_NAME", func(s *Sections, v string) error { s.Identity.UserName = v; return nil }},
	{"QV_USER_UID", func(s *Sections, v string) (err error) { s.Identity.UserUID, err = strconv.Atoi(v); return }},
	{"QV_USER_GID", func(s *Sections, v string) (err error) { s.Identity.UserGID, err = strconv.Atoi(v); return }},
	{"QV_USER_PASSWORD", func(s *Sections, v string) error { s.Identity.UserPassword = v; return nil }},
	{"QV_USER_SUDO", func(s *Sections, v string) (err error) { s.Identity.UserSudo, err = ParseBool(v); return }},
	{"QV_USER_SHELL", func(s *Sections, v string) error { s.Identity.UserShell = v; return nil }},
	{"QV_USER_RENAME", func(s *Sections, v string) (err error) { s.Identity.UserRename, err = ParseBool(v); return }},
	{"QV_USER_STRATEGY", func(s *Sections, v string) error { s.Identity.UserStrategy = strings.ToLower(v); return nil }},
	{"QV_TAKE_WORKSPACE", func(s *Sections, v string) (err error) { s.Workspace.TakeOwnership, err = ParseBool(v); return }},
	{"QV_WORKSPACE_PATH", func(s *Sections, v string) error { s.Workspace.Path = v; return nil }},
	{"QV_CACHE_DIR", func(s *Sections, v string) error { s.Workspace.CacheDir = v; return nil }},
	{"QV_LOG_FILE", func(s *Sections, v string) error { s.Core.LogFile = v; return nil }},
}

// applyEnv overlays the QV_* environment variables on top of the loaded
// sections.
func applyEnv(sections *Sections) error {
	for _, override := range envOverrides {
		value, found := lookupEnv(override.key)
		if !found {
			continue
		}
		if err := override.apply(sections, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", override.key, err)
		}
	}
	return nil
}
