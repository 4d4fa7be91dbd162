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

package accounts

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/lwdjohari/quickvulkan-init/internal/cfg"
	"github.com/lwdjohari/quickvulkan-init/internal/run"
)

// testRunner records every command it is asked to run and answers with the
// scripted output or error.
type testRunner struct {
	got    []run.Options
	output string
	err    error
}

func (tr *testRunner) WithContext(_ context.Context, opts run.Options) (*run.Result, error) {
	tr.got = append(tr.got, opts)
	if tr.err != nil {
		return nil, tr.err
	}
	return &run.Result{OutputType: opts.OutputType, Output: tr.output}, nil
}

// noSuchKeyError produces a real exec.ExitError carrying getent's no-such-key
// exit code.
func noSuchKeyError(t *testing.T) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit 2").Run()
	if ee, ok := run.AsExitError(err); !ok || ee.ExitCode() != getentNoSuchKey {
		t.Fatalf("sh -c 'exit 2' returned %v, want exit code %d", err, getentNoSuchKey)
	}
	return err
}

func swapRunner(t *testing.T, tr *testRunner) {
	t.Helper()
	orig := run.Client
	t.Cleanup(func() { run.Client = orig })
	run.Client = tr
}

func TestFindUser(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		err     error
		want    *User
		wantErr bool
	}{
		{
			name:   "success",
			output: "dev:x:1000:1000::/home/dev:/bin/bash\n",
			want:   &User{Name: "dev", UID: 1000, GID: 1000, HomeDir: "/home/dev", Shell: "/bin/bash"},
		},
		{
			name:    "malformed-entry",
			output:  "dev:x:1000",
			wantErr: true,
		},
		{
			name:    "query-failure",
			err:     errors.New("getent exploded"),
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := &testRunner{output: tc.output, err: tc.err}
			swapRunner(t, tr)

			got, err := FindUser(context.Background(), "dev")
			if (err != nil) != tc.wantErr {
				t.Fatalf("FindUser(dev) returned error %v, want error %t", err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("FindUser(dev) returned diff (-want +got):\n%s", diff)
			}

			wantOpts := run.Options{OutputType: run.OutputStdout, Name: "getent", Args: []string{"passwd", "dev"}}
			if diff := cmp.Diff([]run.Options{wantOpts}, tr.got); diff != "" {
				t.Errorf("FindUser(dev) ran diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFindMisses(t *testing.T) {
	missErr := noSuchKeyError(t)

	tests := []struct {
		name string
		find func(context.Context) error
	}{
		{
			name: "user-by-name",
			find: func(ctx context.Context) error {
				_, err := FindUser(ctx, "ghost")
				return err
			},
		},
		{
			name: "user-by-uid",
			find: func(ctx context.Context) error {
				_, err := FindUserByUID(ctx, 4242)
				return err
			},
		},
		{
			name: "group-by-name",
			find: func(ctx context.Context) error {
				_, err := FindGroup(ctx, "ghost")
				return err
			},
		},
		{
			name: "group-by-gid",
			find: func(ctx context.Context) error {
				_, err := FindGroupByGID(ctx, 4242)
				return err
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			swapRunner(t, &testRunner{err: missErr})

			err := tc.find(context.Background())
			if err == nil {
				t.Fatalf("find(%s) succeeded, want not-found error", tc.name)
			}
			if !IsNotFound(err) {
				t.Errorf("IsNotFound(%v) = false, want true", err)
			}
		})
	}
}

func TestFindGroup(t *testing.T) {
	tr := &testRunner{output: "video:x:44:dev,builder\n"}
	swapRunner(t, tr)

	got, err := FindGroup(context.Background(), "video")
	if err != nil {
		t.Fatalf("FindGroup(video) returned error: %v", err)
	}

	want := &Group{Name: "video", GID: 44, Members: []string{"dev", "builder"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FindGroup(video) returned diff (-want +got):\n%s", diff)
	}
}

func TestParsePasswdEntry(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    *User
		wantErr bool
	}{
		{
			name: "complete",
			line: "dev:x:1000:1000:Dev User:/home/dev:/bin/bash",
			want: &User{Name: "dev", UID: 1000, GID: 1000, HomeDir: "/home/dev", Shell: "/bin/bash"},
		},
		{
			name: "empty-gecos-trailing-newline",
			line: "root:x:0:0::/root:/bin/sh\n",
			want: &User{Name: "root", UID: 0, GID: 0, HomeDir: "/root", Shell: "/bin/sh"},
		},
		{
			name:    "too-few-fields",
			line:    "dev:x:1000:1000:/home/dev",
			wantErr: true,
		},
		{
			name:    "non-numeric-uid",
			line:    "dev:x:abc:1000::/home/dev:/bin/bash",
			wantErr: true,
		},
		{
			name:    "non-numeric-gid",
			line:    "dev:x:1000:abc::/home/dev:/bin/bash",
			wantErr: true,
		},
		{
			name:    "empty",
			line:    "",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parsePasswdEntry(tc.line)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parsePasswdEntry(%q) returned error %v, want error %t", tc.line, err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("parsePasswdEntry(%q) returned diff (-want +got):\n%s", tc.line, diff)
			}
		})
	}
}

func TestParseGroupEntry(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    *Group
		wantErr bool
	}{
		{
			name: "with-members",
			line: "video:x:44:dev,builder",
			want: &Group{Name: "video", GID: 44, Members: []string{"dev", "builder"}},
		},
		{
			name: "no-members",
			line: "dev:x:1000:",
			want: &Group{Name: "dev", GID: 1000},
		},
		{
			name:    "too-few-fields",
			line:    "dev:x:1000",
			wantErr: true,
		},
		{
			name:    "non-numeric-gid",
			line:    "dev:x:abc:",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseGroupEntry(tc.line)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseGroupEntry(%q) returned error %v, want error %t", tc.line, err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("parseGroupEntry(%q) returned diff (-want +got):\n%s", tc.line, diff)
			}
		})
	}
}

func TestMutationCommands(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) returned error: %v", err)
	}

	tests := []struct {
		name      string
		mutate    func(context.Context) error
		wantName  string
		wantArgs  []string
		wantInput string
	}{
		{
			name: "create-user",
			mutate: func(ctx context.Context) error {
				return CreateUser(ctx, &User{Name: "dev", UID: 1000, GID: 1000, Shell: "/bin/bash"})
			},
			wantName: "useradd",
			wantArgs: []string{"-m", "-s", "/bin/bash", "-u", "1000", "-g", "1000", "dev"},
		},
		{
			name: "create-group",
			mutate: func(ctx context.Context) error {
				return CreateGroup(ctx, &Group{Name: "dev", GID: 1000})
			},
			wantName: "groupadd",
			wantArgs: []string{"-g", "1000", "dev"},
		},
		{
			name: "rename-user",
			mutate: func(ctx context.Context) error {
				return RenameUser(ctx, "ubuntu", "dev", "/home/dev")
			},
			wantName: "usermod",
			wantArgs: []string{"-l", "dev", "-d", "/home/dev", "-m", "ubuntu"},
		},
		{
			name: "rename-group",
			mutate: func(ctx context.Context) error {
				return RenameGroup(ctx, "ubuntu", "dev")
			},
			wantName: "groupmod",
			wantArgs: []string{"-n", "dev", "ubuntu"},
		},
		{
			name: "set-gid",
			mutate: func(ctx context.Context) error {
				return SetUserGID(ctx, "dev", 1000)
			},
			wantName: "usermod",
			wantArgs: []string{"-g", "1000", "dev"},
		},
		{
			name: "set-shell",
			mutate: func(ctx context.Context) error {
				return SetUserShell(ctx, "dev", "/bin/zsh")
			},
			wantName: "usermod",
			wantArgs: []string{"-s", "/bin/zsh", "dev"},
		},
		{
			name: "set-password-pipes-stdin",
			mutate: func(ctx context.Context) error {
				return SetPassword(ctx, "dev", "secret")
			},
			wantName: "chpasswd",
			// The whole command is the stdin pipe, argv is just the binary.
			wantArgs:  []string{},
			wantInput: "dev:secret",
		},
		{
			name: "add-to-group",
			mutate: func(ctx context.Context) error {
				return AddUserToGroup(ctx, &User{Name: "dev"}, &Group{Name: "video"})
			},
			wantName: "gpasswd",
			wantArgs: []string{"-a", "dev", "video"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := &testRunner{}
			swapRunner(t, tr)

			if err := tc.mutate(context.Background()); err != nil {
				t.Fatalf("mutate(%s) returned error: %v", tc.name, err)
			}
			if len(tr.got) != 1 {
				t.Fatalf("mutate(%s) ran %d commands, want 1", tc.name, len(tr.got))
			}

			got := tr.got[0]
			if got.Name != tc.wantName {
				t.Errorf("mutate(%s) ran %q, want %q", tc.name, got.Name, tc.wantName)
			}
			if diff := cmp.Diff(tc.wantArgs, got.Args); diff != "" {
				t.Errorf("mutate(%s) args returned diff (-want +got):\n%s", tc.name, diff)
			}
			if got.Input != tc.wantInput {
				t.Errorf("mutate(%s) input = %q, want %q", tc.name, got.Input, tc.wantInput)
			}
		})
	}
}

func TestMutationCommandFailure(t *testing.T) {
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) returned error: %v", err)
	}
	swapRunner(t, &testRunner{err: errors.New("command failed")})

	if err := CreateUser(context.Background(), &User{Name: "dev", UID: 1000, GID: 1000}); err == nil {
		t.Errorf("CreateUser() succeeded, want error")
	}
	if err := CreateUser(context.Background(), nil); err == nil {
		t.Errorf("CreateUser(nil) succeeded, want error")
	}
	if err := CreateGroup(context.Background(), nil); err == nil {
		t.Errorf("CreateGroup(nil) succeeded, want error")
	}
}

func TestExpandTemplate(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		values placeholders
		want   string
	}{
		{
			name:   "all-tokens",
			in:     "{user} {group} {uid} {gid} {shell}",
			values: placeholders{user: "dev", group: "video", uid: 1000, gid: 44, shell: "/bin/bash"},
			want:   "dev video 1000 44 /bin/bash",
		},
		{
			name:   "unknown-token-untouched",
			in:     "useradd {unknown} {user}",
			values: placeholders{user: "dev"},
			want:   "useradd {unknown} dev",
		},
		{
			name:   "no-tokens",
			in:     "pwck -q",
			values: placeholders{user: "dev"},
			want:   "pwck -q",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := expandTemplate(tc.in, tc.values); got != tc.want {
				t.Errorf("expandTemplate(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
