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

// Package compose selects and validates the docker compose files used to
// bring up the dev container: the base file plus the vendor specific
// override matching the detected GPU.
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/lwdjohari/quickvulkan-init/internal/cfg"
	"github.com/lwdjohari/quickvulkan-init/internal/gpu"
	"github.com/lwdjohari/quickvulkan-init/internal/utils/file"
	"gopkg.in/yaml.v3"
)

// File is one parsed compose file.
type File struct {
	// Path is the compose file path.
	Path string
	// Services are the service names defined in the file.
	Services []string
}

// Selection is the ordered compose file list to pass to compose -f.
type Selection struct {
	// Files is the base file followed by the vendor override, when present.
	Files []File
}

// Paths returns the selected file paths in -f order.
func (s *Selection) Paths() []string {
	var paths []string
	for _, f := range s.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// composeDocument is the subset of the compose schema we validate.
type composeDocument struct {
	Services map[string]yaml.Node `yaml:"services"`
}

// Select resolves the compose files under dir for the given vendor. The base
// file must define the configured dev service; an override may only refine
// services the base already defines.
func Select(dir string, vendor gpu.Vendor) (*Selection, error) {
	config := cfg.Retrieve()

	basePath := filepath.Join(dir, config.Compose.BaseFile)
	base, err := parseFile(basePath)
	if err != nil {
		return nil, err
	}

	if !contains(base.Services, config.Compose.Service) {
		return nil, fmt.Errorf("compose file %q does not define service %q", basePath, config.Compose.Service)
	}

	selection := &Selection{Files: []File{*base}}

	overridePath := overrideFor(dir, config.Compose.BaseFile, vendor)
	if overridePath == "" {
		galog.V(1).Debugf("No %s compose override under %s, using base file only", vendor, dir)
		return selection, nil
	}

	override, err := parseFile(overridePath)
	if err != nil {
		return nil, err
	}

	for _, svc := range override.Services {
		if !contains(base.Services, svc) {
			return nil, fmt.Errorf("override %q defines service %q absent from %q", overridePath, svc, basePath)
		}
	}

	selection.Files = append(selection.Files, *override)
	return selection, nil
}

// overrideFor returns the vendor override path, or empty when there is none
// to apply.
func overrideFor(dir, baseFile string, vendor gpu.Vendor) string {
	if vendor == gpu.VendorUnknown {
		return ""
	}

	ext := filepath.Ext(baseFile)
	name := strings.TrimSuffix(baseFile, ext)
	overridePath := filepath.Join(dir, fmt.Sprintf("%s.%s%s", name, vendor, ext))

	if !file.Exists(overridePath, file.TypeFile) {
		return ""
	}
	return overridePath
}

// parseFile reads and parses a compose file, returning its service names
// sorted for stable output.
func parseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read compose file %q: %w", path, err)
	}

	var doc composeDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("could not parse compose file %q: %w", path, err)
	}

	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("compose file %q defines no services", path)
	}

	services := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		services = append(services, name)
	}
	sort.Strings(services)

	return &File{Path: path, Services: services}, nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
