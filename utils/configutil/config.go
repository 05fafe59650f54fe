// Copyright (c) 2024 KrakenFS Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configutil loads yaml configuration files. A file may name a base
// file with a top-level "extends" key; the base is loaded first and the
// extending file is applied on top of it.
package configutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when extends references form a loop.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

type extends struct {
	Extends string `yaml:"extends"`
}

// Load reads filename and every file it extends into config. Unknown keys
// are rejected.
func Load(filename string, config interface{}) error {
	chain, err := resolveExtends(filename)
	if err != nil {
		return err
	}
	for _, f := range chain {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read config %s: %s", f, err)
		}
		if err := unmarshal(data, config); err != nil {
			return fmt.Errorf("unmarshal config %s: %s", f, err)
		}
	}
	return nil
}

// resolveExtends returns the files to load, base first.
func resolveExtends(filename string) ([]string, error) {
	seen := make(map[string]bool)
	var chain []string
	for filename != "" {
		abs, err := filepath.Abs(filename)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %s", err)
		}
		if seen[abs] {
			return nil, ErrCycleRef
		}
		seen[abs] = true
		chain = append([]string{abs}, chain...)

		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %s", abs, err)
		}
		var e extends
		if err := yaml.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %s", abs, err)
		}
		filename = e.Extends
		if filename != "" && !filepath.IsAbs(filename) {
			filename = filepath.Join(filepath.Dir(abs), filename)
		}
	}
	return chain, nil
}

// unmarshal applies data strictly, ignoring the extends key itself.
func unmarshal(data []byte, config interface{}) error {
	var raw yaml.MapSlice
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	filtered := raw[:0]
	for _, item := range raw {
		if k, ok := item.Key.(string); ok && k == "extends" {
			continue
		}
		filtered = append(filtered, item)
	}
	if len(filtered) == 0 {
		return nil
	}
	out, err := yaml.Marshal(filtered)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(out, config)
}
