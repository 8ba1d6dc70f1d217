// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package configutil loads a yaml configuration file into a struct,
// following an optional chain of "extends" ancestors and validating the
// merged result once via struct tags.
package configutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when an extends chain refers back to a file
// already in the chain.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

// ValidationError wraps the per-field errors validator.v2 reports for a
// loaded config.
type ValidationError struct {
	errs validator.ErrorMap
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("configutil: validation failed: %s", v.errs.Error())
}

// ErrForField returns the validation errors recorded against field, or nil
// if field passed validation.
func (v ValidationError) ErrForField(field string) validator.ErrorArray {
	return v.errs[field]
}

type extendsStub struct {
	Extends string `yaml:"extends"`
}

func readExtendsField(fpath string) (string, error) {
	data, err := os.ReadFile(fpath)
	if err != nil {
		return "", err
	}
	var stub extendsStub
	if err := yaml.Unmarshal(data, &stub); err != nil {
		return "", err
	}
	return stub.Extends, nil
}

// resolveExtends walks the extends chain starting at fpath, using lookup to
// read each file's "extends" field (in production, readExtendsField; tests
// substitute a map-backed stand-in). It returns the chain ordered from the
// root-most ancestor to fpath itself, so later entries override earlier
// ones when merged. A file that extends one already in the chain is a
// cyclic reference.
func resolveExtends(fpath string, lookup func(string) (string, error)) ([]string, error) {
	visited := map[string]bool{fpath: true}
	chain := []string{fpath}

	cur := fpath
	for {
		next, err := lookup(cur)
		if err != nil {
			return nil, err
		}
		if next == "" {
			return chain, nil
		}
		resolved := next
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(cur), resolved)
		}
		if visited[resolved] {
			return nil, ErrCycleRef
		}
		visited[resolved] = true
		chain = append([]string{resolved}, chain...)
		cur = resolved
	}
}

// Load reads fpath into out, following its extends chain (root-most
// ancestor applied first, fpath itself last so it overrides), and
// validates the merged result once.
func Load(fpath string, out interface{}) error {
	chain, err := resolveExtends(fpath, readExtendsField)
	if err != nil {
		return err
	}
	return loadFiles(out, chain)
}

// loadFiles merges filenames in order into out — each later file only
// overrides the fields it actually sets, per yaml.v2's unmarshal-into-
// existing-value semantics — then validates once against out's struct
// tags.
func loadFiles(out interface{}, filenames []string) error {
	for _, fn := range filenames {
		data, err := os.ReadFile(fn)
		if err != nil {
			return fmt.Errorf("configutil: read %s: %s", fn, err)
		}
		// The "extends" key is dropped first; any other key out does not
		// declare is rejected by the strict decode.
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("configutil: parse %s: %s", fn, err)
		}
		delete(raw, "extends")
		stripped, err := yaml.Marshal(raw)
		if err != nil {
			return fmt.Errorf("configutil: parse %s: %s", fn, err)
		}
		if err := yaml.UnmarshalStrict(stripped, out); err != nil {
			return fmt.Errorf("configutil: parse %s: %s", fn, err)
		}
	}

	if err := validator.Validate(out); err != nil {
		if verrs, ok := err.(validator.ErrorMap); ok {
			return ValidationError{errs: verrs}
		}
		return err
	}
	return nil
}
