// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 tethermq

package tether

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the parent wrapper around server options in a config file.
// Note: struct fields must be public in order for unmarshal to
// correctly populate the data.
type Config struct {
	Server struct {
		// Options contains configurable options for the server.
		Options `yaml:"options"`
	} `yaml:"server"`
}

// OpenConfigFile reads server options from a yaml config file at the given path.
// An empty path returns nil options, and the server defaults are used.
func OpenConfigFile(p string) (*Options, error) {
	if p == "" {
		return nil, nil
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	config := new(Config)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	return &config.Server.Options, nil
}
