// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config aggregates swarmd's top-level configuration: the engine
// itself plus the entrypoint-level concerns (who we announce ourselves as,
// and where metrics go) that sit above it.
package config

import (
	"net"
	"strconv"

	"github.com/rkrishnan/swarmd/core"
	"github.com/rkrishnan/swarmd/engine"
	"github.com/rkrishnan/swarmd/metrics"
)

// Config is swarmd's full configuration, as loaded by utils/configutil from
// a (possibly extends-chained) yaml file.
type Config struct {
	// PeerIDFactory selects how we derive our peer id: "random" or
	// "addr_hash". Defaults to "random".
	PeerIDFactory string `yaml:"peer_id_factory"`

	// IP is the address we announce ourselves as to peers and trackers.
	IP string `yaml:"ip"`

	// Port is the announced port. Defaults to the engine's listen port
	// if unset.
	Port int `yaml:"port"`

	// Origin is copied into core.PeerContext. No component reads it; an
	// instance with Origin set requests chunks like any other.
	Origin bool `yaml:"origin"`

	Engine  engine.Config  `yaml:"engine"`
	Metrics metrics.Config `yaml:"metrics"`
}

func (c *Config) applyDefaults() {
	if c.PeerIDFactory == "" {
		c.PeerIDFactory = string(core.RandomPeerIDFactory)
	}
}

// PeerContext derives the core.PeerContext swarmd announces itself as from
// c, generating a peer id per c.PeerIDFactory.
func (c *Config) PeerContext() (core.PeerContext, error) {
	c.applyDefaults()
	port := c.Port
	if port == 0 {
		port = listenPort(c.Engine.ListenAddr)
	}
	return core.NewPeerContext(core.PeerIDFactory(c.PeerIDFactory), c.IP, port, c.Origin)
}

// listenPort extracts the numeric port from a ":6881"-style listen address,
// returning 0 if it can't be parsed.
func listenPort(addr string) int {
	if addr == "" {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
