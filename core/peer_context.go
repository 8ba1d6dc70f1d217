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
package core

import "errors"

// PeerContext defines the context our local client runs within: the fields
// announced to remote peers and trackers to identify us.
type PeerContext struct {

	// IP and Port specify the address we will announce ourselves as. This may
	// differ from the address the listener is bound to (NAT, containers).
	IP   string `json:"ip"`
	Port int    `json:"port"`

	// PeerID we identify ourselves as, across every torrent.
	PeerID PeerID `json:"peer_id"`

	// Origin is carried from configuration. No component reads it; sessions
	// request chunks whether or not it is set.
	Origin bool `json:"origin"`
}

// NewPeerContext creates a new PeerContext.
func NewPeerContext(f PeerIDFactory, ip string, port int, origin bool) (PeerContext, error) {
	if ip == "" {
		return PeerContext{}, errors.New("no ip supplied")
	}
	if port == 0 {
		return PeerContext{}, errors.New("no port supplied")
	}
	peerID, err := f.GeneratePeerID(ip, port)
	if err != nil {
		return PeerContext{}, err
	}
	return PeerContext{
		IP:     ip,
		Port:   port,
		PeerID: peerID,
		Origin: origin,
	}, nil
}
