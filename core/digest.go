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

import (
	digest "github.com/opencontainers/go-digest"
)

// Digest identifies the content the metainfo collaborator hands the
// registry (the bencoded info dictionary the InfoHash was derived from).
// The core never computes or validates this; it only carries it through.
type Digest struct {
	d digest.Digest
}

// NewDigestFromInfoHash wraps h as a sha1 Digest, the algorithm BitTorrent
// info-hashes always use.
func NewDigestFromInfoHash(h InfoHash) Digest {
	return Digest{digest.NewDigestFromBytes(digest.Algorithm("sha1"), h.Bytes())}
}

// NewDigest parses s (of the form "<algo>:<hex>") into a Digest.
func NewDigest(s string) (Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return Digest{}, err
	}
	return Digest{d}, nil
}

// String returns the canonical "<algo>:<hex>" form.
func (d Digest) String() string {
	return d.d.String()
}

// Hex returns the hex-encoded digest value, without the algorithm prefix.
func (d Digest) Hex() string {
	return d.d.Encoded()
}
