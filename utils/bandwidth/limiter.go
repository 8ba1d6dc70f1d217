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

// Package bandwidth implements the global upload/download token buckets
// referenced throughout the scheduler: piece payloads sent and received
// reserve tokens here before proceeding, and the task suspends until tokens
// refill. Other wire messages do not reserve tokens.
package bandwidth

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/rkrishnan/swarmd/utils/log"
	"github.com/rkrishnan/swarmd/utils/memsize"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket, in bits.
	// It avoids integer overflow when mapping byte counts to tokens.
	TokenSize uint64 `yaml:"token_size"`

	Enable bool `yaml:"enable"`
}

// Limiter limits egress and ingress bandwidth via a token-bucket rate
// limiter. A nil egress/ingress limiter means limiting is disabled.
type Limiter struct {
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter
}

// NewLimiter creates a new Limiter.
func NewLimiter(config Config) (*Limiter, error) {
	if !config.Enable {
		return &Limiter{config: config}, nil
	}
	if config.EgressBitsPerSec == 0 {
		return nil, errors.New("egress_bits_per_sec must be set when enabled")
	}
	if config.IngressBitsPerSec == 0 {
		return nil, errors.New("ingress_bits_per_sec must be set when enabled")
	}
	if config.TokenSize == 0 {
		config.TokenSize = 1
	}

	etps := config.EgressBitsPerSec / config.TokenSize
	itps := config.IngressBitsPerSec / config.TokenSize
	if etps == 0 {
		etps = 1
	}
	if itps == 0 {
		itps = 1
	}

	log.Infof("Setting egress bandwidth to %s/sec", memsize.BitFormat(config.EgressBitsPerSec))
	log.Infof("Setting ingress bandwidth to %s/sec", memsize.BitFormat(config.IngressBitsPerSec))

	return &Limiter{
		config:  config,
		egress:  rate.NewLimiter(rate.Limit(etps), int(etps)),
		ingress: rate.NewLimiter(rate.Limit(itps), int(itps)),
	}, nil
}

func (l *Limiter) reserve(rl *rate.Limiter, nbytes int64) error {
	if rl == nil {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := rl.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf(
			"cannot reserve %s of bandwidth, exceeds burst of %s",
			memsize.Format(uint64(nbytes)), memsize.BitFormat(l.config.TokenSize*uint64(rl.Burst())))
	}
	time.Sleep(r.Delay())
	return nil
}

// ReserveEgress blocks until egress bandwidth for nbytes is available.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until ingress bandwidth for nbytes is available.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}

// Adjust rescales both limits by dividing the configured bits/sec by denom,
// used to fairly divide bandwidth across an estimated number of concurrent
// torrents. denom must be positive.
func (l *Limiter) Adjust(denom int) error {
	if denom <= 0 {
		return fmt.Errorf("denom must be positive, got %d", denom)
	}
	if l.egress == nil || l.ingress == nil {
		return nil
	}
	etps := int64(l.config.EgressBitsPerSec/l.config.TokenSize) / int64(denom)
	itps := int64(l.config.IngressBitsPerSec/l.config.TokenSize) / int64(denom)
	if etps == 0 {
		etps = 1
	}
	if itps == 0 {
		itps = 1
	}
	l.egress.SetLimit(rate.Limit(etps))
	l.ingress.SetLimit(rate.Limit(itps))
	return nil
}

// EgressLimit returns the current egress limit in tokens/sec.
func (l *Limiter) EgressLimit() int64 {
	if l.egress == nil {
		return 0
	}
	return int64(l.egress.Limit())
}

// IngressLimit returns the current ingress limit in tokens/sec.
func (l *Limiter) IngressLimit() int64 {
	if l.ingress == nil {
		return 0
	}
	return int64(l.ingress.Limit())
}
