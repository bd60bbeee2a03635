/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmq/pkg/fragment"
	"github.com/srediag/shmq/pkg/ring"
)

const (
	defaultInlineSize      = 56
	maxInlineSize          = 4096
	defaultArenaSize       = 64 << 20
	minArenaSize           = 1 << 20
	defaultReclaimTimeout  = 10 * time.Second
	defaultWriteTimeout    = 100 * time.Millisecond
	defaultPollInterval    = 100 * time.Millisecond
	defaultCallbackWorkers = 1
)

// FullPolicy decides what Write does when the ring is full.
type FullPolicy uint8

const (
	// FailFast returns ErrRingFull at once.
	FailFast FullPolicy = iota
	// Block retries with backoff until WriteTimeout.
	Block
)

func (p FullPolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case Block:
		return "block"
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

func (p *FullPolicy) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "fail-fast", "failfast":
		*p = FailFast
	case "block":
		*p = Block
	default:
		return fmt.Errorf("unknown full policy %q", string(b))
	}
	return nil
}

// Config is used to tune a Queue.
type Config struct {
	// Topology must agree among every peer of a channel.
	Topology ring.Topology `envconfig:"TOPOLOGY"`

	// InlineSize is the largest payload copied straight into a ring slot.
	// Larger payloads go through the fragment arena. It is part of the
	// channel's object name, so peers must agree on it too.
	InlineSize int `envconfig:"INLINE_SIZE"`

	// ArenaSize is the size of this producer's fragment arena.
	ArenaSize int `envconfig:"ARENA_SIZE"`

	// ReclaimTimeout force-reclaims fragments readers never released.
	ReclaimTimeout time.Duration `envconfig:"RECLAIM_TIMEOUT"`

	FullPolicy FullPolicy `envconfig:"FULL_POLICY"`

	// WriteTimeout bounds a Write under the Block policy.
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT"`

	// PollInterval is how long Serve waits before re-checking its context.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL"`

	// CallbackWorkers is the Serve worker pool size. One keeps messages
	// in order.
	CallbackWorkers int `envconfig:"CALLBACK_WORKERS"`

	Metrics *Metrics     `ignored:"true"`
	Tracer  trace.Tracer `ignored:"true"`
	Meter   metric.Meter `ignored:"true"`
}

// DefaultConfig is used to get the default config.
func DefaultConfig() *Config {
	return &Config{
		Topology:        ring.SPSC,
		InlineSize:      defaultInlineSize,
		ArenaSize:       defaultArenaSize,
		ReclaimTimeout:  defaultReclaimTimeout,
		FullPolicy:      FailFast,
		WriteTimeout:    defaultWriteTimeout,
		PollInterval:    defaultPollInterval,
		CallbackWorkers: defaultCallbackWorkers,
	}
}

// LoadConfigFromEnv starts from DefaultConfig and overrides fields from
// SHMQ_* environment variables.
func LoadConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process("shmq", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}
	if !config.Topology.Valid() {
		return fmt.Errorf("invalid topology %s", config.Topology)
	}
	if config.InlineSize < fragment.DescriptorSize || config.InlineSize > maxInlineSize {
		return fmt.Errorf("InlineSize must be in [%d, %d], got %d", fragment.DescriptorSize, maxInlineSize, config.InlineSize)
	}
	if config.ArenaSize < minArenaSize {
		return fmt.Errorf("ArenaSize must be at least %d bytes, got %d", minArenaSize, config.ArenaSize)
	}
	if config.ReclaimTimeout <= 0 {
		return fmt.Errorf("ReclaimTimeout must be positive")
	}
	if config.FullPolicy != FailFast && config.FullPolicy != Block {
		return fmt.Errorf("invalid full policy %s", config.FullPolicy)
	}
	if config.FullPolicy == Block && config.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be positive with the block policy")
	}
	if config.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be positive")
	}
	if config.CallbackWorkers < 1 {
		return fmt.Errorf("CallbackWorkers must be at least 1")
	}
	return nil
}
