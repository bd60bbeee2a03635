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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmq/pkg/ring"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, VerifyConfig(DefaultConfig()))
}

func TestVerifyConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"zero topology", func(c *Config) { c.Topology = 0 }, false},
		{"inline below descriptor", func(c *Config) { c.InlineSize = 8 }, false},
		{"inline too large", func(c *Config) { c.InlineSize = 8192 }, false},
		{"small arena", func(c *Config) { c.ArenaSize = 4096 }, false},
		{"no reclaim timeout", func(c *Config) { c.ReclaimTimeout = 0 }, false},
		{"unknown policy", func(c *Config) { c.FullPolicy = 7 }, false},
		{"block without timeout", func(c *Config) { c.FullPolicy = Block; c.WriteTimeout = 0 }, false},
		{"fail fast ignores timeout", func(c *Config) { c.WriteTimeout = 0 }, true},
		{"no poll interval", func(c *Config) { c.PollInterval = 0 }, false},
		{"no workers", func(c *Config) { c.CallbackWorkers = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := VerifyConfig(cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
	assert.Error(t, VerifyConfig(nil))
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SHMQ_TOPOLOGY", "MPMC")
	t.Setenv("SHMQ_INLINE_SIZE", "120")
	t.Setenv("SHMQ_FULL_POLICY", "block")
	t.Setenv("SHMQ_WRITE_TIMEOUT", "250ms")
	t.Setenv("SHMQ_CALLBACK_WORKERS", "4")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ring.MPMC, cfg.Topology)
	assert.Equal(t, 120, cfg.InlineSize)
	assert.Equal(t, Block, cfg.FullPolicy)
	assert.Equal(t, 250*time.Millisecond, cfg.WriteTimeout)
	assert.Equal(t, 4, cfg.CallbackWorkers)
	assert.Equal(t, defaultArenaSize, cfg.ArenaSize)
}

func TestLoadConfigFromEnvRejects(t *testing.T) {
	t.Run("bad topology", func(t *testing.T) {
		t.Setenv("SHMQ_TOPOLOGY", "ring")
		_, err := LoadConfigFromEnv()
		assert.Error(t, err)
	})
	t.Run("bad policy", func(t *testing.T) {
		t.Setenv("SHMQ_FULL_POLICY", "drop")
		_, err := LoadConfigFromEnv()
		assert.Error(t, err)
	})
	t.Run("invalid value", func(t *testing.T) {
		t.Setenv("SHMQ_INLINE_SIZE", "1")
		_, err := LoadConfigFromEnv()
		assert.Error(t, err)
	})
}

func TestFullPolicyText(t *testing.T) {
	var p FullPolicy
	require.NoError(t, p.UnmarshalText([]byte(" Fail-Fast ")))
	assert.Equal(t, FailFast, p)
	require.NoError(t, p.UnmarshalText([]byte("block")))
	assert.Equal(t, Block, p)
	assert.Equal(t, "block", p.String())
	assert.Error(t, p.UnmarshalText([]byte("spin")))
}
