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


// Package adapter wires shmq queues into external health and telemetry
// systems.
package adapter

import (
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/shmq/api"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = time.Second

// RegisterHealthChecks adds a liveness and a readiness check for p to h,
// both named after name. Liveness fails once the queue is disconnected,
// readiness while it has no peer.
func RegisterHealthChecks(h healthcheck.Handler, name string, p api.HealthChecker) {
	h.AddLivenessCheck(fmt.Sprintf("shmq-%s-live", name), healthcheck.Timeout(p.Check, DefaultCheckTimeout))
	h.AddReadinessCheck(fmt.Sprintf("shmq-%s-ready", name), healthcheck.Timeout(p.Ready, DefaultCheckTimeout))
}
