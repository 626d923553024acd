// poisson.go - exponentially-distributed interval sampling.
// Copyright (C) 2017  David Anthony Stainton
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package poisson draws inter-packet and per-hop delays from an
// exponential distribution, the basis of the mixnet's Poisson pacing
// strategy described in the end-to-end protocol specification.
package poisson

import (
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/katzenpost/core/crypto/rand"
)

// Fount draws successive delays from Exp(lambda), where lambda is an
// inverse-mean rate expressed in events per millisecond. Each Fount owns
// its own CSPRNG-seeded math/rand source, matching the per-task random
// source ownership policy used throughout the engine.
type Fount struct {
	mu     sync.Mutex
	rng    *mathrand.Rand
	lambda float64
}

// New returns a Fount for the given rate. lambda must be > 0.
func New(lambda float64) *Fount {
	return &Fount{
		rng:    rand.NewMath(),
		lambda: lambda,
	}
}

// NewFromAverageDelay is a convenience constructor that derives lambda
// from a desired mean interval, since the configuration surface expresses
// Poisson parameters as "average delay" rather than raw rates.
func NewFromAverageDelay(average time.Duration) *Fount {
	meanMs := float64(average) / float64(time.Millisecond)
	if meanMs <= 0 {
		meanMs = 1
	}
	return New(1.0 / meanMs)
}

// Next draws one interval, in milliseconds, from Exp(lambda).
func (f *Fount) Next() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return rand.Exp(f.rng, f.lambda)
}

// NextDuration draws one interval as a time.Duration.
func (f *Fount) NextDuration() time.Duration {
	return DurationFromMillis(f.Next())
}

// DurationFromMillis converts a millisecond float draw, as returned by
// Next or accumulated by Sum, into a time.Duration.
func DurationFromMillis(ms float64) time.Duration {
	d, err := time.ParseDuration(fmt.Sprintf("%fms", ms))
	if err != nil {
		return time.Duration(ms * float64(time.Millisecond))
	}
	return d
}

// Delays returns count independent draws, with the final entry forced to
// zero. Per section 5.1 of the end-to-end protocol specification, the
// last hop before the recipient carries no additional delay.
func Delays(lambda float64, count int) []float64 {
	f := New(lambda)
	delays := make([]float64, count)
	for i := 0; i < count-1; i++ {
		delays[i] = f.Next()
	}
	return delays
}

// Sum adds a slice of per-hop delays, used to total a route's delay for
// its expected round-trip time.
func Sum(delays []float64) float64 {
	total := float64(0)
	for _, d := range delays {
		total += d
	}
	return total
}
