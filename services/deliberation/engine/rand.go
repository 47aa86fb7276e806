// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"math/rand/v2"
	"sync"
	"time"
)

// lockedRand is the session's root RNG. *rand.Rand is not safe for
// concurrent use, so access goes through the mutex, and concurrent tasks
// get derived child streams instead of sharing this one.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// newLockedRand seeds the session RNG. Seed 0 draws an arbitrary seed so
// unseeded sessions differ; any other value reproduces exactly.
func newLockedRand(seed uint64) *lockedRand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// child derives an independent RNG stream. Derivation order is the only
// coupling to the parent, so children handed to concurrent tasks keep
// seeded runs reproducible as long as derivation itself is sequential
// per call site.
func (l *lockedRand) child() *rand.Rand {
	l.mu.Lock()
	a, b := l.r.Uint64(), l.r.Uint64()
	l.mu.Unlock()
	return rand.New(rand.NewPCG(a, b))
}

// do runs f with the root RNG under the lock.
func (l *lockedRand) do(f func(*rand.Rand)) {
	l.mu.Lock()
	f(l.r)
	l.mu.Unlock()
}
