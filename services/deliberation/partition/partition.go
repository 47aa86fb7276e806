// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package partition splits deliberation items into balanced subgroups.
//
// Items are shuffled before splitting so that group membership is
// independent of submission order; nobody can engineer a friendly group by
// submitting at the right moment.
package partition

import (
	"math/rand/v2"
)

// Split divides items into ⌈len(items)/maxGroupSize⌉ balanced groups.
//
// Description:
//
//	The items are first shuffled with the provided RNG, then cut into
//	groups whose sizes differ by at most one: with g groups, the first
//	len(items) mod g groups receive ⌊len/g⌋+1 items and the rest ⌊len/g⌋.
//	When len(items) <= maxGroupSize a single group is returned, still in
//	shuffled order.
//
// Inputs:
//
//	rng - Seeded RNG; the same seed reproduces the same grouping.
//	items - The items to split. Not mutated.
//	maxGroupSize - Upper bound on group size. Values < 1 are treated as 1.
//
// Outputs:
//
//	[][]T - The groups. Empty input yields no groups.
func Split[T any](rng *rand.Rand, items []T, maxGroupSize int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if maxGroupSize < 1 {
		maxGroupSize = 1
	}

	shuffled := make([]T, len(items))
	copy(shuffled, items)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	numGroups := (len(shuffled) + maxGroupSize - 1) / maxGroupSize
	base := len(shuffled) / numGroups
	remainder := len(shuffled) % numGroups

	groups := make([][]T, 0, numGroups)
	start := 0
	for i := 0; i < numGroups; i++ {
		size := base
		if i < remainder {
			size++
		}
		groups = append(groups, shuffled[start:start+size])
		start += size
	}
	return groups
}

// NumGroups returns how many groups Split will produce for n items.
func NumGroups(n, maxGroupSize int) int {
	if n <= 0 {
		return 0
	}
	if maxGroupSize < 1 {
		maxGroupSize = 1
	}
	return (n + maxGroupSize - 1) / maxGroupSize
}
