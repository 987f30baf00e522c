// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package parallel

// Splitter returns the half-open range [start, end) of n items owned by
// member tid of a team of team members.
//
// The first T1 members get ceil(n/team) items and the others one less, so
// ranges are contiguous, in member order, and differ in size by at most one.
func Splitter[T ~int | ~int64](n T, team, tid int) (start, end T) {
	if team <= 1 || n == 0 {
		return 0, n
	}
	t, id := T(team), T(tid)
	n1 := (n + t - 1) / t
	n2 := n1 - 1
	t1 := n - n2*t
	if id < t1 {
		start = n1 * id
		end = start + n1
	} else {
		start = n1*t1 + n2*(id-t1)
		end = start + n2
	}
	return start, end
}
