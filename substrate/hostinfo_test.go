/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package substrate

import "testing"

func TestHostInfoComputedOnce(t *testing.T) {
	calls := 0
	first := HostInfo(func() HostInfoReport {
		calls++
		return HostInfoReport{Arch: "test-arch", PageSize: 4096, KernelRel: "1.0-test"}
	})
	second := HostInfo(func() HostInfoReport {
		calls++
		return HostInfoReport{Arch: "must-not-appear"}
	})

	if calls != 1 {
		t.Fatalf("expected exactly one compute call, got %d", calls)
	}
	if first != second {
		t.Fatalf("expected cached report, got %+v then %+v", first, second)
	}
	if first.Arch != "test-arch" || first.PageSize != 4096 {
		t.Fatalf("unexpected report: %+v", first)
	}
}
