//go:build linux

package backend

import "testing"

func TestPreemptionMonitorLiveness(t *testing.T) {
	m := &PreemptionMonitor{}
	SetNeedPreemptVar(m)
	defer SetNeedPreemptVar(nil)

	if NeedPreempt() {
		t.Fatalf("fresh monitor should not report preemption")
	}
	RaiseSoftwarePreempt()
	if !NeedPreempt() {
		t.Fatalf("expected NeedPreempt to observe the raise on the same monitor")
	}
	ClearPreempt()
	if NeedPreempt() {
		t.Fatalf("expected ClearPreempt to reset the monitor")
	}
}

func TestPreemptionMonitorSwapIsolatesReaders(t *testing.T) {
	a, b := &PreemptionMonitor{}, &PreemptionMonitor{}
	SetNeedPreemptVar(a)
	defer SetNeedPreemptVar(nil)

	RaiseSoftwarePreempt() // raises whichever monitor is currently installed (a)
	SetNeedPreemptVar(b)
	if NeedPreempt() {
		t.Fatalf("swapping to a fresh monitor must not carry over a's raised flag")
	}
}

func TestNeedPreemptWithNoMonitorInstalled(t *testing.T) {
	SetNeedPreemptVar(nil)
	if NeedPreempt() {
		t.Fatalf("expected false when no monitor is installed")
	}
	RaiseSoftwarePreempt() // must not panic with a nil monitor installed
}
