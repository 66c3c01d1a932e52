// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

import "testing"

func TestInitStartsDisconnected(t *testing.T) {
	backend := NewSimBackend(4096)
	core := NewCore(backend)

	if err := core.Init(testDescriptors(t)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if got := core.GetState(); got != StateDisconnected {
		t.Fatalf("state after Init = %s, want disconnected", got)
	}

	if backend.HostPullup() {
		t.Fatal("pull-up asserted before Connect")
	}
}

func TestConnectAssertsPullup(t *testing.T) {
	backend := NewSimBackend(4096)
	core := NewCore(backend)

	if err := core.Init(testDescriptors(t)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	core.Connect()

	if !backend.HostPullup() {
		t.Fatal("pull-up not asserted after Connect")
	}

	if got := core.GetState(); got != StateConnected {
		t.Fatalf("state after Connect = %s, want connected", got)
	}
}

func TestDisconnectDeassertsPullup(t *testing.T) {
	core, backend := newTestCore(t)

	core.Disconnect()

	if backend.HostPullup() {
		t.Fatal("pull-up still asserted after Disconnect")
	}

	if got := core.GetState(); got != StateDisconnected {
		t.Fatalf("state after Disconnect = %s, want disconnected", got)
	}
}

func TestBusResetMovesToDefaultAndNotifiesDrivers(t *testing.T) {
	backend := NewSimBackend(4096)
	core := NewCore(backend)

	if err := core.Init(testDescriptors(t)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var resets int

	core.RegisterFunctionDriver(&FunctionDriver{
		OnBusReset: func() { resets++ },
	})

	core.Connect()
	backend.HostBusReset()
	core.Poll()
	core.Poll()

	if got := core.GetState(); got != StateDefault {
		t.Fatalf("state after bus reset = %s, want default", got)
	}

	if resets != 1 {
		t.Fatalf("OnBusReset called %d times, want 1", resets)
	}
}

func TestSOFTicksAndDispatch(t *testing.T) {
	core, backend := newTestCore(t)

	var sofs int

	core.RegisterFunctionDriver(&FunctionDriver{
		OnSOF: func() { sofs++ },
	})

	before := core.GetTick()

	backend.HostSOF()
	core.Poll()

	if core.GetTick() != before+1 {
		t.Fatalf("tick = %d, want %d", core.GetTick(), before+1)
	}

	if sofs != 1 {
		t.Fatalf("OnSOF called %d times, want 1", sofs)
	}
}

func TestSuspendResumeDispatch(t *testing.T) {
	core, backend := newTestCore(t)

	var states []State

	core.RegisterFunctionDriver(&FunctionDriver{
		OnStateChange: func(s State) { states = append(states, s) },
	})

	backend.WriteCSR(backend.ReadCSR() | csrBusSuspend)
	core.Poll()

	if got := core.GetState(); got != StateSuspended {
		t.Fatalf("state after suspend = %s, want suspended", got)
	}

	backend.WriteCSR(backend.ReadCSR() &^ uint32(csrBusSuspend))
	core.Poll()

	if got := core.GetState(); got != StateDefault {
		t.Fatalf("state after resume = %s, want default", got)
	}

	if len(states) != 2 || states[0] != StateSuspended || states[1] != StateDefault {
		t.Fatalf("unexpected OnStateChange sequence: %v", states)
	}
}

func TestPollBeforeConnectedIsNoop(t *testing.T) {
	backend := NewSimBackend(4096)
	core := NewCore(backend)

	if err := core.Init(testDescriptors(t)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	backend.HostBusReset()
	core.Poll()

	if got := core.GetState(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected (Poll before Connect must be a no-op)", got)
	}
}
