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

func TestUnhandledControlRequestStalls(t *testing.T) {
	core, backend := newTestCore(t)

	// A vendor request (bmRequestType bit 5-6 = 10) nothing claims.
	backend.HostSendSetup([8]byte{0xc0, 0x55, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	core.Poll()

	inCSR, _ := backend.BD(0, DirIn, 0)
	outCSR, _ := backend.BD(0, DirOut, 0)

	if bdState(inCSR) != bdStateReadyStall || bdState(outCSR) != bdStateReadyStall {
		t.Fatalf("expected STALL on both halves, got IN=%#x OUT=%#x", inCSR, outCSR)
	}

	// The SETUP buffer must remain armed while stalled, so the host's next
	// SETUP can clear the condition.
	setupCSR, _ := backend.BD(0, DirOut, 1)
	if bdState(setupCSR) != bdStateReadyData {
		t.Fatalf("SETUP buffer not armed while stalled, state=%#x", setupCSR)
	}
}

func TestEP0DataToggleForcedOnEverySetup(t *testing.T) {
	core, backend := newTestCore(t)

	// Leave DT cleared as if a previous transfer ended mid-toggle.
	backend.SetEndpointStatus(0, DirIn, backend.EndpointStatus(0, DirIn)&^uint16(epDT))

	backend.HostSendSetup([8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 18, 0x00})
	core.Poll()

	if backend.EndpointStatus(0, DirIn)&epDT == 0 {
		t.Fatal("EP0 IN data toggle not forced to DATA1 on SETUP")
	}
}

func TestSetupRXErrorRetries(t *testing.T) {
	core, backend := newTestCore(t)

	// Simulate a corrupted SETUP reception: DONE_ERR instead of DONE_OK.
	backend.SetBDCSR(0, DirOut, 1, bdStateDoneErr)
	backend.WriteCSR(backend.ReadCSR() | csrEventPending)

	core.Poll()

	csr, _ := backend.BD(0, DirOut, 1)
	if bdState(csr) != bdStateReadyData {
		t.Fatalf("SETUP buffer not re-armed after RX error, state=%#x", csr)
	}

	// A real SETUP should now be serviced normally.
	data := doControlIn(t, core, backend, [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 18, 0x00})

	if len(data) != 18 {
		t.Fatalf("device descriptor length after recovery = %d, want 18", len(data))
	}
}

func TestMultiChunkDataInSplitsAt64(t *testing.T) {
	core, backend := newTestCore(t)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	core.RegisterFunctionDriver(&FunctionDriver{
		Name: "vendor-in",
		OnControlRequest: func(setup *SetupData) (Result, *Transfer) {
			if setup.Request != 0x55 {
				return Continue, nil
			}
			return Success, &Transfer{Data: payload, Length: len(payload)}
		},
	})

	// Vendor device-to-host request, wLength 100.
	backend.HostSendSetup([8]byte{0xc0, 0x55, 0x00, 0x00, 0x00, 0x00, 100, 0x00})
	core.Poll()

	first := backend.HostReadIn(0, 0)
	if len(first) != 64 {
		t.Fatalf("first chunk length = %d, want 64", len(first))
	}
	core.Poll()

	second := backend.HostReadIn(0, 0)
	if len(second) != 36 {
		t.Fatalf("second chunk length = %d, want 36 (terminating short packet)", len(second))
	}
	core.Poll()

	got := append(first, second...)
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("payload byte %d = %#x, want %#x", i, got[i], payload[i])
		}
	}

	// Status stage: the engine must have armed the OUT half for the
	// host's ZLP once the short packet went out.
	outCSR, _ := backend.BD(0, DirOut, 0)
	if bdState(outCSR) != bdStateReadyData {
		t.Fatalf("status OUT not armed, state = %#x", bdState(outCSR))
	}

	backend.HostSendOut(0, 0, nil)
	core.Poll()

	if core.ep0.state != ep0Idle {
		t.Fatalf("sub-state after status stage = %d, want idle", core.ep0.state)
	}
}

func TestMultiChunkDataOutConsumesWLength(t *testing.T) {
	core, backend := newTestCore(t)

	received := make([]byte, 100)

	core.RegisterFunctionDriver(&FunctionDriver{
		Name: "vendor-out",
		OnControlRequest: func(setup *SetupData) (Result, *Transfer) {
			if setup.Request != 0x66 {
				return Continue, nil
			}
			return Success, &Transfer{Data: received, Length: len(received)}
		},
	})

	// Vendor host-to-device request, wLength 100.
	backend.HostSendSetup([8]byte{0x40, 0x66, 0x00, 0x00, 0x00, 0x00, 100, 0x00})
	core.Poll()

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(0xff - i)
	}

	backend.HostSendOut(0, 0, payload[:64])
	core.Poll()

	// The IN ZLP must not be queued until all 100 bytes are in.
	inCSR, _ := backend.BD(0, DirIn, 0)
	if bdState(inCSR) == bdStateReadyData {
		t.Fatal("status IN queued before the whole data stage was consumed")
	}

	backend.HostSendOut(0, 0, payload[64:])
	core.Poll()

	inCSR, _ = backend.BD(0, DirIn, 0)
	if bdState(inCSR) != bdStateReadyData || bdLen(inCSR) != 0 {
		t.Fatalf("status IN ZLP not queued, CSR = %#x", inCSR)
	}

	for i := range payload {
		if received[i] != payload[i] {
			t.Fatalf("received byte %d = %#x, want %#x", i, received[i], payload[i])
		}
	}

	backend.HostReadIn(0, 0)
	core.Poll()

	if core.ep0.state != ep0Idle {
		t.Fatalf("sub-state after status stage = %d, want idle", core.ep0.state)
	}
}

func TestDataInWithoutBufferSendsWLengthScratch(t *testing.T) {
	core, backend := newTestCore(t)

	core.RegisterFunctionDriver(&FunctionDriver{
		Name: "vendor-source",
		OnControlRequest: func(setup *SetupData) (Result, *Transfer) {
			if setup.Request != 0x88 {
				return Continue, nil
			}
			// Claim the request but supply no buffer: the engine must
			// still reply with wLength bytes of zeroed scratch data.
			return Success, &Transfer{}
		},
	})

	data := doControlIn(t, core, backend, [8]byte{0xc0, 0x88, 0x00, 0x00, 0x00, 0x00, 8, 0x00})

	if len(data) != 8 {
		t.Fatalf("data stage length = %d, want 8 (wLength of scratch)", len(data))
	}

	for i, b := range data {
		if b != 0 {
			t.Fatalf("scratch byte %d = %#x, want 0", i, b)
		}
	}
}

func TestDataOutWithoutBufferStillReachesStatus(t *testing.T) {
	core, backend := newTestCore(t)

	core.RegisterFunctionDriver(&FunctionDriver{
		Name: "vendor-sink",
		OnControlRequest: func(setup *SetupData) (Result, *Transfer) {
			if setup.Request != 0x77 {
				return Continue, nil
			}
			// Claim the request but supply no buffer: the engine must
			// still consume wLength bytes before the status stage.
			return Success, &Transfer{}
		},
	})

	backend.HostSendSetup([8]byte{0x40, 0x77, 0x00, 0x00, 0x00, 0x00, 16, 0x00})
	core.Poll()

	backend.HostSendOut(0, 0, make([]byte, 16))
	core.Poll()

	inCSR, _ := backend.BD(0, DirIn, 0)
	if bdState(inCSR) != bdStateReadyData || bdLen(inCSR) != 0 {
		t.Fatalf("status IN ZLP not queued, CSR = %#x", inCSR)
	}
}

func TestNoDataSetConfigurationReachesConfigured(t *testing.T) {
	core, backend := newTestCore(t)

	doControlOutNoData(t, core, backend, [8]byte{0x00, 0x09, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00})

	if got := core.GetState(); got != StateConfigured {
		t.Fatalf("state = %s, want configured", got)
	}
}
