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

// testDescriptors builds a minimal but non-trivial descriptor set: one
// configuration with one interface carrying a BULK IN and a BULK OUT
// endpoint, enough to exercise SET_CONFIGURATION, GET_DESCRIPTOR and the
// endpoint scheduler without pulling in any class-specific layout.
func testDescriptors(t *testing.T) *Descriptors {
	t.Helper()

	dev := &DeviceDescriptor{}
	dev.SetDefaults()

	desc := &Descriptors{Device: dev}

	if err := desc.SetLanguageCodes([]uint16{0x0409}); err != nil {
		t.Fatalf("SetLanguageCodes: %v", err)
	}

	if _, err := desc.AddString("usbcore test device"); err != nil {
		t.Fatalf("AddString: %v", err)
	}

	conf := &ConfigurationDescriptor{}
	conf.SetDefaults()

	iface := &InterfaceDescriptor{}
	iface.SetDefaults()

	epIn := &EndpointDescriptor{}
	epIn.SetDefaults()
	epIn.EndpointAddress = 0x81
	epIn.Attributes = 0x02 // bulk
	epIn.MaxPacketSize = 64

	epOut := &EndpointDescriptor{}
	epOut.SetDefaults()
	epOut.EndpointAddress = 0x01
	epOut.Attributes = 0x02 // bulk
	epOut.MaxPacketSize = 64

	iface.Endpoints = append(iface.Endpoints, epIn, epOut)
	iface.NumEndpoints = 2

	conf.AddInterface(iface)

	if err := desc.AddConfiguration(conf); err != nil {
		t.Fatalf("AddConfiguration: %v", err)
	}

	return desc
}

// newTestCore returns a Core bound to a fresh SimBackend, initialized with
// testDescriptors, connected, and past its initial bus reset — i.e. ready
// to receive control transfers in the Default state.
func newTestCore(t *testing.T) (*Core, *SimBackend) {
	t.Helper()

	backend := NewSimBackend(4096)
	core := NewCore(backend)

	if err := core.Init(testDescriptors(t)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	core.Connect()

	backend.HostBusReset()
	core.Poll()
	core.Poll()

	if got := core.GetState(); got != StateDefault {
		t.Fatalf("state after bus reset = %s, want default", got)
	}

	return core, backend
}

// doControlIn drives a device-to-host control transfer (SETUP with the
// device-to-host direction bit set) to completion and returns the data
// stage bytes the device sent back.
func doControlIn(t *testing.T, core *Core, backend *SimBackend, setup [8]byte) []byte {
	t.Helper()

	backend.HostSendSetup(setup)
	core.Poll()

	var data []byte

	for i := 0; i < 8; i++ {
		chunk := backend.HostReadIn(0, 0)
		if chunk == nil {
			break
		}

		data = append(data, chunk...)
		core.Poll()

		if len(chunk) < ep0PacketLen {
			break
		}
	}

	return data
}

// doControlOutNoData drives a host-to-device control transfer with no data
// stage (wLength 0) to completion.
func doControlOutNoData(t *testing.T, core *Core, backend *SimBackend, setup [8]byte) {
	t.Helper()

	backend.HostSendSetup(setup)
	core.Poll()

	backend.HostReadIn(0, 0)
	core.Poll()
}
