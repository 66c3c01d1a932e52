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

func TestConfigurationDescriptorByteLayout(t *testing.T) {
	desc := testDescriptors(t)

	buf, err := desc.Configuration(0)
	if err != nil {
		t.Fatalf("Configuration(0): %v", err)
	}

	if buf[0] != ConfigurationDescriptorLength || buf[1] != DescConfiguration {
		t.Fatalf("unexpected configuration header: %#v", buf[:2])
	}

	wTotalLength := int(buf[2]) | int(buf[3])<<8
	if wTotalLength != len(buf) {
		t.Fatalf("wTotalLength = %d, actual length = %d", wTotalLength, len(buf))
	}

	iface, off := Find(buf, DescInterface, 0)
	if iface == nil {
		t.Fatal("interface descriptor not found in configuration bytes")
	}

	if iface[1] != DescInterface {
		t.Fatalf("Find returned wrong descriptor type %d", iface[1])
	}

	ep, _ := Find(buf, DescEndpoint, off)
	if ep == nil {
		t.Fatal("endpoint descriptor not found after interface")
	}

	if ep[1] != DescEndpoint {
		t.Fatalf("endpoint descriptor type = %d, want DescEndpoint", ep[1])
	}
}

func TestFindConfReturnsRequestedConfiguration(t *testing.T) {
	desc := testDescriptors(t)

	buf, err := desc.Configuration(0)
	if err != nil {
		t.Fatalf("Configuration(0): %v", err)
	}

	// FindConf is exercised against the same bytes GET_DESCRIPTOR would
	// serve, prefixed by nothing else, so index 0 must return the whole
	// thing.
	got := FindConf(buf, 0)
	if got == nil {
		t.Fatal("FindConf(0) returned nil")
	}

	if len(got) != len(buf) {
		t.Fatalf("FindConf(0) length = %d, want %d", len(got), len(buf))
	}

	if FindConf(buf, 1) != nil {
		t.Fatal("FindConf(1) should be nil, only one configuration exists")
	}
}

func TestNextWalksDescriptorChain(t *testing.T) {
	desc := testDescriptors(t)

	buf, err := desc.Configuration(0)
	if err != nil {
		t.Fatalf("Configuration(0): %v", err)
	}

	iface, off := Find(buf, DescInterface, 0)
	if iface == nil {
		t.Fatal("interface descriptor not found")
	}

	next, _ := Next(buf, off-len(iface))
	if next == nil {
		t.Fatal("Next returned nil walking past the interface descriptor")
	}

	if next[1] != DescEndpoint {
		t.Fatalf("descriptor after interface = type %d, want DescEndpoint", next[1])
	}
}

func TestAddStringSkipsLanguageTableIndex(t *testing.T) {
	dev := &DeviceDescriptor{}
	dev.SetDefaults()

	desc := &Descriptors{Device: dev}

	if err := desc.SetLanguageCodes([]uint16{0x0409}); err != nil {
		t.Fatalf("SetLanguageCodes: %v", err)
	}

	idx, err := desc.AddString("usbcore")
	if err != nil {
		t.Fatalf("AddString: %v", err)
	}

	if idx == 0 {
		t.Fatal("AddString returned index 0, which is reserved for the language table")
	}

	if len(desc.Strings) == 0 {
		t.Fatal("AddString did not record the string descriptor")
	}
}
