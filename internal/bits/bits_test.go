// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bits

import "testing"

func TestSetClearGet16(t *testing.T) {
	var v uint16

	Set16(&v, 3)

	if !Get16(&v, 3) {
		t.Fatal("expected bit 3 to be set")
	}

	if Get16(&v, 4) {
		t.Fatal("expected bit 4 to be clear")
	}

	Clear16(&v, 3)

	if Get16(&v, 3) {
		t.Fatal("expected bit 3 to be clear after Clear16")
	}
}

func TestSetNGetN16(t *testing.T) {
	var v uint16 = 0xffff

	SetN16(&v, 4, 0x0f, 0x5)

	if got := GetN16(&v, 4, 0x0f); got != 0x5 {
		t.Errorf("GetN16 = %#x, want 0x5", got)
	}

	// Bits outside the masked field must be untouched.
	if got := GetN16(&v, 0, 0x0f); got != 0x0f {
		t.Errorf("bits below field clobbered: GetN16 = %#x, want 0xf", got)
	}
}

func TestSetClearGet32(t *testing.T) {
	var v uint32

	Set32(&v, 20)

	if !Get32(&v, 20) {
		t.Fatal("expected bit 20 to be set")
	}

	Clear32(&v, 20)

	if Get32(&v, 20) {
		t.Fatal("expected bit 20 to be clear after Clear32")
	}
}

func TestSetNGetN32(t *testing.T) {
	var v uint32

	SetN32(&v, 8, 0xff, 0xab)

	if got := GetN32(&v, 8, 0xff); got != 0xab {
		t.Errorf("GetN32 = %#x, want 0xab", got)
	}
}
