// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

// Transfer describes a multi-packet EP0 data stage in progress: either the
// bytes to send to the host (DATA_IN) or the buffer to receive into
// (DATA_OUT).
//
// OnData and OnDone are both optional. OnData, when set, is called once per
// OUT chunk the host sends (DATA_OUT only) instead of copying it into Data;
// it receives the chunk and must return an error to abort the transfer with
// a STALL. OnDone is called once the status stage completes successfully,
// before Core reports the control request as done; SET_ADDRESS uses it to
// defer writing the new device address until after the zero-length status
// packet has actually gone out, since the address must not change mid
// transfer.
type Transfer struct {
	Data   []byte
	Offset int
	Length int

	OnData func(chunk []byte) error
	OnDone func(ctx interface{})

	// Ctx is opaque state threaded through to OnDone, set by whichever
	// control-request handler created the Transfer.
	Ctx interface{}
}

// remaining returns the number of bytes of Data left to send or to be
// filled, from Offset to Length.
func (t *Transfer) remaining() int {
	if t == nil {
		return 0
	}

	return t.Length - t.Offset
}
