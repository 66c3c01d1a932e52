// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

import "encoding/binary"

type simBD struct {
	csr uint16
	ptr uint16
}

// SimBackend is an in-memory Backend implementation with no dependency on
// real hardware: it holds the same CSR/AR/EVT/endpoint-table/packet-RAM
// state a real controller would expose over MMIO, in ordinary Go slices and
// fields. It is used by this package's own tests and by cmd/usbcoresim, and
// doubles as a minimal host-side traffic simulator via its Host* methods, so
// that a control transfer can be driven end to end without any real USB
// hardware.
type SimBackend struct {
	csr uint32
	evt uint32

	status [MaxEndpoints][2]uint16
	bd     [MaxEndpoints][2][2]simBD

	ram []byte
}

// NewSimBackend allocates a simulated controller with the given packet RAM
// size in bytes.
func NewSimBackend(ramSize int) *SimBackend {
	return &SimBackend{ram: make([]byte, ramSize)}
}

func (b *SimBackend) ReadCSR() uint32 { return b.csr }

func (b *SimBackend) WriteCSR(v uint32) { b.csr = v }

func (b *SimBackend) WriteAR(mask uint32) {
	if mask&arCELRelease != 0 {
		b.csr &^= csrCELActive
	}
	if mask&arBusResetClear != 0 {
		b.csr &^= csrBusReset | csrBusResetPending
	}
	if mask&arSOFClear != 0 {
		b.csr &^= csrSOFPending
	}
}

func (b *SimBackend) ReadEVT() uint32 {
	v := b.evt
	b.evt = 0
	b.csr &^= csrEventPending
	return v
}

func (b *SimBackend) EndpointStatus(n, dir int) uint16 { return b.status[n][dir] }

func (b *SimBackend) SetEndpointStatus(n, dir int, v uint16) { b.status[n][dir] = v }

func (b *SimBackend) BD(n, dir, idx int) (uint16, uint16) {
	bd := b.bd[n][dir][idx]
	return bd.csr, bd.ptr
}

func (b *SimBackend) SetBDCSR(n, dir, idx int, csr uint16) { b.bd[n][dir][idx].csr = csr }

func (b *SimBackend) SetBDPTR(n, dir, idx int, ptr uint16) { b.bd[n][dir][idx].ptr = ptr }

func (b *SimBackend) ReadRAMWord(wordOffset int) uint32 {
	off := wordOffset * 4
	return binary.LittleEndian.Uint32(b.ram[off : off+4])
}

func (b *SimBackend) WriteRAMWord(wordOffset int, v uint32) {
	off := wordOffset * 4
	binary.LittleEndian.PutUint32(b.ram[off:off+4], v)
}

func (b *SimBackend) RAMSize() int { return len(b.ram) }

// --- host-side traffic simulation -----------------------------------------
//
// The methods below play the role of the host controller for tests and the
// cmd/usbcoresim demo: they inject SETUP/OUT tokens and drain IN tokens the
// same way real silicon would, driving Core's BD state machine without any
// interrupt or goroutine involved.

// HostPullup reports whether the simulated pull-up is asserted, i.e.
// whether Core.Connect has been called.
func (b *SimBackend) HostPullup() bool {
	return b.csr&csrPullupEnable != 0
}

// HostBusReset pulses a bus reset: asserts BUS_RST and BUS_RST_PENDING, the
// way a host's reset signalling would, then (as a real host releasing the
// reset line does) clears BUS_RST while leaving BUS_RST_PENDING set for
// Poll to observe and acknowledge.
func (b *SimBackend) HostBusReset() {
	b.csr |= csrBusReset | csrBusResetPending
	b.csr &^= csrBusReset
}

// HostSOF pulses a start-of-frame.
func (b *SimBackend) HostSOF() {
	b.csr |= csrSOFPending
}

// HostSendSetup writes an 8-byte SETUP packet into EP0's SETUP buffer (OUT
// BD1) and marks it DONE_OK|IS_SETUP, as a host's SETUP token followed by
// the DATA0 SETUP packet would.
func (b *SimBackend) HostSendSetup(setup [8]byte) {
	off := int(b.bd[0][DirOut][1].ptr)
	copy(b.ram[off:off+8], setup[:])
	b.bd[0][DirOut][1].csr = bdStateDoneOK | bdIsSetup | 8
	b.csr |= csrEventPending
}

// HostSendOut delivers an OUT DATA packet to endpoint n's current BD (idx is
// 0 for EP0 and any single-buffered endpoint, or the currently-expected
// ping-pong index for a dual-buffered one), marking it DONE_OK. The BD's
// length field is recorded as len(data)+2, matching real hardware's habit of
// including the packet's 2-byte CRC trailer in every OUT completion's
// length; a nil/empty data simulates a genuine ZLP, whose BD length is then
// exactly 2.
func (b *SimBackend) HostSendOut(n, idx int, data []byte) {
	off := int(b.bd[n][DirOut][idx].ptr)
	copy(b.ram[off:off+len(data)], data)
	b.bd[n][DirOut][idx].csr = bdStateDoneOK | uint16(len(data)+2)
	b.csr |= csrEventPending
}

// HostReadIn drains endpoint n's queued IN BD, returning its payload if it
// was in READY_DATA state (marking it DONE_OK as a successful IN token
// would), or nil if nothing was queued to send.
func (b *SimBackend) HostReadIn(n, idx int) []byte {
	bd := &b.bd[n][DirIn][idx]

	if bdState(bd.csr) != bdStateReadyData {
		return nil
	}

	length := bdLen(bd.csr)
	off := int(bd.ptr)

	data := make([]byte, length)
	copy(data, b.ram[off:off+length])

	bd.csr = bdStateDoneOK | uint16(length)
	b.csr |= csrEventPending

	return data
}
