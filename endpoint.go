// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

import (
	"fmt"

	"github.com/f-secure-foundry/usbcore/internal/bits"
)

// Endpoint status word bits and transfer-type encoding.
const (
	epTypeNone = 0x0000
	epTypeIsoc = 0x0001
	epTypeInt  = 0x0002
	epTypeBulk = 0x0004
	epTypeCtrl = 0x0006
	epTypeMask = 0x0006

	// epHalted aliases bit 0 with epTypeIsoc: on a BCI (Bulk/Control/
	// Interrupt) endpoint it is the halted flag; on an ISOC endpoint the
	// same bit is simply part of the type encoding and has no halt
	// meaning, matching the controller's bit-for-bit reuse.
	epHalted = 0x0001

	epBDDual = 0x0010
	epBDCtrl = 0x0020
	epBDIdx  = 0x0040
	epDT     = 0x0080
)

// isBCI reports whether a status word's type field is one of the
// Bulk/Control/Interrupt types, as opposed to Isochronous.
func isBCI(status uint16) bool {
	return status&epTypeMask != 0
}

// BD CSR state encoding (bits [15:13] of the 16-bit CSR word).
const (
	bdStateMask       = 0xe000
	bdStateNone       = 0x0000
	bdStateReadyData  = 0x4000
	bdStateReadyStall = 0x6000
	bdStateDoneOK     = 0x8000
	bdStateDoneErr    = 0xa000

	bdIsSetup = 0x1000
	bdLenMask = 0x03ff
)

func bdState(csr uint16) uint16 {
	return csr & bdStateMask
}

func bdLen(csr uint16) int {
	return int(csr & bdLenMask)
}

// bdData builds a READY_DATA BD CSR word for a payload of the given length.
func bdData(length int) uint16 {
	return bdStateReadyData | uint16(length)&bdLenMask
}

// endpointAttrToType maps a USB endpoint descriptor's bmAttributes transfer
// type field (p297, Table 9-13) to the controller's status-word type field.
func endpointAttrToType(attr uint8) uint16 {
	switch attr & 0x03 {
	case 0x00:
		return epTypeCtrl
	case 0x01:
		return epTypeIsoc
	case 0x02:
		return epTypeBulk
	default:
		return epTypeInt
	}
}

// EPBoot configures endpoint addr's status word from the matching endpoint
// descriptor in iface, assigning packet-RAM BD pointers from the allocator,
// and arms its first OUT BD (if any) for reception.
func (c *Core) EPBoot(iface *InterfaceDescriptor, addr uint8, dualBD bool) error {
	ep := findEndpoint(iface, addr)
	if ep == nil {
		return fmt.Errorf("usbcore: no endpoint %#02x in interface %d", addr, iface.InterfaceNumber)
	}

	n := ep.Number()
	dir := ep.Direction()

	status := uint16(endpointAttrToType(ep.Attributes))

	if dualBD {
		bits.Set16(&status, 4) // epBDDual
	}

	c.bk.SetEndpointStatus(n, dir, status)

	ramSize := c.bk.RAMSize()

	ptr0, err := c.alloc.alloc(int(ep.MaxPacketSize), ramSize)
	if err != nil {
		return err
	}

	c.bk.SetBDPTR(n, dir, 0, ptr0)
	c.bk.SetBDCSR(n, dir, 0, bdStateNone)

	if dualBD {
		ptr1, err := c.alloc.alloc(int(ep.MaxPacketSize), ramSize)
		if err != nil {
			return err
		}

		c.bk.SetBDPTR(n, dir, 1, ptr1)
		c.bk.SetBDCSR(n, dir, 1, bdStateNone)
	}

	if dir == DirOut {
		c.bk.SetBDCSR(n, dir, 0, bdData(int(ep.MaxPacketSize)))
	}

	return nil
}

// BD returns the CSR/PTR pair for BD index idx (0 or 1) of endpoint addr's
// half, exposed so a function driver can queue payload directly once
// EPBoot has assigned its BD pointers.
func (c *Core) BD(addr uint8, idx int) (csr, ptr uint16) {
	n := int(addr & 0x0f)
	dir := int(addr&0x80) / 0x80

	return c.bk.BD(n, dir, idx)
}

// SetBDCSR replaces the CSR word of BD index idx of endpoint addr's half,
// the primitive a function driver uses to arm a payload for transmission
// (READY_DATA) or reception, or to cancel a BD (NONE) after first disabling
// the endpoint's type.
func (c *Core) SetBDCSR(addr uint8, idx int, csr uint16) {
	n := int(addr & 0x0f)
	dir := int(addr&0x80) / 0x80

	c.bk.SetBDCSR(n, dir, idx, csr)
}

// SetBDPTR replaces the PTR word of BD index idx of endpoint addr's half.
// EPBoot already assigns BD0's pointer, and BD1's on a dual-buffered
// endpoint, from the packet-RAM allocator;
// this is exposed for function drivers that need to point a BD at a
// different offset within their own already-allocated region (for example
// to alternate between two caller-owned buffers on a dual-buffered
// endpoint).
func (c *Core) SetBDPTR(addr uint8, idx int, ptr uint16) {
	n := int(addr & 0x0f)
	dir := int(addr&0x80) / 0x80

	c.bk.SetBDPTR(n, dir, idx, ptr)
}

// EPReconf re-applies endpoint addr's status word after a SET_INTERFACE to
// a non-zero alternate setting, without reassigning BD pointers.
func (c *Core) EPReconf(iface *InterfaceDescriptor, addr uint8) error {
	ep := findEndpoint(iface, addr)
	if ep == nil {
		return fmt.Errorf("usbcore: no endpoint %#02x in interface %d", addr, iface.InterfaceNumber)
	}

	n := ep.Number()
	dir := ep.Direction()

	status := c.bk.EndpointStatus(n, dir)
	dual := status&epBDDual != 0

	newStatus := uint16(endpointAttrToType(ep.Attributes))
	if dual {
		bits.Set16(&newStatus, 4)
	}

	c.bk.SetEndpointStatus(n, dir, newStatus)

	return nil
}

func findEndpoint(iface *InterfaceDescriptor, addr uint8) *EndpointDescriptor {
	for _, ep := range iface.Endpoints {
		if ep.EndpointAddress == addr {
			return ep
		}
	}

	return nil
}

// EPIsConfigured reports whether endpoint addr has a non-NONE type, i.e.
// was assigned by a previous EPBoot.
func (c *Core) EPIsConfigured(addr uint8) bool {
	n := int(addr & 0x0f)
	dir := int(addr&0x80) / 0x80

	if n == 0 || n >= MaxEndpoints {
		return false
	}

	status := c.bk.EndpointStatus(n, dir)

	return status&epTypeMask != 0 || status&epHalted != 0
}

// EPIsHalted reports whether endpoint addr is currently halted. Only
// meaningful for BCI endpoints; an Isochronous endpoint's bit 0 is part of
// its type encoding, not a halt flag, and never reports halted.
func (c *Core) EPIsHalted(addr uint8) bool {
	n := int(addr & 0x0f)
	dir := int(addr&0x80) / 0x80

	status := c.bk.EndpointStatus(n, dir)

	return isBCI(status) && bits.Get16(&status, 0)
}

// EPHalt sets the halted bit on a BULK/INT/CTRL endpoint. Queued BDs are
// left untouched; only new host traffic is affected once the controller
// observes the bit.
func (c *Core) EPHalt(addr uint8) bool {
	n := int(addr & 0x0f)
	dir := int(addr&0x80) / 0x80

	status := c.bk.EndpointStatus(n, dir)

	if !isBCI(status) {
		return false
	}

	bits.Set16(&status, 0)
	c.bk.SetEndpointStatus(n, dir, status)

	return true
}

// EPResume clears the halted bit and the data-toggle bit, as required by
// CLEAR_FEATURE(ENDPOINT_HALT): the next packet on the endpoint must start
// at DATA0. It fails on a non-BCI (Isochronous) endpoint, which cannot be
// halted in the first place.
func (c *Core) EPResume(addr uint8) bool {
	n := int(addr & 0x0f)
	dir := int(addr&0x80) / 0x80

	status := c.bk.EndpointStatus(n, dir)

	if !isBCI(status) {
		return false
	}

	bits.Clear16(&status, 0)
	bits.Clear16(&status, 7) // epDT

	c.bk.SetEndpointStatus(n, dir, status)

	return true
}
