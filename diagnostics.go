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

	"github.com/davecgh/go-spew/spew"
)

// endpointDump is a snapshot of one endpoint half's status word and BD pair,
// shaped for readable dumping rather than for any on-wire use.
type endpointDump struct {
	Number    int
	Direction string
	Status    uint16
	Halted    bool
	BD0CSR    uint16
	BD0PTR    uint16
	BD1CSR    uint16
	BD1PTR    uint16
}

// coreDump is a snapshot of controller state: CSR, device state, and the
// status words and BD pairs of the endpoints Dump includes (0 and 1).
type coreDump struct {
	CSR       uint32
	State     string
	Suspended bool
	Tick      uint32
	ConfValue uint8
	Endpoints []endpointDump
}

var dumpDirs = []struct {
	dir  int
	name string
}{
	{DirOut, "OUT"},
	{DirIn, "IN"},
}

func (c *Core) dumpEndpoint(n int) []endpointDump {
	dumps := make([]endpointDump, 0, len(dumpDirs))

	for _, d := range dumpDirs {
		status := c.bk.EndpointStatus(n, d.dir)
		bd0csr, bd0ptr := c.bk.BD(n, d.dir, 0)
		bd1csr, bd1ptr := c.bk.BD(n, d.dir, 1)

		dumps = append(dumps, endpointDump{
			Number:    n,
			Direction: d.name,
			Status:    status,
			Halted:    isBCI(status) && status&epHalted != 0,
			BD0CSR:    bd0csr,
			BD0PTR:    bd0ptr,
			BD1CSR:    bd1csr,
			BD1PTR:    bd1ptr,
		})
	}

	return dumps
}

// DumpEndpoint renders endpoint n's OUT and IN status words and BD pairs as
// a human-readable string.
func (c *Core) DumpEndpoint(n int) string {
	return spew.Sdump(c.dumpEndpoint(n))
}

// Dump renders the controller's CSR, device state, and endpoints 0 and 1 as
// a human-readable string.
func (c *Core) Dump() string {
	d := coreDump{
		CSR:       c.bk.ReadCSR(),
		State:     c.GetState().String(),
		Suspended: c.suspended,
		Tick:      c.tick,
		ConfValue: c.confValue,
	}

	d.Endpoints = append(d.Endpoints, c.dumpEndpoint(0)...)
	d.Endpoints = append(d.Endpoints, c.dumpEndpoint(1)...)

	return fmt.Sprintf("usbcore: %s\n%s", d.State, spew.Sdump(d))
}
