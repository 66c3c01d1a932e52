// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

// ep0PacketLen is EP0's maximum packet size, fixed at 64 bytes for a
// Full-Speed control endpoint.
const ep0PacketLen = 64

// Packet RAM layout reserved for EP0 (see NewCore/packetRAMAllocBase):
// the IN and OUT (BD0) halves share a 64-byte buffer at offset 0 since a
// control transfer's DATA stage is never simultaneously active in both
// directions, and the SETUP buffer (OUT BD1) gets its own 64 bytes so an
// incoming SETUP can never clobber data the current transfer hasn't
// consumed yet.
const (
	ep0OutPTR   = 0
	ep0InPTR    = 0
	ep0SetupPTR = ep0PacketLen
)

type ep0SubState int

const (
	ep0Idle ep0SubState = iota
	ep0DataIn
	ep0DataOut
	ep0StatusDoneOut
	ep0StatusDoneIn
	ep0Stall
)

// ep0Context holds the control-transfer sub-state machine: the current
// phase, the SETUP request being serviced, and the transfer object driving
// the DATA stage.
type ep0Context struct {
	state ep0SubState
	req   *SetupData
	xfer  *Transfer
}

// bootEP0 (re)initializes EP0: IDLE sub-state, the status words and BD
// pointers for both halves, and arms the SETUP buffer for reception. Called
// from Init and from every bus reset.
func (c *Core) bootEP0() {
	c.ep0 = ep0Context{state: ep0Idle}

	// Type=Control, control-mode buffered (dual BD on OUT for SETUP vs
	// DATA), single-buffered + DT=1 on IN.
	c.bk.SetEndpointStatus(0, DirOut, epTypeCtrl|epBDCtrl)
	c.bk.SetEndpointStatus(0, DirIn, epTypeCtrl|epDT)

	c.bk.SetBDPTR(0, DirIn, 0, ep0InPTR)
	c.bk.SetBDPTR(0, DirOut, 0, ep0OutPTR)
	c.bk.SetBDPTR(0, DirOut, 1, ep0SetupPTR)

	c.ep0InClear()
	c.ep0OutClear()

	c.ep0SetupQueueData()
}

func (c *Core) ep0InPeek() uint16 {
	csr, _ := c.bk.BD(0, DirIn, 0)
	return csr
}

func (c *Core) ep0InClear() {
	c.bk.SetBDCSR(0, DirIn, 0, bdStateNone)
}

func (c *Core) ep0InQueueData(length int) {
	c.bk.SetBDCSR(0, DirIn, 0, bdData(length))
}

func (c *Core) ep0InQueueStall() {
	c.bk.SetBDCSR(0, DirIn, 0, bdStateReadyStall)
}

func (c *Core) ep0OutPeek() uint16 {
	csr, _ := c.bk.BD(0, DirOut, 0)
	return csr
}

func (c *Core) ep0OutClear() {
	c.bk.SetBDCSR(0, DirOut, 0, bdStateNone)
}

func (c *Core) ep0OutQueueData() {
	c.bk.SetBDCSR(0, DirOut, 0, bdData(ep0PacketLen))
}

func (c *Core) ep0OutQueueStall() {
	c.bk.SetBDCSR(0, DirOut, 0, bdStateReadyStall)
}

func (c *Core) ep0SetupPeek() uint16 {
	csr, _ := c.bk.BD(0, DirOut, 1)
	return csr
}

func (c *Core) ep0SetupClear() {
	c.bk.SetBDCSR(0, DirOut, 1, bdStateNone)
}

func (c *Core) ep0SetupQueueData() {
	c.bk.SetBDCSR(0, DirOut, 1, bdData(ep0PacketLen))
}

// handleControlData drives one step of the active transfer's DATA stage,
// queuing the next IN chunk or draining the next OUT chunk, and promotes
// the sub-state to the STATUS phase once the transfer is complete.
func (c *Core) handleControlData() {
	xfer := c.ep0.xfer

	if c.ep0.state == ep0DataIn {
		chunk := xfer.remaining()
		if chunk > ep0PacketLen {
			chunk = ep0PacketLen
		}

		if chunk > 0 {
			c.DataWrite(ep0InPTR, xfer.Data[xfer.Offset:xfer.Offset+chunk])
		}

		c.ep0InQueueData(chunk)
		xfer.Offset += chunk

		if chunk < ep0PacketLen {
			c.ep0OutQueueData()
			c.ep0.state = ep0StatusDoneOut
		}
	}

	if c.ep0.state == ep0DataOut {
		bdsOut := c.ep0OutPeek()

		if bdState(bdsOut) == bdStateDoneOK {
			// bdLen includes the 2-byte CRC trailer the hardware appends
			// to every OUT completion; only the bytes ahead of it are
			// actual payload.
			n := bdLen(bdsOut) - 2
			if n < 0 {
				n = 0
			}

			if xfer.OnData != nil {
				chunk := make([]byte, n)
				c.DataRead(chunk, ep0OutPTR, n)

				if err := xfer.OnData(chunk); err != nil {
					c.Log.Printf("usbcore: control OUT data rejected: %v", err)
					c.ep0.state = ep0Stall
					return
				}
			} else if xfer.Offset+n <= len(xfer.Data) {
				c.DataRead(xfer.Data[xfer.Offset:xfer.Offset+n], ep0OutPTR, n)
			}

			xfer.Offset += n
			c.ep0OutClear()
		}

		if xfer.Offset == xfer.Length {
			c.ep0InQueueData(0)
			c.ep0.state = ep0StatusDoneIn
		} else if bdState(bdsOut) != bdStateReadyData {
			c.ep0OutQueueData()
		}
	}
}

// handleControlRequest dispatches a freshly received SETUP request to the
// function-driver chain and, on success, enters the DATA stage.
func (c *Core) handleControlRequest(req *SetupData) {
	res, xfer := c.dispatchControlRequest(req)

	if res != Success {
		c.ep0.state = ep0Stall
		c.ep0InQueueStall()
		c.ep0OutQueueStall()
		return
	}

	if xfer == nil {
		xfer = &Transfer{}
	}

	// A handler that claimed a request without supplying a buffer still
	// owes the host a full wLength data stage: fill in a zeroed scratch
	// buffer so a device-to-host reply carries wLength bytes and a
	// host-to-device transfer consumes wLength bytes before the status
	// stage is reached.
	if req.Length > 0 && xfer.Length == 0 {
		xfer.Length = int(req.Length)

		if xfer.Data == nil && (req.IsDeviceToHost() || xfer.OnData == nil) {
			xfer.Data = make([]byte, req.Length)
		}
	}

	if xfer.Length > int(req.Length) {
		xfer.Length = int(req.Length)
	}

	if req.IsDeviceToHost() && xfer.Length > len(xfer.Data) {
		xfer.Length = len(xfer.Data)
	}

	if req.IsDeviceToHost() {
		c.ep0.state = ep0DataIn
	} else {
		c.ep0.state = ep0DataOut
	}

	c.ep0.req = req
	c.ep0.xfer = xfer

	c.handleControlData()
}

// runEP0 runs the EP0 poll loop: a cooperative fixed-point iteration that
// keeps reacting to newly DONE_* BDs until a pass produces no further
// action, matching the controller's event-driven (rather than
// interrupt-per-BD) notification model.
func (c *Core) runEP0() {
	for {
		acted := false

		bdsSetup := c.ep0SetupPeek()
		bdsOut := c.ep0OutPeek()
		bdsIn := c.ep0InPeek()

		switch c.ep0.state {
		case ep0StatusDoneIn:
			if bdState(bdsIn) == bdStateDoneOK {
				c.ep0.state = ep0Idle
				c.ep0InClear()

				if xfer := c.ep0.xfer; xfer != nil && xfer.OnDone != nil {
					xfer.OnDone(xfer.Ctx)
				}

				acted = true
			}

		case ep0StatusDoneOut:
			if bdState(bdsIn) == bdStateDoneOK {
				c.ep0InClear()
				acted = true
			}

			if bdState(bdsOut) == bdStateDoneOK {
				// A true ZLP status packet carries no payload, so its
				// BD length is just the 2-byte CRC trailer: any other
				// length is a protocol violation that is logged and
				// re-armed without advancing the sub-state, so the host
				// can retry.
				if bdLen(bdsOut) != 2 {
					c.Log.Printf("usbcore: non-ZLP status stage packet (%d bytes), retrying", bdLen(bdsOut))
					c.ep0OutQueueData()
					acted = true
				} else {
					c.ep0.state = ep0Idle
					c.ep0OutClear()

					if xfer := c.ep0.xfer; xfer != nil && xfer.OnDone != nil {
						xfer.OnDone(xfer.Ctx)
					}

					acted = true
				}
			}

		case ep0Stall:
			if bdState(bdsIn) != bdStateReadyStall {
				c.ep0InQueueStall()
				acted = true
			}

			if bdState(bdsOut) != bdStateReadyStall {
				c.ep0OutQueueStall()
				acted = true
			}
		}

		if acted {
			continue
		}

		if bdState(bdsSetup) == bdStateDoneErr {
			c.Log.Printf("usbcore: retrying SETUP after RX error")
			c.ep0SetupQueueData()
			continue
		}

		if bdState(bdsOut) == bdStateDoneErr {
			c.Log.Printf("usbcore: retrying control OUT after RX error")
			c.ep0OutQueueData()
			continue
		}

		if bdState(bdsSetup) == bdStateDoneOK {
			if bdsSetup&bdIsSetup == 0 {
				c.Log.Printf("usbcore: got non-SETUP token in the SETUP BD")
			}

			if c.ep0.state != ep0Idle && c.ep0.state != ep0Stall {
				c.Log.Printf("usbcore: got SETUP while a transfer was in progress")
			}

			c.ep0OutClear()
			c.ep0InClear()

			// Force DT=1 on the IN half for the reply to this SETUP.
			c.bk.SetEndpointStatus(0, DirIn, epTypeCtrl|epDT)

			buf := make([]byte, 8)
			c.DataRead(buf, ep0SetupPTR, 8)

			// The SETUP buffer is consumed: re-arm it first, then release
			// the lockout, so a rapidly repeated SETUP always has a BD
			// waiting for it.
			c.ep0SetupQueueData()
			c.bk.WriteAR(arCELRelease)

			c.handleControlRequest(decodeSetupData(buf))

			return
		}

		if bdState(bdsOut) == bdStateDoneOK {
			if c.ep0.state != ep0DataOut {
				c.Log.Printf("usbcore: got unexpected control OUT data")
				c.ep0OutClear()
			} else {
				c.handleControlData()
			}

			continue
		}

		if bdState(bdsIn) == bdStateDoneOK {
			if c.ep0.state != ep0DataIn {
				c.Log.Printf("usbcore: got ACK for control IN data we didn't send")
				c.ep0InClear()
			} else {
				c.handleControlData()
			}

			continue
		}

		return
	}
}
