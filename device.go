// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

import "fmt"

// State is a USB device's position in the enumeration state machine
// (OFF -> DISCONNECTED -> CONNECTED -> DEFAULT -> ADDRESS -> CONFIGURED).
// SUSPENDED is tracked orthogonally by Core and is folded into the value
// GetState reports.
type State int

const (
	StateOff State = iota
	StateDisconnected
	StateConnected
	StateDefault
	StateAddress
	StateConfigured
	// StateSuspended is never stored in Core.state; GetState returns it
	// in place of the underlying state when the SUSPENDED flag is set.
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateDefault:
		return "default"
	case StateAddress:
		return "address"
	case StateConfigured:
		return "configured"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Init installs the descriptor tables, resets the hardware with the
// pull-up disabled, and registers the standard-request driver as the
// lowest-priority function driver. The device starts in StateDisconnected;
// call Connect to assert the pull-up and begin enumeration.
func (c *Core) Init(desc *Descriptors) error {
	if desc == nil || desc.Device == nil {
		return fmt.Errorf("usbcore: device descriptor is required")
	}

	c.desc = desc
	c.state = StateDisconnected
	c.suspended = false
	c.tick = 0
	c.confValue = 0
	c.activeCfg = nil
	c.intfAlt = 0
	c.drivers = nil
	c.alloc.reset()

	c.bk.WriteCSR(csrCELEnable)

	c.bootEP0()

	c.RegisterFunctionDriver(newStandardRequestDriver(c))

	return nil
}

// Connect asserts the pull-up resistor, making the device visible to the
// host. Only the pull-up bit changes; all other controller state is
// preserved.
func (c *Core) Connect() {
	if c.state != StateDisconnected {
		return
	}

	csr := c.bk.ReadCSR()
	c.bk.WriteCSR(csr | csrPullupEnable)
	c.state = StateConnected
}

// Disconnect deasserts the pull-up resistor. Only the pull-up bit changes.
func (c *Core) Disconnect() {
	if c.state < StateConnected {
		return
	}

	csr := c.bk.ReadCSR()
	c.bk.WriteCSR(csr &^ uint32(csrPullupEnable))
	c.state = StateDisconnected
	c.suspended = false
}

// GetState returns the device's current state, reporting StateSuspended in
// place of the underlying state whenever the orthogonal SUSPENDED flag is
// set (it may overlay any state >= StateConnected).
func (c *Core) GetState() State {
	if c.suspended {
		return StateSuspended
	}

	return c.state
}

// GetTick returns the SOF (start-of-frame) tick counter, incremented once
// per poll() call that observes SOF_PENDING -- a millisecond granularity
// counter on a Full-Speed bus.
func (c *Core) GetTick() uint32 {
	return c.tick
}

// Poll drives one iteration of the device. It performs bus-reset handling,
// suspend/resume tracking, SOF dispatch, and one run of the EP0 engine, in
// that order, and returns without blocking. The application is expected to
// call Poll continuously from its main loop; there are no interrupts and no
// background goroutines in this package.
func (c *Core) Poll() {
	if c.state < StateConnected {
		return
	}

	csr := c.bk.ReadCSR()

	if csr&csrBusResetPending != 0 {
		if csr&csrBusReset != 0 {
			// still asserted, wait for release
			return
		}

		c.handleBusReset()
		return
	}

	if c.state < StateDefault {
		return
	}

	if csr&csrBusSuspend != 0 {
		if !c.suspended {
			c.suspended = true
			c.dispatchStateChange()
		}
		return
	} else if c.suspended {
		c.suspended = false
		c.dispatchStateChange()
	}

	if csr&csrSOFPending != 0 {
		c.tick++
		c.bk.WriteAR(arSOFClear)
		c.dispatchSOF()
	}

	if csr&csrEventPending != 0 {
		c.bk.ReadEVT()
		c.runEP0()
	}
}

// handleBusReset resets EP0, clears all other endpoint tables, moves the
// device to StateDefault, and dispatches on_bus_reset to every registered
// function driver.
func (c *Core) handleBusReset() {
	c.bk.WriteAR(arBusResetClear)

	c.confValue = 0
	c.activeCfg = nil
	c.intfAlt = 0
	c.suspended = false
	c.alloc.reset()

	for n := 1; n < MaxEndpoints; n++ {
		c.bk.SetEndpointStatus(n, DirOut, 0)
		c.bk.SetEndpointStatus(n, DirIn, 0)
		c.bk.SetBDCSR(n, DirOut, 0, 0)
		c.bk.SetBDCSR(n, DirOut, 1, 0)
		c.bk.SetBDCSR(n, DirIn, 0, 0)
		c.bk.SetBDCSR(n, DirIn, 1, 0)
	}

	c.bootEP0()

	c.state = StateDefault

	for _, drv := range c.drivers {
		if drv.OnBusReset != nil {
			drv.OnBusReset()
		}
	}
}

func (c *Core) dispatchSOF() {
	for _, drv := range c.drivers {
		if drv.OnSOF != nil {
			drv.OnSOF()
		}
	}
}

func (c *Core) dispatchStateChange() {
	state := c.GetState()

	for _, drv := range c.drivers {
		if drv.OnStateChange != nil {
			drv.OnStateChange(state)
		}
	}
}

// applyAddress commits a SET_ADDRESS request: addr 0 reverts the device to
// the Default state and disables address matching, any other value enables
// matching against it and moves the device to Address.
func (c *Core) applyAddress(addr uint8) {
	csr := c.bk.ReadCSR()
	csr &^= uint32(csrAddressMask) | uint32(csrAddressMatchEnable)

	if addr != 0 {
		csr |= uint32(addr&0x7f) | csrAddressMatchEnable
	}

	c.bk.WriteCSR(csr)

	if addr != 0 {
		c.SetState(StateAddress)
	} else {
		c.SetState(StateDefault)
	}
}

// SetState transitions the device to newState and dispatches
// on_state_change to every registered function driver. It is exposed to
// function drivers (in particular the standard-request driver's address
// and configuration handling) that legitimately manage state transitions
// outside of bus-reset handling; most function drivers should never need
// it.
func (c *Core) SetState(newState State) {
	if c.state == newState {
		return
	}

	c.state = newState
	c.dispatchStateChange()
}
