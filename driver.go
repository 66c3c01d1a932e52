// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

// Result is the outcome a function driver hook reports back to the
// dispatch chain.
type Result int

const (
	// Continue means the hook did not recognize the request/event; the
	// dispatch chain proceeds to the next driver.
	Continue Result = iota
	// Success means the hook fully handled the request/event.
	Success
	// Error means the hook recognized the request/event but failed to
	// handle it; for most hooks this stops dispatch and STALLs EP0.
	Error
)

// FunctionDriver is a set of optional hooks a driver registers to
// participate in device-level events and control requests. Every field is
// optional; a nil hook is simply skipped during dispatch.
//
// Hooks are grouped into two dispatch policies:
//
//   - all-notified: OnSOF, OnBusReset, OnStateChange, OnSetConfiguration are
//     always called on every registered driver, in chain order, regardless
//     of what earlier drivers returned.
//   - first-match-wins: OnControlRequest, OnSetInterface, OnGetInterface
//     stop at the first driver that returns other than Continue.
type FunctionDriver struct {
	// Name identifies the driver in diagnostics; it has no protocol
	// meaning.
	Name string

	OnSOF         func()
	OnBusReset    func()
	OnStateChange func(state State)

	// OnControlRequest is offered every non-standard SETUP packet (and,
	// ahead of the standard-request driver, every standard one too) in
	// first-match-wins order.
	OnControlRequest func(setup *SetupData) (Result, *Transfer)

	// OnSetConfiguration is notified of every SET_CONFIGURATION, all
	// drivers, every time, so that each one can (re)claim or release its
	// endpoints for the newly selected configuration (conf is nil when
	// the host deselects the device's configuration, i.e. reverts it to
	// the Address state).
	OnSetConfiguration func(conf *ConfigurationDescriptor) Result

	OnSetInterface func(number, alt uint8) Result
	OnGetInterface func(number uint8) (alt uint8, ok bool)
}

// RegisterFunctionDriver adds drv to the front of the dispatch chain, so
// that a driver registered after another takes priority over it in
// first-match-wins dispatch. The standard-request driver is registered
// first by Init, which places it last in the chain: application-supplied
// drivers always get the first look at a control request.
func (c *Core) RegisterFunctionDriver(drv *FunctionDriver) {
	c.drivers = append([]*FunctionDriver{drv}, c.drivers...)
}

// UnregisterFunctionDriver removes drv from the dispatch chain. It is a
// no-op if drv is not registered.
func (c *Core) UnregisterFunctionDriver(drv *FunctionDriver) {
	for i, d := range c.drivers {
		if d == drv {
			c.drivers = append(c.drivers[:i], c.drivers[i+1:]...)
			return
		}
	}
}

// dispatchControlRequest offers setup to each registered driver in order,
// stopping at the first one that returns other than Continue.
func (c *Core) dispatchControlRequest(setup *SetupData) (Result, *Transfer) {
	for _, drv := range c.drivers {
		if drv.OnControlRequest == nil {
			continue
		}

		if res, xfer := drv.OnControlRequest(setup); res != Continue {
			return res, xfer
		}
	}

	return Continue, nil
}

// dispatchSetConfiguration notifies every registered driver of a
// configuration change. If any driver returns Error the aggregate result is
// Error even when other drivers reported Success for the same call; no
// rollback of drivers that already claimed endpoints is attempted.
func (c *Core) dispatchSetConfiguration(conf *ConfigurationDescriptor) Result {
	result := Success

	for _, drv := range c.drivers {
		if drv.OnSetConfiguration == nil {
			continue
		}

		if res := drv.OnSetConfiguration(conf); res == Error {
			result = Error
		}
	}

	return result
}

// dispatchSetInterface offers (number, alt) to each registered driver in
// order, stopping at the first one that returns other than Continue.
func (c *Core) dispatchSetInterface(number, alt uint8) Result {
	for _, drv := range c.drivers {
		if drv.OnSetInterface == nil {
			continue
		}

		if res := drv.OnSetInterface(number, alt); res != Continue {
			return res
		}
	}

	return Continue
}

// dispatchGetInterface offers number to each registered driver in order,
// stopping at the first one that reports ok.
func (c *Core) dispatchGetInterface(number uint8) (uint8, bool) {
	for _, drv := range c.drivers {
		if drv.OnGetInterface == nil {
			continue
		}

		if alt, ok := drv.OnGetInterface(number); ok {
			return alt, true
		}
	}

	return 0, false
}
