// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

// bmRequestType recipient values (p276, Table 9-2, bits [4:0]).
const (
	recipientDevice    = 0
	recipientInterface = 1
	recipientEndpoint  = 2
	recipientOther     = 3
	recipientMask      = 0x1f
)

// bmRequestType type values (bits [6:5]).
const (
	reqTypeStandard = 0
	reqTypeClass    = 1
	reqTypeVendor   = 2
	reqTypeMask     = 0x03
	reqTypeShift    = 5
)

// newStandardRequestDriver builds the chapter 9 standard-request handler as
// a FunctionDriver, closing over core so its hooks can reach device state,
// descriptors and the endpoint scheduler. Init registers it first, which by
// RegisterFunctionDriver's prepend ordering makes it the last driver tried
// for every control request: application and class drivers always get the
// first look.
func newStandardRequestDriver(core *Core) *FunctionDriver {
	s := &stdReqHandler{core: core}

	return &FunctionDriver{
		Name:               "standard-request",
		OnControlRequest:   s.onControlRequest,
		OnSetConfiguration: nil,
	}
}

type stdReqHandler struct {
	core *Core
}

func (s *stdReqHandler) onControlRequest(req *SetupData) (Result, *Transfer) {
	if (req.RequestType>>reqTypeShift)&reqTypeMask != reqTypeStandard {
		return Continue, nil
	}

	recipient := req.RequestType & recipientMask

	switch req.Request {
	case GetStatus:
		return s.getStatus(req, recipient)
	case ClearFeature:
		return s.clearFeature(req, recipient)
	case SetFeature:
		return s.setFeature(req, recipient)
	case SetAddress:
		if recipient != recipientDevice {
			return Continue, nil
		}
		return s.setAddress(req)
	case GetDescriptor:
		if recipient != recipientDevice {
			return Continue, nil
		}
		return s.getDescriptor(req)
	case GetConfiguration:
		if recipient != recipientDevice {
			return Continue, nil
		}
		return s.getConfiguration()
	case SetConfiguration:
		if recipient != recipientDevice {
			return Continue, nil
		}
		return s.setConfiguration(req)
	case GetInterface:
		if recipient != recipientInterface {
			return Continue, nil
		}
		return s.getInterface(req)
	case SetInterface:
		if recipient != recipientInterface {
			return Continue, nil
		}
		return s.setInterface(req)
	default:
		return Continue, nil
	}
}

func (s *stdReqHandler) getStatus(req *SetupData, recipient uint8) (Result, *Transfer) {
	c := s.core

	switch recipient {
	case recipientDevice:
		return Success, &Transfer{Data: []byte{0x00, 0x00}, Length: 2}
	case recipientInterface:
		if c.activeCfg == nil || findInterface(c.activeCfg, uint8(req.Index), 0) == nil {
			return Error, nil
		}
		return Success, &Transfer{Data: []byte{0x00, 0x00}, Length: 2}
	case recipientEndpoint:
		addr := uint8(req.Index)

		if !c.EPIsConfigured(addr) {
			return Error, nil
		}

		var status byte
		if c.EPIsHalted(addr) {
			status = 0x01
		}

		return Success, &Transfer{Data: []byte{status, 0x00}, Length: 2}
	default:
		return Error, nil
	}
}

// endpointFeatureOK gates CLEAR_FEATURE/SET_FEATURE(ENDPOINT_HALT): only
// valid once CONFIGURED, only for ENDPOINT_HALT, never for EP0, and only on
// an endpoint that was actually assigned by the active configuration.
func (s *stdReqHandler) endpointFeatureOK(req *SetupData) (uint8, bool) {
	c := s.core
	addr := uint8(req.Index)

	if c.state != StateConfigured {
		return 0, false
	}

	if req.Value != FeatureEndpointHalt || addr&0x0f == 0 || !c.EPIsConfigured(addr) {
		return 0, false
	}

	return addr, true
}

func (s *stdReqHandler) clearFeature(req *SetupData, recipient uint8) (Result, *Transfer) {
	switch recipient {
	case recipientEndpoint:
		addr, ok := s.endpointFeatureOK(req)
		if !ok || !s.core.EPResume(addr) {
			return Error, nil
		}
		return Success, &Transfer{}
	default:
		// No device or interface feature is supported.
		return Error, nil
	}
}

func (s *stdReqHandler) setFeature(req *SetupData, recipient uint8) (Result, *Transfer) {
	switch recipient {
	case recipientEndpoint:
		addr, ok := s.endpointFeatureOK(req)
		if !ok || !s.core.EPHalt(addr) {
			return Error, nil
		}
		return Success, &Transfer{}
	default:
		return Error, nil
	}
}

// setAddress defers the actual address write to the Transfer's OnDone hook,
// so that it only takes effect once the zero-length status stage
// acknowledging this very request has gone out to the host.
func (s *stdReqHandler) setAddress(req *SetupData) (Result, *Transfer) {
	core := s.core
	addr := uint8(req.Value & 0x7f)

	return Success, &Transfer{
		OnDone: func(interface{}) {
			core.applyAddress(addr)
		},
	}
}

func (s *stdReqHandler) getDescriptor(req *SetupData) (Result, *Transfer) {
	c := s.core

	descType := uint8(req.Value >> 8)
	index := req.Value & 0xff

	switch descType {
	case DescDevice:
		if c.desc.Device == nil {
			return Error, nil
		}

		buf := trim(c.desc.Device.Bytes(), req.Length)

		return Success, &Transfer{Data: buf, Length: len(buf)}
	case DescConfiguration, DescOtherSpeedConfiguration:
		buf, err := c.desc.Configuration(index)
		if err != nil {
			return Error, nil
		}

		if descType == DescOtherSpeedConfiguration && len(buf) > 1 {
			buf[1] = descType
		}

		buf = trim(buf, req.Length)

		return Success, &Transfer{Data: buf, Length: len(buf)}
	case DescString:
		if int(index+1) > len(c.desc.Strings) {
			return Error, nil
		}

		buf := trim(c.desc.Strings[index], req.Length)

		return Success, &Transfer{Data: buf, Length: len(buf)}
	case DescDeviceQualifier:
		if c.desc.Qualifier == nil {
			return Error, nil
		}

		buf := trim(c.desc.Qualifier.Bytes(), req.Length)

		return Success, &Transfer{Data: buf, Length: len(buf)}
	default:
		return Error, nil
	}
}

func (s *stdReqHandler) getConfiguration() (Result, *Transfer) {
	return Success, &Transfer{Data: []byte{s.core.confValue}, Length: 1}
}

// setConfiguration implements SET_CONFIGURATION (p9-22, 9.4.7, USB2.0): a
// wValue of zero reverts the device to the Address state; any other value
// must match a configuration's bConfigurationValue, taking the device to
// Configured. Every registered driver's OnSetConfiguration is always
// notified, even once one has reported Error, and an Error aggregate leaves
// the device state, configuration value and active configuration as they
// were, while still not rolling back drivers that already claimed endpoints
// for the new configuration.
func (s *stdReqHandler) setConfiguration(req *SetupData) (Result, *Transfer) {
	c := s.core
	value := uint8(req.Value)

	if value == 0 {
		c.confValue = 0
		c.activeCfg = nil
		c.intfAlt = 0
		c.SetState(StateAddress)
		c.dispatchSetConfiguration(nil)

		return Success, &Transfer{}
	}

	var conf *ConfigurationDescriptor

	for _, cd := range c.desc.Configurations {
		if cd.ConfigurationValue == value {
			conf = cd
			break
		}
	}

	if conf == nil {
		return Error, nil
	}

	c.intfAlt = 0

	if c.dispatchSetConfiguration(conf) == Error {
		return Error, nil
	}

	c.confValue = value
	c.activeCfg = conf
	c.SetState(StateConfigured)

	return Success, &Transfer{}
}

func (s *stdReqHandler) getInterface(req *SetupData) (Result, *Transfer) {
	c := s.core

	if c.activeCfg == nil {
		return Error, nil
	}

	number := uint8(req.Index)

	if findInterface(c.activeCfg, number, 0) == nil {
		return Error, nil
	}

	// Fast path: an interface that has not seen a SET_INTERFACE since the
	// configuration was set is answered locally (alt 0), without a
	// dispatch round-trip.
	if c.intfAlt&(1<<number) == 0 {
		return Success, &Transfer{Data: []byte{0x00}, Length: 1}
	}

	alt, ok := c.dispatchGetInterface(number)
	if !ok {
		return Error, nil
	}

	return Success, &Transfer{Data: []byte{alt}, Length: 1}
}

func (s *stdReqHandler) setInterface(req *SetupData) (Result, *Transfer) {
	c := s.core

	if c.activeCfg == nil {
		return Error, nil
	}

	number := uint8(req.Index)
	alt := uint8(req.Value)

	base := findInterface(c.activeCfg, number, 0)
	if base == nil {
		return Error, nil
	}

	if alt != 0 && findInterface(c.activeCfg, number, alt) == nil {
		return Error, nil
	}

	// Disable the GET_INTERFACE fast path for this interface from now on:
	// once a SET_INTERFACE has been seen, every future GET_INTERFACE for
	// it must be dispatched for a real answer even if the alternate
	// reverts to 0 later.
	c.intfAlt |= 1 << number

	if c.dispatchSetInterface(number, alt) != Success {
		return Error, nil
	}

	return Success, &Transfer{}
}
