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

// Format of Setup Data (p276, Table 9-2, USB2.0)
const (
	requestTypeDir = 7
)

// Standard request codes (p279, Table 9-4, USB2.0)
const (
	GetStatus        = 0
	ClearFeature     = 1
	SetFeature       = 3
	SetAddress       = 5
	GetDescriptor    = 6
	SetDescriptor    = 7
	GetConfiguration = 8
	SetConfiguration = 9
	GetInterface     = 10
	SetInterface     = 11
	SynchFrame       = 12
)

// Descriptor types (p279, Table 9-5, USB2.0)
const (
	DescDevice                  = 1
	DescConfiguration           = 2
	DescString                  = 3
	DescInterface               = 4
	DescEndpoint                = 5
	DescDeviceQualifier         = 6
	DescOtherSpeedConfiguration = 7
	DescInterfacePower          = 8
	DescInterfaceAssociation    = 11
)

// Standard feature selectors (p280, Table 9-6, USB2.0)
const (
	FeatureEndpointHalt       = 0
	FeatureDeviceRemoteWakeup = 1
	FeatureTestMode           = 2
)

// SetupData implements p276, Table 9-2. Format of Setup Data, USB2.0, as
// delivered in EP0's 8-byte SETUP buffer (OUT BD1) when IS_SETUP is set.
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// decodeSetupData parses the little-endian 8-byte SETUP packet as laid out
// by the controller in packet RAM.
func decodeSetupData(buf []byte) *SetupData {
	if len(buf) < 8 {
		return nil
	}

	return &SetupData{
		RequestType: buf[0],
		Request:     buf[1],
		Value:       binary.LittleEndian.Uint16(buf[2:4]),
		Index:       binary.LittleEndian.Uint16(buf[4:6]),
		Length:      binary.LittleEndian.Uint16(buf[6:8]),
	}
}

// IsDeviceToHost reports whether the request's data stage, if any, flows
// from device to host (bmRequestType bit 7).
func (s *SetupData) IsDeviceToHost() bool {
	return (s.RequestType>>requestTypeDir)&1 == DirIn
}

// trim truncates buf to wLength, the maximum the host declared itself
// willing to receive; a buffer shorter than wLength is returned unchanged; a
// short transfer is perfectly legal and signals end-of-data to the host.
func trim(buf []byte, wLength uint16) []byte {
	if int(wLength) < len(buf) {
		buf = buf[0:wLength]
	}

	return buf
}
