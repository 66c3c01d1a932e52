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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// Standard USB descriptor sizes
const (
	DeviceDescriptorLength          = 18
	ConfigurationDescriptorLength   = 9
	InterfaceAssociationLength      = 8
	InterfaceDescriptorLength       = 9
	EndpointDescriptorLength        = 7
	DeviceQualifierDescriptorLength = 10
)

// DeviceDescriptor implements p290, Table 9-8. Standard Device Descriptor,
// USB2.0.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	VendorId          uint16
	ProductId         uint16
	Device            uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// SetDefaults initializes default values for the USB device descriptor.
func (d *DeviceDescriptor) SetDefaults() {
	d.Length = DeviceDescriptorLength
	d.DescriptorType = DescDevice
	d.BcdUSB = 0x0200
	d.MaxPacketSize = 64
}

// Bytes converts the descriptor structure to byte array format.
func (d *DeviceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ConfigurationDescriptor implements p293, Table 9-10. Standard
// Configuration Descriptor, USB2.0.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []*InterfaceDescriptor
}

// SetDefaults initializes default values for the USB configuration
// descriptor.
func (d *ConfigurationDescriptor) SetDefaults() {
	d.Length = ConfigurationDescriptorLength
	d.DescriptorType = DescConfiguration
	d.ConfigurationValue = 1
	// Bus-powered
	d.Attributes = 0x80
	// 100 mA, the Full-Speed default
	d.MaxPower = 50
}

// AddInterface adds an interface descriptor to a configuration, updating the
// interface number and the configuration's interface count accordingly.
func (d *ConfigurationDescriptor) AddInterface(iface *InterfaceDescriptor) {
	if iface.AlternateSetting == 0 {
		iface.InterfaceNumber = d.NumInterfaces
		d.NumInterfaces++
	} else if d.NumInterfaces > 0 {
		iface.InterfaceNumber = d.NumInterfaces - 1
	}

	d.Interfaces = append(d.Interfaces, iface)
}

// Bytes converts the descriptor structure to byte array format.
func (d *ConfigurationDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.TotalLength)
	binary.Write(buf, binary.LittleEndian, d.NumInterfaces)
	binary.Write(buf, binary.LittleEndian, d.ConfigurationValue)
	binary.Write(buf, binary.LittleEndian, d.Configuration)
	binary.Write(buf, binary.LittleEndian, d.Attributes)
	binary.Write(buf, binary.LittleEndian, d.MaxPower)

	return buf.Bytes()
}

// InterfaceAssociationDescriptor implements p4, Table 9-Z. Interface
// Association Descriptors, USB2.0 (ECN).
type InterfaceAssociationDescriptor struct {
	Length           uint8
	DescriptorType   uint8
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	Function         uint8
}

// SetDefaults initializes default values for the interface association
// descriptor.
func (d *InterfaceAssociationDescriptor) SetDefaults() {
	d.Length = InterfaceAssociationLength
	d.DescriptorType = DescInterfaceAssociation
}

// Bytes converts the descriptor structure to byte array format.
func (d *InterfaceAssociationDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// InterfaceDescriptor implements p296, Table 9-12. Standard Interface
// Descriptor, USB2.0.
type InterfaceDescriptor struct {
	IAD *InterfaceAssociationDescriptor

	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8

	Endpoints        []*EndpointDescriptor
	ClassDescriptors [][]byte
}

// SetDefaults initializes default values for the USB interface descriptor.
func (d *InterfaceDescriptor) SetDefaults() {
	d.Length = InterfaceDescriptorLength
	d.DescriptorType = DescInterface
}

// Bytes converts the descriptor structure to byte array format.
func (d *InterfaceDescriptor) Bytes() []byte {
	var buf *bytes.Buffer

	if d.IAD != nil {
		buf = bytes.NewBuffer(d.IAD.Bytes())
	} else {
		buf = new(bytes.Buffer)
	}

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.InterfaceNumber)
	binary.Write(buf, binary.LittleEndian, d.AlternateSetting)
	binary.Write(buf, binary.LittleEndian, d.NumEndpoints)
	binary.Write(buf, binary.LittleEndian, d.InterfaceClass)
	binary.Write(buf, binary.LittleEndian, d.InterfaceSubClass)
	binary.Write(buf, binary.LittleEndian, d.InterfaceProtocol)
	binary.Write(buf, binary.LittleEndian, d.Interface)

	for _, classDesc := range d.ClassDescriptors {
		buf.Write(classDesc)
	}

	return buf.Bytes()
}

// EndpointDescriptor implements p297, Table 9-13. Standard Endpoint
// Descriptor, USB2.0.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// SetDefaults initializes default values for the USB endpoint descriptor.
func (d *EndpointDescriptor) SetDefaults() {
	d.Length = EndpointDescriptorLength
	d.DescriptorType = DescEndpoint
	d.MaxPacketSize = 64
}

// Number returns the endpoint number.
func (d *EndpointDescriptor) Number() int {
	return int(d.EndpointAddress & 0b1111)
}

// Direction returns the endpoint direction (DirIn or DirOut).
func (d *EndpointDescriptor) Direction() int {
	return int(d.EndpointAddress&0b10000000) / 0b10000000
}

// Bytes converts the descriptor structure to byte array format.
func (d *EndpointDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.EndpointAddress)
	binary.Write(buf, binary.LittleEndian, d.Attributes)
	binary.Write(buf, binary.LittleEndian, d.MaxPacketSize)
	binary.Write(buf, binary.LittleEndian, d.Interval)

	return buf.Bytes()
}

// StringDescriptor implements p273, 9.6.7 String, USB2.0.
type StringDescriptor struct {
	Length         uint8
	DescriptorType uint8
}

// SetDefaults initializes default values for the USB string descriptor.
func (d *StringDescriptor) SetDefaults() {
	d.Length = 2
	d.DescriptorType = DescString
}

// Bytes converts the descriptor structure to byte array format.
func (d *StringDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)

	return buf.Bytes()
}

// DeviceQualifierDescriptor implements p292, 9.6.2 Device_Qualifier,
// USB2.0. The stack is Full-Speed only, so this descriptor always reports a
// hypothetical "other speed" configuration count of zero; it exists only so
// a GET_DESCRIPTOR(DEVICE_QUALIFIER) request gets a well-formed reply
// instead of a STALL, as some hosts probe for it unconditionally.
type DeviceQualifierDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	NumConfigurations uint8
	Reserved          uint8
}

// SetDefaults initializes default values for the device qualifier
// descriptor.
func (d *DeviceQualifierDescriptor) SetDefaults() {
	d.Length = DeviceQualifierDescriptorLength
	d.DescriptorType = DescDeviceQualifier
	d.BcdUSB = 0x0200
	d.MaxPacketSize = 64
}

// Bytes converts the descriptor structure to byte array format.
func (d *DeviceQualifierDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.BcdUSB)
	binary.Write(buf, binary.LittleEndian, d.DeviceClass)
	binary.Write(buf, binary.LittleEndian, d.DeviceSubClass)
	binary.Write(buf, binary.LittleEndian, d.DeviceProtocol)
	binary.Write(buf, binary.LittleEndian, d.MaxPacketSize)
	binary.Write(buf, binary.LittleEndian, d.NumConfigurations)
	binary.Write(buf, binary.LittleEndian, d.Reserved)

	return buf.Bytes()
}

// Descriptors is the collection of descriptors an application builds and
// passes to Core.Init to describe itself to the host.
type Descriptors struct {
	Device         *DeviceDescriptor
	Qualifier      *DeviceQualifierDescriptor
	Configurations []*ConfigurationDescriptor
	Strings        [][]byte
}

func (d *Descriptors) setStringDescriptor(s []byte, zero bool) (uint8, error) {
	var buf []byte

	desc := &StringDescriptor{}
	desc.SetDefaults()

	if size := int(desc.Length) + len(s); size > 255 {
		return 0, fmt.Errorf("usbcore: string descriptor size (%d) exceeds 255", size)
	}

	desc.Length += uint8(len(s))

	buf = append(buf, desc.Bytes()...)
	buf = append(buf, s...)

	if zero && len(d.Strings) >= 1 {
		d.Strings[0] = buf
	} else {
		d.Strings = append(d.Strings, buf)
	}

	return uint8(len(d.Strings) - 1), nil
}

// SetLanguageCodes configures String Descriptor Zero language codes (p273,
// Table 9-15, USB2.0).
func (d *Descriptors) SetLanguageCodes(codes []uint16) error {
	var buf []byte

	if len(codes) > 1 {
		return fmt.Errorf("usbcore: only a single language is currently supported")
	}

	for _, c := range codes {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, c)
		buf = append(buf, b...)
	}

	_, err := d.setStringDescriptor(buf, true)

	return err
}

// AddString adds a UTF-16LE string descriptor, returning the index to use in
// other descriptors' string-index fields.
func (d *Descriptors) AddString(s string) (uint8, error) {
	var buf []byte

	u := utf16.Encode([]rune(s))

	for _, r := range u {
		buf = append(buf, byte(r&0xff), byte(r>>8))
	}

	return d.setStringDescriptor(buf, false)
}

// AddConfiguration adds a configuration descriptor, updating the device
// descriptor's configuration count accordingly.
func (d *Descriptors) AddConfiguration(conf *ConfigurationDescriptor) error {
	d.Configurations = append(d.Configurations, conf)

	if d.Device == nil {
		return errors.New("usbcore: invalid device descriptor")
	}

	d.Device.NumConfigurations++

	return nil
}

// Configuration renders configuration wIndex's full descriptor hierarchy
// (configuration + interfaces + endpoints, in GET_DESCRIPTOR order) as
// required by p281, 9.4.3 Get Descriptor, USB2.0.
func (d *Descriptors) Configuration(wIndex uint16) ([]byte, error) {
	if int(wIndex+1) > len(d.Configurations) {
		return nil, errors.New("usbcore: invalid configuration index")
	}

	conf := d.Configurations[int(wIndex)]

	var buf []byte

	for i, iface := range conf.Interfaces {
		if iface.IAD != nil && iface.IAD.FirstInterface == 0 {
			iface.IAD.FirstInterface = uint8(i)
		}

		buf = append(buf, iface.Bytes()...)

		for _, ep := range iface.Endpoints {
			buf = append(buf, ep.Bytes()...)
		}
	}

	conf.TotalLength = uint16(int(conf.Length) + len(buf))

	return append(conf.Bytes(), buf...), nil
}

// findInterface returns the interface descriptor for (number, altSetting)
// within conf, or nil if none matches.
func findInterface(conf *ConfigurationDescriptor, number, altSetting uint8) *InterfaceDescriptor {
	for _, iface := range conf.Interfaces {
		if iface.InterfaceNumber == number && iface.AlternateSetting == altSetting {
			return iface
		}
	}

	return nil
}

// The following three walkers operate directly on raw descriptor bytes
// rather than the Descriptors object model above: they exist for code (and
// tests) that only has a wTotalLength-bounded []byte, the representation
// GET_DESCRIPTOR actually puts on the wire and the representation a class
// driver receives when it is handed "the rest of the configuration
// descriptor" to parse for its own class-specific descriptors.

// FindConf returns the byte slice of the descriptor tree for configuration
// index confIndex out of the wTotalLength-bounded raw bytes buf (as returned
// by Descriptors.Configuration), or nil if not found.
func FindConf(buf []byte, confIndex int) []byte {
	off := 0

	for off+1 < len(buf) {
		length := int(buf[off])
		descType := buf[off+1]

		if length == 0 || off+length > len(buf) {
			return nil
		}

		if descType == DescConfiguration {
			if confIndex == 0 {
				total := int(buf[off+2]) | int(buf[off+3])<<8
				if off+total > len(buf) {
					total = len(buf) - off
				}

				return buf[off : off+total]
			}

			confIndex--
		}

		off += length
	}

	return nil
}

// Find returns the first descriptor of type descType at or after offset off
// within buf, along with the offset immediately following it. It returns a
// nil slice and an offset of -1 if no further descriptor of that type
// exists.
func Find(buf []byte, descType uint8, off int) ([]byte, int) {
	for off+1 < len(buf) {
		length := int(buf[off])

		if length == 0 || off+length > len(buf) {
			return nil, -1
		}

		if buf[off+1] == descType {
			return buf[off : off+length], off + length
		}

		off += length
	}

	return nil, -1
}

// Next returns the descriptor immediately following the one starting at
// offset off within buf, and the offset following that one. It returns a
// nil slice and an offset of -1 at the end of buf.
func Next(buf []byte, off int) ([]byte, int) {
	if off < 0 || off+1 >= len(buf) {
		return nil, -1
	}

	length := int(buf[off])

	if length == 0 || off+length+1 >= len(buf) {
		return nil, -1
	}

	next := off + length
	nlength := int(buf[next])

	if nlength == 0 || next+nlength > len(buf) {
		return nil, -1
	}

	return buf[next : next+nlength], next + nlength
}
