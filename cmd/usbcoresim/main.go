// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command usbcoresim drives a usbcore.Core against an in-memory
// usbcore.SimBackend through a scripted enumeration sequence, printing the
// resulting controller state. It exists to exercise the stack without real
// hardware: there is no actual USB bus here, only the same register/BD
// protocol a real controller would drive.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/f-secure-foundry/usbcore"
)

var cli struct {
	VendorID  uint16 `help:"USB vendor ID to report in the device descriptor." default:"0x1209"`
	ProductID uint16 `help:"USB product ID to report in the device descriptor." default:"0x2702"`
	Frames    int    `help:"Number of start-of-frame ticks to simulate after enumeration." default:"10"`
	Metrics   bool   `help:"Register usbcore.MetricsDriver on a private Prometheus registry." default:"true"`
	Verbose   bool   `help:"Print a full controller state dump at the end." short:"v"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("usbcoresim"),
		kong.Description("Simulated-controller demo driver for the usbcore USB device stack."),
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "usbcoresim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	backend := usbcore.NewSimBackend(4096)
	core := usbcore.NewCore(backend)

	desc, err := buildDescriptors()
	if err != nil {
		return fmt.Errorf("build descriptors: %w", err)
	}

	desc.Device.VendorId = cli.VendorID
	desc.Device.ProductId = cli.ProductID

	if err := core.Init(desc); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	if cli.Metrics {
		reg := prometheus.NewRegistry()

		drv, err := usbcore.NewMetricsDriver(reg)
		if err != nil {
			return fmt.Errorf("metrics driver: %w", err)
		}

		core.RegisterFunctionDriver(drv)
	}

	core.Connect()

	backend.HostBusReset()
	core.Poll()
	core.Poll()

	requestDeviceDescriptor(core, backend)
	setAddress(core, backend, 7)

	for i := 0; i < cli.Frames; i++ {
		backend.HostSOF()
		core.Poll()
	}

	fmt.Printf("usbcoresim: final state %s (tick %d)\n", core.GetState(), core.GetTick())

	if cli.Verbose {
		fmt.Println(core.Dump())
	}

	return nil
}

// setAddress drives a SET_ADDRESS(addr) control transfer to completion:
// SETUP, STATUS IN, and the poll that lets the deferred address write land.
func setAddress(core *usbcore.Core, backend *usbcore.SimBackend, addr uint8) {
	backend.HostSendSetup([8]byte{0x00, 0x05, addr, 0x00, 0x00, 0x00, 0x00, 0x00})
	core.Poll()

	backend.HostReadIn(0, 0)
	core.Poll()
}

// requestDeviceDescriptor drives a GET_DESCRIPTOR(DEVICE) control transfer
// to completion and returns the bytes the device replied with.
func requestDeviceDescriptor(core *usbcore.Core, backend *usbcore.SimBackend) []byte {
	backend.HostSendSetup([8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 18, 0x00})
	core.Poll()

	data := backend.HostReadIn(0, 0)
	core.Poll()

	backend.HostSendOut(0, 0, nil)
	core.Poll()

	return data
}

func buildDescriptors() (*usbcore.Descriptors, error) {
	dev := &usbcore.DeviceDescriptor{}
	dev.SetDefaults()

	desc := &usbcore.Descriptors{Device: dev}

	if err := desc.SetLanguageCodes([]uint16{0x0409}); err != nil {
		return nil, err
	}

	conf := &usbcore.ConfigurationDescriptor{}
	conf.SetDefaults()

	iface := &usbcore.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.InterfaceClass = 0xff // vendor-specific, no class driver needed

	conf.AddInterface(iface)

	if err := desc.AddConfiguration(conf); err != nil {
		return nil, err
	}

	return desc, nil
}
