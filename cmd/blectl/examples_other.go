//go:build !darwin

package main

const (
	exampleDeviceAddress = "A4:C1:38:12:34:56"
	deviceAddressNote    = "Device address format: MAC address, ':' or '-' separated\n  Examples: A4:C1:38:12:34:56 or a4-c1-38-12-34-56"
)
