package device

import (
	"fmt"
	"sync/atomic"

	"KeyFlash/transport"
)

// Family is the closed set of hardware families the flasher knows how to
// drive.
type Family int

const (
	FamilyUnknown Family = iota
	// WiredSingleUnit boards are one piece flashed over their own serial
	// bootloader.
	WiredSingleUnit
	// WirelessDualUnit boards are two halves behind a neuron that takes its
	// firmware as a file on a mass-storage volume.
	WirelessDualUnit
)

func (f Family) String() string {
	switch f {
	case WiredSingleUnit:
		return "wired-single-unit"
	case WirelessDualUnit:
		return "wireless-dual-unit"
	default:
		return "unknown"
	}
}

// Identity is what survives a reset: the product and keyboard type, not the
// port path or the product id, which both change in bootloader mode.
type Identity struct {
	Product      string `json:"product"`
	KeyboardType string `json:"keyboardType"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s", id.Product, id.KeyboardType)
}

// Device is one keyboard seen by the registry. Its exported fields never
// change once the registry has listed it: when the port behind a path
// changes, the registry replaces the Device rather than editing it.
type Device struct {
	Path         string `json:"path"`
	VendorID     string `json:"vendorId"`
	ProductID    string `json:"productId"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product"`
	KeyboardType string `json:"keyboardType"`
	Family       Family `json:"family"`
	Bootloader   bool   `json:"bootloader"`

	open atomic.Bool
}

// Identity returns the device's reset-proof identity.
func (d *Device) Identity() Identity {
	return Identity{Product: d.Product, KeyboardType: d.KeyboardType}
}

// IsClosed reports whether the registry holds no open handle for d.
func (d *Device) IsClosed() bool {
	return !d.open.Load()
}

// Matches reports whether d is the keyboard described by id in the wanted
// mode.
func (d *Device) Matches(id Identity, bootloader bool) bool {
	return d.Product == id.Product && d.KeyboardType == id.KeyboardType && d.Bootloader == bootloader
}

func (d *Device) String() string {
	mode := "normal"
	if d.Bootloader {
		mode = "bootloader"
	}
	return fmt.Sprintf("%s %s at %s (%s)", d.Product, d.KeyboardType, d.Path, mode)
}

func familyOf(hw *transport.Hardware) Family {
	switch {
	case hw == nil:
		return FamilyUnknown
	case hw.Split:
		return WirelessDualUnit
	default:
		return WiredSingleUnit
	}
}

func fromPort(p transport.Port) *Device {
	d := &Device{
		Path:         p.Name,
		VendorID:     p.VendorID,
		ProductID:    p.ProductID,
		SerialNumber: p.SerialNumber,
		Bootloader:   p.Bootloader,
		Family:       familyOf(p.Hardware),
	}
	if p.Hardware != nil {
		d.Product = p.Hardware.Name
		d.KeyboardType = p.Hardware.KeyboardType
	}
	return d
}

// sameAs reports whether d still describes the keyboard behind other's
// path.
func (d *Device) sameAs(other *Device) bool {
	return d.Path == other.Path &&
		d.VendorID == other.VendorID &&
		d.ProductID == other.ProductID &&
		d.SerialNumber == other.SerialNumber &&
		d.Product == other.Product &&
		d.KeyboardType == other.KeyboardType &&
		d.Family == other.Family &&
		d.Bootloader == other.Bootloader
}
