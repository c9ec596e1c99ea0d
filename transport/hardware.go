package transport

import "strings"

// Hardware describes one supported keyboard as it shows up on USB.
type Hardware struct {
	Name          string
	KeyboardType  string
	VendorID      string
	ProductID     string
	BootloaderPID string
	// Split boards have two halves behind a neuron.
	Split bool
}

// KnownHardware lists every board the flasher can talk to.
var KnownHardware = []Hardware{
	{Name: "Raise", KeyboardType: "raise", VendorID: "1209", ProductID: "2201", BootloaderPID: "2200"},
	{Name: "Defy", KeyboardType: "wired", VendorID: "35EF", ProductID: "0010", BootloaderPID: "0011", Split: true},
	{Name: "Defy", KeyboardType: "wireless", VendorID: "35EF", ProductID: "0012", BootloaderPID: "0013", Split: true},
}

// normalizeID upper-cases a USB id and strips any "VID_"/"0x" decoration.
func normalizeID(id string) string {
	v := strings.ToUpper(strings.TrimSpace(id))
	v = strings.TrimPrefix(v, "VID_")
	v = strings.TrimPrefix(v, "PID_")
	v = strings.TrimPrefix(v, "0X")
	if n := len(v); n > 0 && n < 4 {
		v = strings.Repeat("0", 4-n) + v
	}
	return v
}

func isKnownVendor(vid string) bool {
	v := normalizeID(vid)
	if v == "" {
		return false
	}
	for _, hw := range KnownHardware {
		if hw.VendorID == v {
			return true
		}
	}
	return false
}

// Lookup resolves a VID/PID pair to a board and whether the pair is that
// board's bootloader.
func Lookup(vid, pid string) (hw *Hardware, bootloader bool) {
	v, p := normalizeID(vid), normalizeID(pid)
	for i := range KnownHardware {
		h := &KnownHardware[i]
		if h.VendorID != v {
			continue
		}
		switch p {
		case h.ProductID:
			return h, false
		case h.BootloaderPID:
			return h, true
		}
	}
	return nil, false
}
