package transport

import (
	"errors"
	"testing"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

type fakeSerial struct {
	mode   *serial.Mode
	dtr    *bool
	closed bool
}

func (f *fakeSerial) SetMode(mode *serial.Mode) error        { f.mode = mode; return nil }
func (f *fakeSerial) Read(p []byte) (int, error)             { return 0, nil }
func (f *fakeSerial) Write(p []byte) (int, error)            { return len(p), nil }
func (f *fakeSerial) Drain() error                           { return nil }
func (f *fakeSerial) ResetInputBuffer() error                { return nil }
func (f *fakeSerial) ResetOutputBuffer() error               { return nil }
func (f *fakeSerial) SetDTR(dtr bool) error                  { f.dtr = &dtr; return nil }
func (f *fakeSerial) SetRTS(rts bool) error                  { return nil }
func (f *fakeSerial) SetReadTimeout(t time.Duration) error   { return nil }
func (f *fakeSerial) Close() error                           { f.closed = true; return nil }
func (f *fakeSerial) Break(time.Duration) error              { return nil }
func (f *fakeSerial) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func testPorts() []*enumerator.PortDetails {
	return []*enumerator.PortDetails{
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "1209", PID: "2201", SerialNumber: "R1"},
		{Name: "/dev/ttyACM1", IsUSB: true, VID: "1209", PID: "2200"},
		{Name: "/dev/ttyACM2", IsUSB: true, VID: "35ef", PID: "12", SerialNumber: "D1"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001"},
		{Name: "/dev/ttyS0", IsUSB: false},
	}
}

func newTestTransport(open func(string, *serial.Mode) (serial.Port, error)) *Transport {
	return &Transport{
		list:  func() ([]*enumerator.PortDetails, error) { return testPorts(), nil },
		open:  open,
		sleep: func(time.Duration) {},
	}
}

func TestFindKeepsKnownVendors(t *testing.T) {
	tr := newTestTransport(nil)
	ports, err := tr.Find()
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(ports) != 3 {
		t.Fatalf("Find() returned %d ports, want 3", len(ports))
	}
	if ports[2].VendorID != "35EF" || ports[2].ProductID != "0012" {
		t.Errorf("ids not normalised: %s:%s", ports[2].VendorID, ports[2].ProductID)
	}
	if ports[2].Hardware == nil || ports[2].Hardware.KeyboardType != "wireless" {
		t.Errorf("wireless Defy not resolved: %+v", ports[2].Hardware)
	}
}

func TestEnumerate(t *testing.T) {
	tr := newTestTransport(nil)

	tests := []struct {
		name           string
		bootloaderOnly bool
		filter         *Filter
		want           []string
	}{
		{"all keyboards", false, nil, []string{"/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyACM2"}},
		{"bootloader only", true, nil, []string{"/dev/ttyACM1"}},
		{"filtered by vendor", false, &Filter{VendorID: "35EF"}, []string{"/dev/ttyACM2"}},
		{"filter and bootloader", true, &Filter{VendorID: "1209", ProductID: "2200"}, []string{"/dev/ttyACM1"}},
		{"filter without match", true, &Filter{VendorID: "35EF"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ports, err := tr.Enumerate(tt.bootloaderOnly, tt.filter)
			if err != nil {
				t.Fatalf("Enumerate() error = %v", err)
			}
			if len(ports) != len(tt.want) {
				t.Fatalf("Enumerate() = %d ports, want %d", len(ports), len(tt.want))
			}
			for i, p := range ports {
				if p.Name != tt.want[i] {
					t.Errorf("port %d = %s, want %s", i, p.Name, tt.want[i])
				}
			}
		})
	}
}

func TestConnectClassifiesErrors(t *testing.T) {
	tests := []struct {
		name    string
		openErr error
		want    error
	}{
		{"busy by message", errors.New("open /dev/ttyACM0: device or resource busy"), ErrPortBusy},
		{"denied by message", errors.New("open /dev/ttyACM0: permission denied"), ErrPermissionDenied},
		{"missing by message", errors.New("open /dev/ttyACM9: no such file or directory"), ErrNoDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTransport(func(string, *serial.Mode) (serial.Port, error) {
				return nil, tt.openErr
			})
			_, err := tr.Connect("/dev/ttyACM0", 0)
			if !errors.Is(err, tt.want) {
				t.Errorf("Connect() error = %v, want %v", err, tt.want)
			}
			var perr *PortError
			if !errors.As(err, &perr) || perr.Op != "open" {
				t.Errorf("Connect() error %v is not an open PortError", err)
			}
		})
	}
}

func TestConnectUsesDefaultMode(t *testing.T) {
	var gotMode *serial.Mode
	tr := newTestTransport(func(name string, mode *serial.Mode) (serial.Port, error) {
		gotMode = mode
		return &fakeSerial{}, nil
	})

	if _, err := tr.Connect("/dev/ttyACM0", 0); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if gotMode.BaudRate != DefaultBaudRate || gotMode.DataBits != 8 {
		t.Errorf("mode = %+v, want %d 8N1", gotMode, DefaultBaudRate)
	}
}

func TestCheckProperties(t *testing.T) {
	tr := newTestTransport(nil)

	props, err := tr.CheckProperties("/dev/ttyACM0")
	if err != nil {
		t.Fatalf("CheckProperties() error = %v", err)
	}
	if props.VendorID != "1209" || props.ProductID != "2201" || props.SerialNumber != "R1" {
		t.Errorf("CheckProperties() = %+v", props)
	}

	if _, err := tr.CheckProperties("/dev/nothing"); !errors.Is(err, ErrNoDevice) {
		t.Errorf("CheckProperties(missing) error = %v, want ErrNoDevice", err)
	}
}

func TestTouch(t *testing.T) {
	fake := &fakeSerial{}
	var baud int
	tr := newTestTransport(func(name string, mode *serial.Mode) (serial.Port, error) {
		baud = mode.BaudRate
		return fake, nil
	})
	var slept []time.Duration
	WithSleep(func(d time.Duration) { slept = append(slept, d) })(tr)

	if err := tr.Touch("/dev/ttyACM0"); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if baud != TouchBaudRate {
		t.Errorf("Touch() opened at %d baud, want %d", baud, TouchBaudRate)
	}
	if fake.dtr == nil || *fake.dtr {
		t.Error("Touch() did not drop DTR")
	}
	if !fake.closed {
		t.Error("Touch() left the port open")
	}
	if len(slept) != 1 || slept[0] != TouchHold {
		t.Errorf("Touch() slept %v, want one hold of %s", slept, TouchHold)
	}
}

func TestLookup(t *testing.T) {
	hw, boot := Lookup("VID_1209", "PID_2200")
	if hw == nil || hw.Name != "Raise" || !boot {
		t.Errorf("Lookup(raise bootloader) = %+v, %v", hw, boot)
	}
	if hw, _ := Lookup("0403", "6001"); hw != nil {
		t.Errorf("Lookup(ftdi) = %+v, want nil", hw)
	}
}
