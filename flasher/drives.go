package flasher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// uf2Marker is present at the root of every UF2 bootloader volume.
const uf2Marker = "INFO_UF2.TXT"

// Drive is one mounted volume.
type Drive struct {
	Mountpoint string
	Label      string
	Removable  bool
}

// DriveLister lists mounted volumes.
type DriveLister interface {
	ListDrives(ctx context.Context) ([]Drive, error)
}

// SystemDrives asks the operating system for its mounted volumes.
type SystemDrives struct{}

func (SystemDrives) ListDrives(ctx context.Context) ([]Drive, error) {
	switch runtime.GOOS {
	case "linux":
		out, err := exec.CommandContext(ctx, "lsblk", "-J", "-o", "MOUNTPOINT,LABEL,RM").Output()
		if err != nil {
			return nil, fmt.Errorf("lsblk: %w", err)
		}
		return parseLsblk(out)
	case "darwin":
		entries, err := os.ReadDir("/Volumes")
		if err != nil {
			return nil, err
		}
		var drives []Drive
		for _, e := range entries {
			drives = append(drives, Drive{Mountpoint: filepath.Join("/Volumes", e.Name()), Label: e.Name(), Removable: true})
		}
		return drives, nil
	case "windows":
		out, err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command",
			"Get-Volume | Where-Object DriveLetter | Select-Object DriveLetter,FileSystemLabel,DriveType | ConvertTo-Json").Output()
		if err != nil {
			return nil, fmt.Errorf("Get-Volume: %w", err)
		}
		return parseGetVolume(out)
	default:
		return nil, fmt.Errorf("listing drives is not supported on %s", runtime.GOOS)
	}
}

type lsblkDevice struct {
	Mountpoint *string       `json:"mountpoint"`
	Label      *string       `json:"label"`
	RM         interface{}   `json:"rm"`
	Children   []lsblkDevice `json:"children"`
}

func parseLsblk(out []byte) ([]Drive, error) {
	var doc struct {
		Blockdevices []lsblkDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}

	var drives []Drive
	var walk func(devs []lsblkDevice)
	walk = func(devs []lsblkDevice) {
		for _, d := range devs {
			if d.Mountpoint != nil && *d.Mountpoint != "" {
				drive := Drive{Mountpoint: *d.Mountpoint, Removable: lsblkBool(d.RM)}
				if d.Label != nil {
					drive.Label = *d.Label
				}
				drives = append(drives, drive)
			}
			walk(d.Children)
		}
	}
	walk(doc.Blockdevices)
	return drives, nil
}

// lsblkBool reads RM, which older lsblk prints as "0"/"1" and newer as a
// JSON boolean.
func lsblkBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	case float64:
		return t != 0
	default:
		return false
	}
}

type winVolume struct {
	DriveLetter     string      `json:"DriveLetter"`
	FileSystemLabel string      `json:"FileSystemLabel"`
	DriveType       interface{} `json:"DriveType"`
}

func parseGetVolume(out []byte) ([]Drive, error) {
	out = []byte(strings.TrimSpace(string(out)))
	if len(out) == 0 {
		return nil, nil
	}
	var vols []winVolume
	if out[0] == '{' {
		var v winVolume
		if err := json.Unmarshal(out, &v); err != nil {
			return nil, fmt.Errorf("parse Get-Volume output: %w", err)
		}
		vols = append(vols, v)
	} else if err := json.Unmarshal(out, &vols); err != nil {
		return nil, fmt.Errorf("parse Get-Volume output: %w", err)
	}

	drives := make([]Drive, 0, len(vols))
	for _, v := range vols {
		removable := false
		switch t := v.DriveType.(type) {
		case float64:
			removable = t == 2
		case string:
			removable = strings.EqualFold(t, "Removable")
		}
		drives = append(drives, Drive{Mountpoint: v.DriveLetter + ":/", Label: v.FileSystemLabel, Removable: removable})
	}
	return drives, nil
}

// findUF2Drive returns the first volume that carries the UF2 marker.
func findUF2Drive(ctx context.Context, lister DriveLister) (string, error) {
	drives, err := lister.ListDrives(ctx)
	if err != nil {
		return "", err
	}
	for _, d := range drives {
		if _, err := os.Stat(filepath.Join(d.Mountpoint, uf2Marker)); err == nil {
			return d.Mountpoint, nil
		}
	}
	return "", ErrDriveNotFound
}
