package adapter

import "strings"

// SelectDevice picks the adapter to connect to. An exact ID match wins;
// otherwise name is matched case-insensitively as a substring. More than one
// name match is an error so that the wrong car is never picked silently.
func SelectDevice(devices []Device, address, name string) (Device, error) {
	if address != "" {
		for _, d := range devices {
			if strings.EqualFold(d.ID, address) {
				return d, nil
			}
		}
		return Device{}, ErrNoDevice
	}

	var matches []Device
	needle := strings.ToLower(name)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), needle) {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 0:
		return Device{}, ErrNoDevice
	case 1:
		return matches[0], nil
	default:
		return Device{}, &AmbiguousDeviceError{Candidates: matches}
	}
}
