//go:build !linux || !cgo

package audio

// Microphone capture via pion/mediadevices requires platform-specific
// drivers (malgo on Linux). Other platforms report the device as
// unavailable; the UI surfaces it and text chat keeps working.
func openMicrophone() (Source, error) {
	return nil, ErrDeviceUnavailable
}
