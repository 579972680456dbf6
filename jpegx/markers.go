package jpegx

import "fmt"

const (
	SOF0  = 0xC0 // SOFn = SOF0+n, n = 0-15 excluding 4, 8 and 12
	SOF2  = 0xC2
	DHT   = 0xC4
	RST0  = 0xD0 // RSTn = RST0+n, n = 0-7
	SOI   = 0xD8
	EOI   = 0xD9
	SOS   = 0xDA
	DQT   = 0xDB
	DRI   = 0xDD
	APP0  = 0xE0 // APPn = APP0+n, n = 0-15
	APP1  = 0xE1
	APP2  = 0xE2
	APP13 = 0xED
	APP15 = 0xEF
	COM   = 0xFE
)

// Marker is the byte following 0xFF at the start of a segment.
type Marker uint8

var markerNames [256]string

func init() {
	markerNames[DHT] = "DHT"
	markerNames[SOI] = "SOI"
	markerNames[EOI] = "EOI"
	markerNames[SOS] = "SOS"
	markerNames[DQT] = "DQT"
	markerNames[DRI] = "DRI"
	markerNames[COM] = "COM"
	for i := Marker(SOF0); i <= SOF0+0xF; i++ {
		if i == SOF0+4 || i == SOF0+8 || i == SOF0+12 {
			continue
		}
		markerNames[i] = fmt.Sprintf("SOF%d", i-SOF0)
	}
	for i := Marker(RST0); i <= RST0+7; i++ {
		markerNames[i] = fmt.Sprintf("RST%d", i-RST0)
	}
	for i := Marker(APP0); i <= APP15; i++ {
		markerNames[i] = fmt.Sprintf("APP%d", i-APP0)
	}
}

// Name returns the name of a marker, or its hex value for markers without
// one.
func (m Marker) Name() string {
	if n := markerNames[m]; n != "" {
		return n
	}
	return fmt.Sprintf("0x%02X", uint8(m))
}

// IsApp reports whether m is one of APP0-APP15.
func (m Marker) IsApp() bool {
	return m >= APP0 && m <= APP15
}

// structural markers are length-prefixed and skipped by the scanner.
func (m Marker) structural() bool {
	switch m {
	case SOF0, SOF2, DHT, DQT, DRI, SOS, COM:
		return true
	}
	return false
}
