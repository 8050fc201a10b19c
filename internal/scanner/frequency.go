package scanner

import (
	"fmt"
	"strings"
)

// Technology is the radio access technology of a frequency entry.
type Technology int

const (
	Technology5GNR Technology = iota
	TechnologyLTE
	TechnologyUMTS
	TechnologyGSM
	TechnologyNBIoT
	TechnologyLTEM
)

var technologyNames = map[Technology]string{
	Technology5GNR:  "5GNR",
	TechnologyLTE:   "LTE",
	TechnologyUMTS:  "UMTS",
	TechnologyGSM:   "GSM",
	TechnologyNBIoT: "NBIoT",
	TechnologyLTEM:  "LTEM",
}

func (t Technology) String() string {
	if name, ok := technologyNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Technology(%d)", int(t))
}

// ParseTechnology converts a technology name (case-insensitive) to its value.
func ParseTechnology(s string) (Technology, error) {
	for t, name := range technologyNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown technology %q", ErrInvalidArgument, s)
}

// DuplexMode is the duplexing scheme of a frequency entry.
type DuplexMode int

const (
	DuplexNotApplicable DuplexMode = iota
	DuplexFDD
	DuplexTDD
)

var duplexNames = map[DuplexMode]string{
	DuplexNotApplicable: "NotApplicable",
	DuplexFDD:           "FDD",
	DuplexTDD:           "TDD",
}

func (d DuplexMode) String() string {
	if name, ok := duplexNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DuplexMode(%d)", int(d))
}

// ParseDuplexMode converts a duplex mode name to its value. "NA" and the
// empty string map to DuplexNotApplicable.
func ParseDuplexMode(s string) (DuplexMode, error) {
	if s == "" || strings.EqualFold(s, "NA") {
		return DuplexNotApplicable, nil
	}
	for d, name := range duplexNames {
		if strings.EqualFold(name, s) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown duplex mode %q", ErrInvalidArgument, s)
}

// SubcarrierSpacing is the OFDM subcarrier spacing of a frequency entry.
type SubcarrierSpacing int

const (
	SCS15kHz SubcarrierSpacing = iota
	SCS30kHz
	SCS60kHz
	SCS120kHz
	SCS240kHz
)

var scsNames = map[SubcarrierSpacing]string{
	SCS15kHz:  "15kHz",
	SCS30kHz:  "30kHz",
	SCS60kHz:  "60kHz",
	SCS120kHz: "120kHz",
	SCS240kHz: "240kHz",
}

func (s SubcarrierSpacing) String() string {
	if name, ok := scsNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SubcarrierSpacing(%d)", int(s))
}

// ParseSubcarrierSpacing converts a spacing name such as "15kHz" to its
// value. The "kHz" suffix is optional.
func ParseSubcarrierSpacing(s string) (SubcarrierSpacing, error) {
	norm := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "khz")
	for v, name := range scsNames {
		if strings.TrimSuffix(strings.ToLower(name), "khz") == norm {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown subcarrier spacing %q", ErrInvalidArgument, s)
}

// FrequencyEntry is one channel the device should scan.
type FrequencyEntry struct {
	Band              int               `msgpack:"band"`
	ChannelNumber     int               `msgpack:"channel"`
	FrequencyMHz      float64           `msgpack:"frequency_mhz"`
	Technology        Technology        `msgpack:"technology"`
	DuplexMode        DuplexMode        `msgpack:"duplex"`
	SubcarrierSpacing SubcarrierSpacing `msgpack:"scs"`
}

// String formats the entry for logs.
func (f FrequencyEntry) String() string {
	return fmt.Sprintf("band=%d ch=%d %.2fMHz %s %s %s",
		f.Band, f.ChannelNumber, f.FrequencyMHz, f.Technology, f.DuplexMode, f.SubcarrierSpacing)
}

// FrequencyList is an immutable, ordered set of frequency entries.
//
// Lists are shared by pointer. The client proxy treats two lists as equal
// only when they are the same pointer, so callers that want a setting to be
// resent must build a new list.
type FrequencyList struct {
	entries []FrequencyEntry
}

// NewFrequencyList creates a list holding a copy of entries.
func NewFrequencyList(entries ...FrequencyEntry) *FrequencyList {
	cp := make([]FrequencyEntry, len(entries))
	copy(cp, entries)
	return &FrequencyList{entries: cp}
}

// Entries returns a copy of the list's entries.
func (l *FrequencyList) Entries() []FrequencyEntry {
	if l == nil {
		return nil
	}
	cp := make([]FrequencyEntry, len(l.entries))
	copy(cp, l.entries)
	return cp
}

// Len returns the number of entries.
func (l *FrequencyList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}
