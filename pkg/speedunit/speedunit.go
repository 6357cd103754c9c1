// Package speedunit scales a throughput rate into a human-readable magnitude
// and unit label.
//
// Rates are taken as-is (bytes per second as measured by the probes) and
// labelled with decimal bit-rate units at 10^3 steps: bps, Kbps, Mbps, Gbps.
package speedunit

import (
	"fmt"
	"math"
)

const (
	UnitBps  = "bps"
	UnitKbps = "Kbps"
	UnitMbps = "Mbps"
	UnitGbps = "Gbps"
)

const (
	kilo = 1e3
	mega = 1e6
	giga = 1e9
)

// Speed is a scaled rate.
type Speed struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Zero is the readout used for absent, zero and failed measurements.
var Zero = Speed{Value: 0, Unit: UnitBps}

// Convert scales rate. Zero, negative, NaN and infinite rates map to Zero.
func Convert(rate float64) Speed {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return Zero
	}
	switch {
	case rate > giga:
		return Speed{Value: rate / giga, Unit: UnitGbps}
	case rate > mega:
		return Speed{Value: rate / mega, Unit: UnitMbps}
	case rate > kilo:
		return Speed{Value: rate / kilo, Unit: UnitKbps}
	default:
		return Speed{Value: rate, Unit: UnitBps}
	}
}

// ConvertPtr is Convert for an optional rate; nil means absent.
func ConvertPtr(rate *float64) Speed {
	if rate == nil {
		return Zero
	}
	return Convert(*rate)
}

// String renders the value with two decimals, e.g. "5.00 Mbps".
func (s Speed) String() string {
	unit := s.Unit
	if unit == "" {
		unit = UnitBps
	}
	return fmt.Sprintf("%.2f %s", s.Value, unit)
}

// IsZero reports whether the speed renders as zero.
func (s Speed) IsZero() bool { return s.Value == 0 }
