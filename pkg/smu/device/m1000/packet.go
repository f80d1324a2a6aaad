package m1000

import (
	"encoding/binary"
	"math"
)

// Bulk packet layout. IN packets interleave four measured quantities per
// sample instant (A voltage, A current, B voltage, B current), OUT packets
// carry the two sourced values (A, B), all as little-endian 16-bit codes.
const (
	epIn  = 0x81
	epOut = 0x02

	packetSamples = 256
	inSampleSize  = 8
	outSampleSize = 4
	inPacketSize  = packetSamples * inSampleSize
	outPacketSize = packetSamples * outSampleSize
)

const (
	voltageMin  = 0.0
	voltageMax  = 5.0
	currentMin  = -0.2
	currentMax  = 0.2
	codeSpan    = 65535.0
	voltageStep = (voltageMax - voltageMin) / codeSpan
	currentStep = (currentMax - currentMin) / codeSpan
)

func codeToVolts(c uint16) float32 {
	return float32(voltageMin + float64(c)*voltageStep)
}

func voltsToCode(v float32) uint16 {
	return clampCode((float64(v) - voltageMin) / voltageStep)
}

func codeToAmps(c uint16) float32 {
	return float32(currentMin + float64(c)*currentStep)
}

func ampsToCode(v float32) uint16 {
	return clampCode((float64(v) - currentMin) / currentStep)
}

func clampCode(c float64) uint16 {
	if c < 0 {
		return 0
	}
	if c > codeSpan {
		return math.MaxUint16
	}
	return uint16(math.Round(c))
}

// decodeInSample unpacks the four measured codes for sample i of an IN
// packet into physical units.
func decodeInSample(p []byte, i int) [4]float32 {
	off := i * inSampleSize
	return [4]float32{
		codeToVolts(binary.LittleEndian.Uint16(p[off:])),
		codeToAmps(binary.LittleEndian.Uint16(p[off+2:])),
		codeToVolts(binary.LittleEndian.Uint16(p[off+4:])),
		codeToAmps(binary.LittleEndian.Uint16(p[off+6:])),
	}
}

// encodeOutSample packs the sourced values for both channels into sample i
// of an OUT packet. The code interpretation of each value depends on the
// channel mode: volts under SVMI, amps under SIMV.
func encodeOutSample(p []byte, i int, a, b uint16) {
	off := i * outSampleSize
	binary.LittleEndian.PutUint16(p[off:], a)
	binary.LittleEndian.PutUint16(p[off+2:], b)
}
