package m1000

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Calibration is stored on the device as eight rows of {offset, positive
// gain, negative gain}, one row per measured and sourced quantity per
// channel: for channel c, rows c*4+0..3 cover measured voltage, measured
// current, sourced voltage, and sourced current.
const (
	calRows    = 8
	calRowSize = 12
)

type calTable [calRows][3]float32

func defaultCalibration() calTable {
	var t calTable
	for i := range t {
		t[i] = [3]float32{0, 1, 1}
	}
	return t
}

// apply corrects a measured value using the given row.
func (t *calTable) apply(row int, v float32) float32 {
	r := t[row]
	if v >= 0 {
		return v*r[1] + r[0]
	}
	return v*r[2] + r[0]
}

// unapply converts a desired output value into the uncorrected value the
// device should be driven with.
func (t *calTable) unapply(row int, v float32) float32 {
	r := t[row]
	if r[1] == 0 || r[2] == 0 {
		return v
	}
	if v >= 0 {
		return (v - r[0]) / r[1]
	}
	return (v - r[0]) / r[2]
}

// parseCalibrationFile reads a calibration table from a text file of eight
// lines with three float values each. Lines starting with '#' are skipped.
func parseCalibrationFile(path string) (calTable, error) {
	var t calTable
	f, err := os.Open(path)
	if err != nil {
		return t, err
	}
	defer f.Close()

	row := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return t, fmt.Errorf("calibration file %s: row %d: expected 3 values, got %d", path, row, len(fields))
		}
		if row >= calRows {
			return t, fmt.Errorf("calibration file %s: more than %d rows", path, calRows)
		}
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return t, fmt.Errorf("calibration file %s: row %d: %w", path, row, err)
			}
			t[row][i] = float32(v)
		}
		row++
	}
	if err := sc.Err(); err != nil {
		return t, err
	}
	if row != calRows {
		return t, fmt.Errorf("calibration file %s: expected %d rows, got %d", path, calRows, row)
	}
	return t, nil
}

// readDeviceCalibration pulls the stored table out of device EEPROM. Rows
// with a zero gain are treated as unprogrammed and replaced with defaults.
func (d *Device) readDeviceCalibration() (calTable, error) {
	var t calTable
	buf := make([]byte, calRowSize)
	for row := 0; row < calRows; row++ {
		n, err := d.handle.ControlTransfer(ctrlIn, ReqReadCal, uint16(row), 0, buf, ctrlTimeout)
		if err != nil {
			return t, err
		}
		if n != calRowSize {
			return t, fmt.Errorf("calibration row %d: short read (%d bytes)", row, n)
		}
		for i := 0; i < 3; i++ {
			t[row][i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		if t[row][1] == 0 || t[row][2] == 0 {
			t[row] = [3]float32{0, 1, 1}
		}
	}
	return t, nil
}

// writeDeviceCalibration stores the table into device EEPROM one row per
// control request.
func (d *Device) writeDeviceCalibration(t calTable) error {
	buf := make([]byte, calRowSize)
	for row := 0; row < calRows; row++ {
		for i := 0; i < 3; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(t[row][i]))
		}
		if _, err := d.handle.ControlTransfer(ctrlOut, ReqWriteCal, uint16(row), 0, buf, ctrlTimeout); err != nil {
			return fmt.Errorf("writing calibration row %d: %w", row, err)
		}
		// EEPROM page writes need settle time between rows.
		time.Sleep(2 * time.Millisecond)
	}
	return nil
}
