package smu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/openinstrument/smu/pkg/smu/device"
	"github.com/openinstrument/smu/pkg/smu/transport"
	"github.com/openinstrument/smu/pkg/util"
)

// SAM-BA bootloader protocol. The bootloader enumerates as a CDC device;
// commands are ASCII over the bulk data endpoints, firmware pages are
// staged into SRAM and committed to flash through the EEFC controller.
const (
	sambaEPOut = 0x01
	sambaEPIn  = 0x82

	flashBase   = 0x00080000
	pageSize    = 256
	sramStaging = 0x20001000

	eefcFCR = 0x400e0804
	eefcFSR = 0x400e0808
	rstcCR  = 0x400e1200

	sambaTimeout      = 2 * time.Second
	reenumerateWindow = 5 * time.Second
)

// FlashFirmware streams a firmware image to a device in SAM-BA bootloader
// mode. If dev is non-nil it is rebooted into the bootloader first; with a
// nil dev the first bound device is used, and with no bound devices the bus
// is searched for a device already presenting the bootloader identity. The
// call is synchronous and runs on the caller; any failure aborts the flash
// with no retry.
func (s *Session) FlashFirmware(path string, dev device.Device) error {
	img, err := os.ReadFile(path)
	if err != nil {
		return &FlashError{Stage: "reading image", Err: err}
	}

	if dev == nil {
		if devs := s.Devices(); len(devs) > 0 {
			dev = devs[0]
		}
	}
	rebooted := false
	if dev != nil {
		if err := dev.SambaMode(); err != nil {
			return &FlashError{Stage: "entering bootloader", Err: err}
		}
		rebooted = true
	}

	h, err := s.findSambaHandle(rebooted)
	if err != nil {
		return &FlashError{Stage: "locating bootloader", Err: err}
	}
	if err := h.Open(); err != nil {
		return &FlashError{Stage: "opening bootloader", Err: err}
	}
	defer h.Close()

	sb := &samba{session: s, handle: h}
	var flashErr error
	elapsed := util.TimeOperationMicroseconds(func() {
		flashErr = sb.flash(img)
	})
	if flashErr != nil {
		return flashErr
	}
	s.log.Info().Str("path", path).Int("bytes", len(img)).Int64("us", elapsed).Msg("firmware flashed")
	return nil
}

// findSambaHandle looks for a bootloader-identity device on the bus. When a
// device was just rebooted into the bootloader the re-enumeration window is
// waited out; otherwise a missing device fails immediately.
func (s *Session) findSambaHandle(wait bool) (transport.Handle, error) {
	deadline := time.Now()
	if wait {
		deadline = deadline.Add(reenumerateWindow)
	}
	for {
		handles, err := s.provider.Enumerate()
		if err != nil {
			return nil, err
		}
		for _, h := range handles {
			for _, id := range sambaDevices {
				if h.ID() == id {
					return h, nil
				}
			}
		}
		if !time.Now().Before(deadline) {
			return nil, ErrNotFound
		}
		time.Sleep(100 * time.Millisecond)
	}
}

type samba struct {
	session *Session
	handle  transport.Handle
}

func (sb *samba) flash(img []byte) error {
	// non-interactive mode
	if err := sb.command("N#"); err != nil {
		return &FlashError{Stage: "handshake", Err: err}
	}
	// erase flash and clear the boot mode bit
	if err := sb.writeWord(eefcFCR, 0x5a000005); err != nil {
		return &FlashError{Stage: "erase", Err: err}
	}
	time.Sleep(500 * time.Millisecond)

	for off := 0; off < len(img); off += pageSize {
		end := off + pageSize
		if end > len(img) {
			end = len(img)
		}
		page := make([]byte, pageSize)
		copy(page, img[off:end])
		if err := sb.sendBlock(sramStaging, page); err != nil {
			return &FlashError{Stage: fmt.Sprintf("staging page %d", off/pageSize), Err: err}
		}
		if err := sb.copyWords(sramStaging, flashBase+uint32(off), pageSize); err != nil {
			return &FlashError{Stage: fmt.Sprintf("copying page %d", off/pageSize), Err: err}
		}
		// EEFC write page command
		cmd := 0x5a000001 | uint32(off/pageSize)<<8
		if err := sb.writeWord(eefcFCR, cmd); err != nil {
			return &FlashError{Stage: fmt.Sprintf("committing page %d", off/pageSize), Err: err}
		}
	}

	// verify the image head before rebooting
	head, err := sb.readBlock(flashBase, min(len(img), pageSize))
	if err != nil {
		return &FlashError{Stage: "verify", Err: err}
	}
	if !bytes.Equal(head, img[:len(head)]) {
		return &FlashError{Stage: "verify", Err: fmt.Errorf("flash readback mismatch")}
	}

	// set boot-from-flash and reset
	if err := sb.writeWord(eefcFCR, 0x5a00010b); err != nil {
		return &FlashError{Stage: "boot select", Err: err}
	}
	if err := sb.writeWord(rstcCR, 0xa5000005); err != nil {
		return &FlashError{Stage: "reset", Err: err}
	}
	return nil
}

func (sb *samba) command(cmd string) error {
	_, err := sb.session.bulkSync(sb.handle, sambaEPOut, []byte(cmd), sambaTimeout)
	return err
}

func (sb *samba) writeWord(addr, value uint32) error {
	return sb.command(fmt.Sprintf("W%08X,%08X#", addr, value))
}

// sendBlock stages data into device memory with the S command followed by
// the raw bytes.
func (sb *samba) sendBlock(addr uint32, data []byte) error {
	if err := sb.command(fmt.Sprintf("S%08X,%08X#", addr, len(data))); err != nil {
		return err
	}
	_, err := sb.session.bulkSync(sb.handle, sambaEPOut, data, sambaTimeout)
	return err
}

// readBlock reads device memory with the R command.
func (sb *samba) readBlock(addr uint32, n int) ([]byte, error) {
	if err := sb.command(fmt.Sprintf("R%08X,%08X#", addr, n)); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := sb.session.bulkRecv(sb.handle, sambaEPIn, buf, sambaTimeout)
	if err != nil {
		return nil, err
	}
	return buf[:got], nil
}

// copyWords moves a staged block into its flash latch buffer word by word.
func (sb *samba) copyWords(src, dst uint32, n int) error {
	block, err := sb.readBlock(src, n)
	if err != nil {
		return err
	}
	for off := 0; off+4 <= len(block); off += 4 {
		word := binary.LittleEndian.Uint32(block[off:])
		if err := sb.writeWord(dst+uint32(off), word); err != nil {
			return err
		}
	}
	return nil
}

// bulkSync submits one OUT transfer and waits for its completion, which is
// delivered by the session's event-dispatch goroutine.
func (s *Session) bulkSync(h transport.Handle, ep byte, data []byte, timeout time.Duration) (int, error) {
	return s.bulkWait(h, &transport.Transfer{Endpoint: ep, Data: data, Length: len(data)}, timeout)
}

// bulkRecv submits one IN transfer and waits for its completion.
func (s *Session) bulkRecv(h transport.Handle, ep byte, buf []byte, timeout time.Duration) (int, error) {
	return s.bulkWait(h, &transport.Transfer{Endpoint: ep, Data: buf, Length: len(buf)}, timeout)
}

func (s *Session) bulkWait(h transport.Handle, t *transport.Transfer, timeout time.Duration) (int, error) {
	done := make(chan *transport.Transfer, 1)
	t.Callback = func(t *transport.Transfer) { done <- t }
	if err := h.Submit(t); err != nil {
		return 0, err
	}
	select {
	case t = <-done:
	case <-time.After(timeout):
		h.CancelAll()
		select {
		case t = <-done:
		case <-time.After(timeout):
			return 0, &transport.Error{Status: transport.StatusTimedOut, Op: "bulk transfer"}
		}
	}
	if t.Status != transport.StatusCompleted {
		return t.Actual, &transport.Error{Status: t.Status, Op: "bulk transfer"}
	}
	return t.Actual, nil
}
