//go:build linux

package regio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// spidev ioctl numbers, see linux/spi/spidev.h.
const (
	spiIOCWrMode        = 0x40016b01
	spiIOCWrBitsPerWord = 0x40016b03
	spiIOCWrMaxSpeedHz  = 0x40046b04
	spiIOCMessage1      = 0x40206b00
)

// spiIOCTransfer mirrors struct spi_ioc_transfer.
type spiIOCTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// Spidev is a Bus backed by a Linux /dev/spidevB.C character device.
type Spidev struct {
	fd      int
	path    string
	speedHz uint32
}

// OpenSpidev opens path and configures SPI mode (0..3), 8 bits per word and
// the maximum clock rate.
func OpenSpidev(path string, mode uint8, speedHz uint32) (*Spidev, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	d := &Spidev{fd: fd, path: path, speedHz: speedHz}

	bitsPerWord := uint8(8)
	if err := d.ioctl(spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		d.Close()
		return nil, fmt.Errorf("set spi mode on %s: %w", path, err)
	}
	if err := d.ioctl(spiIOCWrBitsPerWord, unsafe.Pointer(&bitsPerWord)); err != nil {
		d.Close()
		return nil, fmt.Errorf("set bits per word on %s: %w", path, err)
	}
	if err := d.ioctl(spiIOCWrMaxSpeedHz, unsafe.Pointer(&speedHz)); err != nil {
		d.Close()
		return nil, fmt.Errorf("set speed on %s: %w", path, err)
	}
	return d, nil
}

func (d *Spidev) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Tx implements Bus with a single SPI_IOC_MESSAGE(1) transfer.
func (d *Spidev) Tx(w, r []byte) error {
	if len(w) == 0 {
		return nil
	}
	if len(r) < len(w) {
		return fmt.Errorf("spidev %s: receive buffer shorter than transmit", d.path)
	}
	xfer := spiIOCTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&w[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&r[0]))),
		length:      uint32(len(w)),
		speedHz:     d.speedHz,
		bitsPerWord: 8,
	}
	if err := d.ioctl(spiIOCMessage1, unsafe.Pointer(&xfer)); err != nil {
		return fmt.Errorf("spidev %s transfer: %w", d.path, err)
	}
	return nil
}

// Close releases the file descriptor.
func (d *Spidev) Close() error {
	return unix.Close(d.fd)
}
