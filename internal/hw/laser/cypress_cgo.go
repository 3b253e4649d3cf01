//go:build linux && cgo && cyusbserial

package laser

/*
#cgo LDFLAGS: -lcyusbserial
#include <stdbool.h>
#include <stdlib.h>
#include <CyUSBSerial.h>
*/
import "C"

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/lfi-playground/lfi-demo/internal/hw"
)

// CypressBackend reports whether this build can drive the pulser bridge.
const CypressBackend = true

const (
	cypressVID = 0x04B4
	cypressPID = 0x0004

	// The first CyOpen after the kernel driver detaches sometimes fails.
	cypressOpenAttempts = 3
	cypressI2CTimeoutMs = 1000
)

// cyError is a CY_RETURN_STATUS other than CY_SUCCESS.
type cyError struct {
	op   string
	code C.CY_RETURN_STATUS
}

func (e *cyError) Error() string {
	return fmt.Sprintf("%s: cyusbserial status %d", e.op, int(e.code))
}

func cyCheck(op string, ret C.CY_RETURN_STATUS) error {
	if ret == C.CY_SUCCESS {
		return nil
	}
	return &cyError{op: op, code: ret}
}

// cypressBridge is a CY7C65211 opened through libcyusbserial.
type cypressBridge struct {
	mu     sync.Mutex
	handle C.CY_HANDLE
	name   string
	closed bool
}

// OpenCypress finds the first CY7C65211 on the USB bus, opens it and resets
// both I2C engines. It returns an error wrapping hw.ErrDeviceNotFound when no
// bridge is attached.
func OpenCypress() (Bridge, error) {
	if err := cyCheck("CyLibraryInit", C.CyLibraryInit()); err != nil {
		return nil, err
	}
	b, err := openCypress()
	if err != nil {
		C.CyLibraryExit()
		return nil, err
	}
	return b, nil
}

func openCypress() (*cypressBridge, error) {
	var n C.UINT8
	if err := cyCheck("CyGetListofDevices", C.CyGetListofDevices(&n)); err != nil {
		return nil, err
	}

	var info C.CY_DEVICE_INFO
	index := -1
	for i := 0; i < int(n); i++ {
		ret := C.CyGetDeviceInfo(C.UINT8(i), &info)
		if ret != C.CY_SUCCESS && ret != C.CY_ERROR_ACCESS_DENIED {
			return nil, cyCheck("CyGetDeviceInfo", ret)
		}
		if info.vidPid.vid == cypressVID && info.vidPid.pid == cypressPID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: no CY7C65211 bridge (%04x:%04x)", hw.ErrDeviceNotFound, cypressVID, cypressPID)
	}
	name := C.GoString((*C.char)(unsafe.Pointer(&info.productName[0])))

	var handle C.CY_HANDLE
	ret := C.CY_RETURN_STATUS(C.CY_SUCCESS)
	for attempt := 0; attempt < cypressOpenAttempts; attempt++ {
		if ret = C.CyOpen(C.UINT8(index), 0, &handle); ret == C.CY_SUCCESS {
			break
		}
	}
	if err := cyCheck("CyOpen", ret); err != nil {
		return nil, err
	}

	b := &cypressBridge{handle: handle, name: strings.TrimSpace(name)}
	for _, mode := range []bool{false, true} {
		if err := cyCheck("CyI2cReset", C.CyI2cReset(handle, C.BOOL(mode))); err != nil {
			C.CyClose(handle)
			return nil, err
		}
	}
	return b, nil
}

func (b *cypressBridge) Name() string { return b.name }

func (b *cypressBridge) SetGPIO(pin int, high bool) error {
	var v C.UINT8
	if high {
		v = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return hw.ErrNotSetUp
	}
	return cyCheck("CySetGpioValue", C.CySetGpioValue(b.handle, C.UINT8(pin), v))
}

func (b *cypressBridge) WriteI2C(addr uint8, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	buf := C.CBytes(data)
	defer C.free(buf)

	cfg := C.CY_I2C_DATA_CONFIG{
		slaveAddress: C.UCHAR(addr),
		isStopBit:    true,
		isNakBit:     false,
	}
	db := C.CY_DATA_BUFFER{
		buffer: (*C.UCHAR)(buf),
		length: C.UINT32(len(data)),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return hw.ErrNotSetUp
	}
	return cyCheck("CyI2cWrite", C.CyI2cWrite(b.handle, &cfg, &db, cypressI2CTimeoutMs))
}

// Close hands the interface back to the kernel driver.
func (b *cypressBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := cyCheck("CyClose", C.CyClose(b.handle))
	C.CyLibraryExit()
	return err
}
