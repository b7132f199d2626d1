//go:build windows

package perfmon

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modpdh = windows.NewLazySystemDLL("pdh.dll")

	procPdhOpenQueryW               = modpdh.NewProc("PdhOpenQueryW")
	procPdhAddEnglishCounterW       = modpdh.NewProc("PdhAddEnglishCounterW")
	procPdhCollectQueryData         = modpdh.NewProc("PdhCollectQueryData")
	procPdhGetFormattedCounterValue = modpdh.NewProc("PdhGetFormattedCounterValue")
	procPdhEnumObjectItemsW         = modpdh.NewProc("PdhEnumObjectItemsW")
	procPdhValidatePathW            = modpdh.NewProc("PdhValidatePathW")
	procPdhCloseQuery               = modpdh.NewProc("PdhCloseQuery")
)

const (
	pdhOK                 = 0x00000000
	pdhMoreData           = 0x800007D2
	pdhCstatusNoObject    = 0xC0000BB8
	pdhCstatusNoCounter   = 0xC0000BB9
	pdhCstatusNoInstance  = 0x800007D1
	pdhInvalidData        = 0xC0000BC6
	pdhCstatusInvalidData = 0x800007D6
	pdhNoData             = 0x800007D5

	pdhFmtDouble   = 0x00000200
	pdhFmtNoCap100 = 0x00008000

	perfDetailWizard = 400
)

type pdhError uint32

func (e pdhError) Error() string {
	return fmt.Sprintf("pdh error 0x%08X", uint32(e))
}

type pdhFmtCounterValueDouble struct {
	CStatus     uint32
	_           uint32
	DoubleValue float64
}

// PDHFacility reads performance counters on local and remote Windows
// machines through the Performance Data Helper library.
type PDHFacility struct{}

// NewPDHFacility creates a PDH-backed facility.
func NewPDHFacility() *PDHFacility { return &PDHFacility{} }

func (f *PDHFacility) CategoryExists(_ context.Context, machine, category string) (bool, error) {
	_, _, status := enumObjectItems(machine, category, false)
	switch status {
	case pdhOK, pdhMoreData:
		return true, nil
	case pdhCstatusNoObject:
		return false, nil
	default:
		return false, pdhError(status)
	}
}

func (f *PDHFacility) CounterExists(_ context.Context, machine, category, counter string) (bool, error) {
	counters, _, status := enumObjectItems(machine, category, true)
	switch status {
	case pdhOK:
	case pdhCstatusNoObject:
		return false, nil
	default:
		return false, pdhError(status)
	}
	for _, c := range counters {
		if strings.EqualFold(c, counter) {
			return true, nil
		}
	}
	return false, nil
}

func (f *PDHFacility) CategoryType(_ context.Context, machine, category string) (CategoryType, error) {
	_, instances, status := enumObjectItems(machine, category, true)
	if status != pdhOK {
		return Unknown, pdhError(status)
	}
	if instances == nil {
		return SingleInstance, nil
	}
	return MultiInstance, nil
}

func (f *PDHFacility) InstanceNames(_ context.Context, machine, category string) ([]string, error) {
	_, instances, status := enumObjectItems(machine, category, true)
	if status != pdhOK {
		return nil, pdhError(status)
	}
	// PDH repeats the name of every process sharing an image name; number
	// the duplicates the way perfmon displays them.
	seen := make(map[string]int)
	out := make([]string, 0, len(instances))
	for _, name := range instances {
		n := seen[name]
		seen[name]++
		if n > 0 {
			name += "#" + strconv.Itoa(n)
		}
		out = append(out, name)
	}
	return out, nil
}

func (f *PDHFacility) Open(_ context.Context, machine, category, counter, instance string) (Handle, error) {
	path := counterPath(machine, category, counter, instance)
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	if r, _, _ := procPdhValidatePathW.Call(uintptr(unsafe.Pointer(p))); r != pdhOK {
		return nil, fmt.Errorf("%s: %w", path, classify(uint32(r)))
	}

	h := &pdhHandle{path: path}
	if r, _, _ := procPdhOpenQueryW.Call(0, 0, uintptr(unsafe.Pointer(&h.query))); r != pdhOK {
		return nil, fmt.Errorf("open query: %w", pdhError(r))
	}
	if r, _, _ := procPdhAddEnglishCounterW.Call(h.query, uintptr(unsafe.Pointer(p)), 0, uintptr(unsafe.Pointer(&h.counter))); r != pdhOK {
		_ = h.Close()
		return nil, fmt.Errorf("add counter %s: %w", path, classify(uint32(r)))
	}
	// Rate counters need a baseline collection.
	if r, _, _ := procPdhCollectQueryData.Call(h.query); r != pdhOK && r != pdhNoData {
		_ = h.Close()
		return nil, fmt.Errorf("collect %s: %w", path, pdhError(r))
	}
	return h, nil
}

type pdhHandle struct {
	path    string
	mu      sync.Mutex
	query   uintptr
	counter uintptr
}

func (h *pdhHandle) NextValue(context.Context) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.query == 0 {
		return 0, fmt.Errorf("%s: handle closed", h.path)
	}
	if r, _, _ := procPdhCollectQueryData.Call(h.query); r != pdhOK {
		return 0, fmt.Errorf("collect %s: %w", h.path, pdhError(r))
	}

	var typ uint32
	var value pdhFmtCounterValueDouble
	r, _, _ := procPdhGetFormattedCounterValue.Call(
		h.counter,
		pdhFmtDouble|pdhFmtNoCap100,
		uintptr(unsafe.Pointer(&typ)),
		uintptr(unsafe.Pointer(&value)))
	switch uint32(r) {
	case pdhOK:
	case pdhInvalidData, pdhCstatusInvalidData:
		return 0, nil
	default:
		return 0, fmt.Errorf("format %s: %w", h.path, classify(uint32(r)))
	}
	if value.CStatus != pdhOK && value.CStatus != pdhCstatusInvalidData {
		return 0, fmt.Errorf("%s: %w", h.path, classify(value.CStatus))
	}
	return value.DoubleValue, nil
}

func (h *pdhHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.query == 0 {
		return nil
	}
	r, _, _ := procPdhCloseQuery.Call(h.query)
	h.query, h.counter = 0, 0
	if r != pdhOK {
		return pdhError(r)
	}
	return nil
}

func counterPath(machine, category, counter, instance string) string {
	path := ""
	if machine != "" {
		path = `\\` + machine
	}
	path += `\` + category
	if instance != "" {
		path += "(" + instance + ")"
	}
	return path + `\` + counter
}

func classify(status uint32) error {
	switch status {
	case pdhCstatusNoObject, pdhCstatusNoCounter, pdhCstatusNoInstance:
		return fmt.Errorf("%w (%v)", ErrNotFound, pdhError(status))
	default:
		return pdhError(status)
	}
}

// enumObjectItems lists the counters and instances of an object. When
// fetch is false only the first sizing call is made, which is enough to
// learn whether the object exists.
func enumObjectItems(machine, category string, fetch bool) (counters, instances []string, status uint32) {
	var machinePtr *uint16
	if machine != "" {
		p, err := windows.UTF16PtrFromString(machine)
		if err != nil {
			return nil, nil, pdhCstatusNoObject
		}
		machinePtr = p
	}
	objectPtr, err := windows.UTF16PtrFromString(category)
	if err != nil {
		return nil, nil, pdhCstatusNoObject
	}

	var counterLen, instanceLen uint32
	r, _, _ := procPdhEnumObjectItemsW.Call(
		0,
		uintptr(unsafe.Pointer(machinePtr)),
		uintptr(unsafe.Pointer(objectPtr)),
		0, uintptr(unsafe.Pointer(&counterLen)),
		0, uintptr(unsafe.Pointer(&instanceLen)),
		perfDetailWizard, 0)
	if uint32(r) != pdhMoreData || !fetch {
		return nil, nil, uint32(r)
	}

	counterBuf := make([]uint16, counterLen+1)
	var instanceBuf []uint16
	var instancePtr *uint16
	if instanceLen > 0 {
		instanceBuf = make([]uint16, instanceLen+1)
		instancePtr = &instanceBuf[0]
	}
	r, _, _ = procPdhEnumObjectItemsW.Call(
		0,
		uintptr(unsafe.Pointer(machinePtr)),
		uintptr(unsafe.Pointer(objectPtr)),
		uintptr(unsafe.Pointer(&counterBuf[0])), uintptr(unsafe.Pointer(&counterLen)),
		uintptr(unsafe.Pointer(instancePtr)), uintptr(unsafe.Pointer(&instanceLen)),
		perfDetailWizard, 0)
	if uint32(r) != pdhOK {
		return nil, nil, uint32(r)
	}

	counters = splitMultiSZ(counterBuf)
	if instanceBuf != nil {
		instances = splitMultiSZ(instanceBuf)
		if instances == nil {
			instances = []string{}
		}
	}
	return counters, instances, pdhOK
}

// splitMultiSZ splits a double-NUL-terminated UTF-16 string list.
func splitMultiSZ(buf []uint16) []string {
	var out []string
	start := 0
	for i, c := range buf {
		if c != 0 {
			continue
		}
		if i == start {
			break
		}
		out = append(out, windows.UTF16ToString(buf[start:i]))
		start = i + 1
	}
	return out
}
