// Package index compiles aggregated traces into a random-access binary index
// and reads them back.
//
// Layout (every number is an unsigned little-endian integer of Layout.Width bytes):
//
//	header:            version, headerPosition, functionCount
//	function table:    functionCount x address
//	function record:   line, selfCost, inclusiveCost, invocationCount,
//	                   calledFromCount, subCallCount,
//	                   calledFromCount x {function, line, callCount, summedCost},
//	                   subCallCount    x {function, line, callCount, summedCost},
//	                   file "\n", name "\n"
//	header block:      "key: value\n" ...
//
// Values wider than the layout are truncated on write.
package index

import (
	"encoding/binary"
	"fmt"
)

const (
	headerFields = 3
	fixedFields  = 6
	edgeFields   = 4
)

// Layout is one revision of the binary format.
type Layout struct {
	Name    string
	Version uint64
	Width   int
}

var (
	// Compact stores 32-bit numbers.
	Compact = Layout{Name: "compact", Version: 8, Width: 4}
	// Wide stores 64-bit numbers.
	Wide = Layout{Name: "wide", Version: 9, Width: 8}
)

// LayoutByName returns the layout registered under name.
func LayoutByName(name string) (Layout, error) {
	switch name {
	case Compact.Name:
		return Compact, nil
	case Wide.Name:
		return Wide, nil
	default:
		return Layout{}, fmt.Errorf("unknown index layout %q", name)
	}
}

func (l Layout) String() string {
	return fmt.Sprintf("%s(v%d, %d-byte)", l.Name, l.Version, l.Width)
}

func (l Layout) put(b []byte, v uint64) {
	if l.Width == 4 {
		binary.LittleEndian.PutUint32(b, uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(b, v)
}

func (l Layout) get(b []byte) uint64 {
	if l.Width == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

// encode packs numbers into a fresh buffer.
func (l Layout) encode(vs ...uint64) []byte {
	b := make([]byte, len(vs)*l.Width)
	for i, v := range vs {
		l.put(b[i*l.Width:], v)
	}
	return b
}

// decode unpacks len(b)/Width numbers.
func (l Layout) decode(b []byte) []uint64 {
	vs := make([]uint64, len(b)/l.Width)
	for i := range vs {
		vs[i] = l.get(b[i*l.Width:])
	}
	return vs
}

func (l Layout) tableOffset() int64 { return int64(headerFields * l.Width) }
func (l Layout) fixedSize() int64   { return int64(fixedFields * l.Width) }
func (l Layout) edgeSize() int64    { return int64(edgeFields * l.Width) }
