package virtio_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/nmi/viommu/pci"
	"github.com/nmi/viommu/record"
	"github.com/nmi/viommu/topology"
	"github.com/nmi/viommu/virtio"
)

type memBAR []byte

func (m memBAR) Size() uint32 { return uint32(len(m)) }

func (m memBAR) ReadU8(off uint32) (uint8, error) { return record.Bytes(m).ReadU8(off) }

func (m memBAR) ReadU16(off uint32) (uint16, error) { return record.Bytes(m).ReadU16(off) }

func (m memBAR) ReadU32(off uint32) (uint32, error) { return record.Bytes(m).ReadU32(off) }

func (m memBAR) ReadU64(off uint32) (uint64, error) { return record.Bytes(m).ReadU64(off) }

func (m memBAR) WriteU32(off uint32, v uint32) error {
	if uint64(off)+4 > uint64(len(m)) {
		return record.ErrOutOfBounds
	}

	binary.LittleEndian.PutUint32(m[off:], v)

	return nil
}

type memTransport struct {
	config []byte
	bars   map[uint8]memBAR
	dev    topology.Device
}

func (t *memTransport) ConfigRead8(off uint16) (uint8, error) {
	if int(off) >= len(t.config) {
		return 0, record.ErrOutOfBounds
	}

	return t.config[off], nil
}

func (t *memTransport) ConfigRead16(off uint16) (uint16, error) {
	if int(off)+2 > len(t.config) {
		return 0, record.ErrOutOfBounds
	}

	return uint16(pci.BytesToNum(t.config[off : off+2])), nil
}

func (t *memTransport) ConfigRead32(off uint16) (uint32, error) {
	if int(off)+4 > len(t.config) {
		return 0, record.ErrOutOfBounds
	}

	return uint32(pci.BytesToNum(t.config[off : off+4])), nil
}

func (t *memTransport) MapBAR(bar uint8) (virtio.BARRegion, error) {
	b, ok := t.bars[bar]
	if !ok {
		return nil, fmt.Errorf("BAR %d not mapped", bar)
	}

	return b, nil
}

func (t *memTransport) Device() topology.Device { return t.dev }

func vendorCap(cfgType, bar uint8, offset, length uint32) []byte {
	b := []byte{pci.CapIDVendor, 0, 16, cfgType, bar, 0, 0, 0}
	b = append(b, pci.NumToBytes(offset)...)
	b = append(b, pci.NumToBytes(length)...)

	return b
}

func buildConfig(caps ...[]byte) []byte {
	cfg := make([]byte, 256)
	binary.LittleEndian.PutUint16(cfg[pci.RegStatus:], pci.StatusCapList)

	pos := 0x40
	cfg[pci.RegCapPointer] = byte(pos)

	for i, c := range caps {
		copy(cfg[pos:], c)

		if i < len(caps)-1 {
			cfg[pos+1] = byte(pos + len(c))
		}

		pos += len(c)
	}

	return cfg
}

func pciRangeItem(segment, bdfStart, bdfEnd uint16, epStart uint32) []byte {
	b := []byte{virtio.TopoPCIRange, 0}
	b = append(b, pci.NumToBytes(uint16(14))...)
	b = append(b, pci.NumToBytes(segment)...)
	b = append(b, pci.NumToBytes(bdfStart)...)
	b = append(b, pci.NumToBytes(bdfEnd)...)
	b = append(b, pci.NumToBytes(epStart)...)

	return b
}

func mmioItem(base uint64, endpoint uint32) []byte {
	b := []byte{virtio.TopoMMIO, 0}
	b = append(b, pci.NumToBytes(uint16(16))...)
	b = append(b, pci.NumToBytes(base)...)
	b = append(b, pci.NumToBytes(endpoint)...)

	return b
}

const (
	commonOff = 0x00
	deviceOff = 0x100
	itemsOff  = 64 // within the device config structure
)

// newTransport builds a transport whose BAR 0 holds a common config at 0x0
// and a device config at 0x100, with the given topology items.
func newTransport(features uint32, items ...[]byte) *memTransport {
	bar := make(memBAR, 0x200)
	binary.LittleEndian.PutUint32(bar[commonOff+4:], features)

	if len(items) > 0 {
		binary.LittleEndian.PutUint16(bar[deviceOff+36:], itemsOff)
		binary.LittleEndian.PutUint16(bar[deviceOff+38:], uint16(len(items)))

		pos := deviceOff + itemsOff
		for _, item := range items {
			copy(bar[pos:], item)
			pos += len(item)
		}
	}

	return &memTransport{
		config: buildConfig(
			vendorCap(virtio.CapCommonCfg, 0, commonOff, 8),
			vendorCap(virtio.CapDeviceCfg, 0, deviceOff, 0x100),
		),
		bars: map[uint8]memBAR{0: bar},
		dev:  topology.PCIDevice{Segment: 0, BDF: pci.NewBDF(0, 1, 0)},
	}
}

func TestFindCapability(t *testing.T) {
	t.Parallel()

	tr := newTransport(virtio.FeatureTopology)

	c, ok, err := virtio.FindCapability(tr, virtio.CapDeviceCfg)
	if err != nil {
		t.Fatal(err)
	}

	if !ok {
		t.Fatal("expected the device config capability to be found")
	}

	if expected := uint32(deviceOff); c.Offset != expected {
		t.Fatalf("expected: %v, actual: %v", expected, c.Offset)
	}

	if _, ok, err := virtio.FindCapability(tr, virtio.CapPCICfg); err != nil || ok {
		t.Fatalf("expected no PCI config capability, actual: %v, %v", ok, err)
	}
}

func TestFindCapabilitySkipsReservedBAR(t *testing.T) {
	t.Parallel()

	tr := &memTransport{
		config: buildConfig(
			vendorCap(virtio.CapCommonCfg, 6, 0, 8), // reserved BAR value
			vendorCap(virtio.CapCommonCfg, 2, 0x80, 8),
		),
	}

	c, ok, err := virtio.FindCapability(tr, virtio.CapCommonCfg)
	if err != nil {
		t.Fatal(err)
	}

	if !ok {
		t.Fatal("expected a usable common config capability")
	}

	if expected := uint8(2); c.Bar != expected {
		t.Fatalf("expected: %v, actual: %v", expected, c.Bar)
	}
}

func TestParseTopology(t *testing.T) {
	t.Parallel()

	tr := newTransport(virtio.FeatureTopology,
		pciRangeItem(0, 0x10, 0x1f, 100),
		mmioItem(0xfee00000, 42),
	)

	reg := topology.New(nil)

	if err := virtio.ParseTopology(tr, reg, nil); err != nil {
		t.Fatal(err)
	}

	iommus := reg.Iommus()
	if expected := 1; len(iommus) != expected {
		t.Fatalf("expected: %v, actual: %v", expected, len(iommus))
	}

	if iommus[0].OwningDevice != tr.dev {
		t.Fatalf("expected: %v, actual: %v", tr.dev, iommus[0].OwningDevice)
	}

	if expected := tr.dev.Selector(); iommus[0].Selector != expected {
		t.Fatalf("expected: %v, actual: %v", expected, iommus[0].Selector)
	}

	eps := reg.Endpoints()
	if expected := 2; len(eps) != expected {
		t.Fatalf("expected: %v, actual: %v", expected, len(eps))
	}

	for i, ep := range eps {
		if ep.Iommu != iommus[0] {
			t.Fatalf("endpoint %d: expected: %p, actual: %p", i, iommus[0], ep.Iommu)
		}
	}

	if expected := uint32(100); eps[0].EndpointIDBase != expected {
		t.Fatalf("expected: %v, actual: %v", expected, eps[0].EndpointIDBase)
	}

	expectedSel := topology.Selector{Kind: topology.KindMMIO, Base: 0xfee00000}
	if eps[1].Selector != expectedSel {
		t.Fatalf("expected: %v, actual: %v", expectedSel, eps[1].Selector)
	}
}

func TestParseTopologyOverflowRollsBack(t *testing.T) {
	t.Parallel()

	// Item 2 declares a length running past the config region.
	bad := mmioItem(0xfee00000, 42)
	binary.LittleEndian.PutUint16(bad[2:], 0x100)

	tr := newTransport(virtio.FeatureTopology,
		pciRangeItem(0, 0x10, 0x1f, 100),
		pciRangeItem(0, 0x20, 0x2f, 200),
		bad,
	)

	reg := topology.New(nil)

	if err := virtio.ParseTopology(tr, reg, nil); !errors.Is(err, virtio.ErrOverflow) {
		t.Fatalf("expected: %v, actual: %v", virtio.ErrOverflow, err)
	}

	// All-or-nothing: items 0 and 1 must not be visible either.
	if expected := 0; len(reg.Iommus()) != expected {
		t.Fatalf("expected: %v, actual: %v", expected, len(reg.Iommus()))
	}

	if expected := 0; len(reg.Endpoints()) != expected {
		t.Fatalf("expected: %v, actual: %v", expected, len(reg.Endpoints()))
	}
}

func TestParseTopologyShortItemRollsBack(t *testing.T) {
	t.Parallel()

	short := pciRangeItem(0, 0x20, 0x2f, 200)
	binary.LittleEndian.PutUint16(short[2:], 8)

	tr := newTransport(virtio.FeatureTopology,
		pciRangeItem(0, 0x10, 0x1f, 100),
		short,
	)

	reg := topology.New(nil)

	if err := virtio.ParseTopology(tr, reg, nil); !errors.Is(err, record.ErrTooShort) {
		t.Fatalf("expected: %v, actual: %v", record.ErrTooShort, err)
	}

	if expected := 0; len(reg.Endpoints()) != expected {
		t.Fatalf("expected: %v, actual: %v", expected, len(reg.Endpoints()))
	}
}

func TestParseTopologySkipsUnknownItem(t *testing.T) {
	t.Parallel()

	unknown := []byte{0x7f, 0, 8, 0, 0xde, 0xad, 0xbe, 0xef}

	tr := newTransport(virtio.FeatureTopology,
		pciRangeItem(0, 0x10, 0x1f, 100),
		unknown,
		mmioItem(0xfee00000, 42),
	)

	reg := topology.New(nil)

	if err := virtio.ParseTopology(tr, reg, nil); err != nil {
		t.Fatal(err)
	}

	if expected := 2; len(reg.Endpoints()) != expected {
		t.Fatalf("expected: %v, actual: %v", expected, len(reg.Endpoints()))
	}
}

func TestParseTopologyFeatureAbsent(t *testing.T) {
	t.Parallel()

	tr := newTransport(0, pciRangeItem(0, 0x10, 0x1f, 100))
	reg := topology.New(nil)

	if err := virtio.ParseTopology(tr, reg, nil); err != nil {
		t.Fatal(err)
	}

	if expected := 0; len(reg.Iommus()) != expected {
		t.Fatalf("expected: %v, actual: %v", expected, len(reg.Iommus()))
	}
}

func TestParseTopologyNoCapabilities(t *testing.T) {
	t.Parallel()

	tr := &memTransport{config: make([]byte, 256)}
	reg := topology.New(nil)

	if err := virtio.ParseTopology(tr, reg, nil); err != nil {
		t.Fatal(err)
	}

	if expected := 0; len(reg.Iommus()) != expected {
		t.Fatalf("expected: %v, actual: %v", expected, len(reg.Iommus()))
	}
}

func TestParseTopologyEmptyDescriptor(t *testing.T) {
	t.Parallel()

	tr := newTransport(virtio.FeatureTopology)
	reg := topology.New(nil)

	if err := virtio.ParseTopology(tr, reg, nil); err != nil {
		t.Fatal(err)
	}

	if expected := 0; len(reg.Iommus()) != expected {
		t.Fatalf("expected: %v, actual: %v", expected, len(reg.Iommus()))
	}
}
