package virtio

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nmi/viommu/pci"
	"github.com/nmi/viommu/record"
	"github.com/nmi/viommu/topology"
)

// Virtio structure types carried in vendor capabilities.
const (
	CapCommonCfg uint8 = 1
	CapDeviceCfg uint8 = 4
	CapPCICfg    uint8 = 5
)

// Field offsets within a vendor capability (virtio_pci_cap).
const (
	capCfgType = 3
	capBar     = 4
	capOffset  = 8
	capLength  = 12
)

// Common configuration registers.
const (
	commonDeviceFeatureSelect = 0
	commonDeviceFeature       = 4
)

// FeatureTopology is bit 8 of device feature word 0: the device describes
// its managed endpoints in the device config structure.
const FeatureTopology uint32 = 1 << 8

// Topology descriptor within the device config structure.
const (
	topoConfigOffset   = 36
	topoConfigNumItems = 38
)

// Topology item types.
const (
	TopoPCIRange uint8 = 1
	TopoMMIO     uint8 = 2
)

// Minimum item lengths, sub-header included. The item layouts mirror the
// firmware table but order the fields differently and carry no output node,
// the transport device itself is the only IOMMU here.
const (
	topoPCIRangeSize = 14
	topoMMIOSize     = 16
)

// ErrOverflow is a topology item falling outside the config region.
var ErrOverflow = errors.New("topology item outside the config region")

// BARRegion is a windowed view of one BAR of the transport. Every access
// goes to the device, so fields should be read once.
type BARRegion interface {
	record.Region
	WriteU32(off uint32, v uint32) error
}

// Transport is the PCI device of a virtio-iommu whose driver has not loaded
// yet, so configuration space and BARs are accessed directly.
type Transport interface {
	ConfigRead8(off uint16) (uint8, error)
	ConfigRead16(off uint16) (uint16, error)
	ConfigRead32(off uint16) (uint32, error)

	// MapBAR opens a windowed view over a whole BAR.
	MapBAR(bar uint8) (BARRegion, error)

	// Device identifies the transport in the topology.
	Device() topology.Device
}

// CapConfig locates a virtio structure inside a BAR.
type CapConfig struct {
	Bar    uint8
	Offset uint32
	Length uint32
}

// A 256 byte config space fits at most ~60 capabilities; the cap below only
// guards against next-pointer loops.
const maxCapabilities = 64

// FindCapability walks the vendor-specific capability list for a virtio
// structure of the given type.
func FindCapability(t Transport, cfgType uint8) (CapConfig, bool, error) {
	status, err := t.ConfigRead16(pci.RegStatus)
	if err != nil {
		return CapConfig{}, false, err
	}

	if status&pci.StatusCapList == 0 {
		return CapConfig{}, false, nil
	}

	pos, err := t.ConfigRead8(pci.RegCapPointer)
	if err != nil {
		return CapConfig{}, false, err
	}

	for n := 0; pos != 0 && n < maxCapabilities; n++ {
		id, err := t.ConfigRead8(uint16(pos))
		if err != nil {
			return CapConfig{}, false, err
		}

		next, err := t.ConfigRead8(uint16(pos) + 1)
		if err != nil {
			return CapConfig{}, false, err
		}

		if id != pci.CapIDVendor {
			pos = next

			continue
		}

		typ, err := t.ConfigRead8(uint16(pos) + capCfgType)
		if err != nil {
			return CapConfig{}, false, err
		}

		if typ != cfgType {
			pos = next

			continue
		}

		bar, err := t.ConfigRead8(uint16(pos) + capBar)
		if err != nil {
			return CapConfig{}, false, err
		}

		// Ignore structures with reserved BAR values.
		if typ != CapPCICfg && bar > 5 {
			pos = next

			continue
		}

		off, err := t.ConfigRead32(uint16(pos) + capOffset)
		if err != nil {
			return CapConfig{}, false, err
		}

		length, err := t.ConfigRead32(uint16(pos) + capLength)
		if err != nil {
			return CapConfig{}, false, err
		}

		return CapConfig{Bar: bar, Offset: off, Length: length}, true, nil
	}

	return CapConfig{}, false, nil
}

// ParseTopology discovers the endpoint topology a virtio-iommu device
// describes in its config region and publishes it to reg. Publication is
// atomic per transport: a malformed region registers nothing.
func ParseTopology(t Transport, reg *topology.Registry, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	c, ok, err := FindCapability(t, CapCommonCfg)
	if err != nil {
		return err
	}

	if !ok {
		log.Warn("common config capability not found")

		return nil
	}

	bar, err := t.MapBAR(c.Bar)
	if err != nil {
		return err
	}

	// Feature bits are exposed 32 at a time through a select register.
	if err := bar.WriteU32(c.Offset+commonDeviceFeatureSelect, 0); err != nil {
		return err
	}

	features, err := bar.ReadU32(c.Offset + commonDeviceFeature)
	if err != nil {
		return err
	}

	if features&FeatureTopology == 0 {
		log.Debug("device has no topology description")

		return nil
	}

	c, ok, err = FindCapability(t, CapDeviceCfg)
	if err != nil {
		return err
	}

	if !ok {
		log.Warn("device config capability not found")

		return nil
	}

	bar, err = t.MapBAR(c.Bar)
	if err != nil {
		return err
	}

	if c.Offset >= bar.Size() {
		return fmt.Errorf("device config at 0x%x in a 0x%x byte BAR: %w",
			c.Offset, bar.Size(), ErrOverflow)
	}

	cfg := record.Window(bar, c.Offset, bar.Size()-c.Offset)

	return parseTopology(t.Device(), cfg, reg, log)
}

func parseTopology(dev topology.Device, cfg record.Region, reg *topology.Registry, log *zap.Logger) error {
	offset, err := cfg.ReadU16(topoConfigOffset)
	if err != nil {
		return err
	}

	numItems, err := cfg.ReadU16(topoConfigNumItems)
	if err != nil {
		return err
	}

	if offset == 0 || numItems == 0 {
		log.Debug("empty topology descriptor")

		return nil
	}

	// Exactly one IOMMU per config region: the transport itself. Created
	// up front, published only if the whole walk succeeds.
	iommu := &topology.IommuSpec{
		Selector:     dev.Selector(),
		OwningDevice: dev,
	}

	maxLen := cfg.Size()
	endpoints := []*topology.EndpointSpec{}
	cur := uint32(offset)

	for i := 0; i < int(numItems); i++ {
		rec, err := record.At(cfg, 0, maxLen, cur)
		if err != nil {
			log.Error("discarding topology",
				zap.Int("item", i), zap.Uint32("offset", cur), zap.Error(err))

			return fmt.Errorf("item %d at 0x%x: %w", i, cur, ErrOverflow)
		}

		if uint64(cur)+uint64(rec.Length) > uint64(maxLen) {
			log.Error("discarding topology",
				zap.Int("item", i),
				zap.Uint32("offset", cur),
				zap.Uint16("length", rec.Length))

			return fmt.Errorf("item %d at 0x%x declares %d bytes: %w",
				i, cur, rec.Length, ErrOverflow)
		}

		ep, err := parseItem(rec)
		if err != nil {
			log.Error("discarding topology",
				zap.Int("item", i),
				zap.Uint32("offset", cur),
				zap.Uint8("type", rec.Type),
				zap.Uint16("length", rec.Length),
				zap.Error(err))

			return err
		}

		if ep != nil {
			ep.Iommu = iommu
			endpoints = append(endpoints, ep)
		}

		cur += uint32(rec.Length)
	}

	reg.AddIommuSpec(iommu)

	for _, ep := range endpoints {
		reg.AddEndpointSpec(ep)
	}

	log.Info("virtio-iommu topology registered",
		zap.Stringer("iommu", iommu.Selector),
		zap.Int("endpoints", len(endpoints)))

	return nil
}

// parseItem builds an endpoint spec from one topology item. Unknown item
// types are not applicable rather than an error, the walk goes on.
func parseItem(rec record.Record) (*topology.EndpointSpec, error) {
	switch rec.Type {
	case TopoPCIRange:
		if err := rec.Require(topoPCIRangeSize); err != nil {
			return nil, err
		}

		segment, err := rec.U16(4)
		if err != nil {
			return nil, err
		}

		bdfStart, err := rec.U16(6)
		if err != nil {
			return nil, err
		}

		bdfEnd, err := rec.U16(8)
		if err != nil {
			return nil, err
		}

		endpointStart, err := rec.U32(10)
		if err != nil {
			return nil, err
		}

		return &topology.EndpointSpec{
			Selector: topology.Selector{
				Kind:     topology.KindPCI,
				Segment:  segment,
				BDFStart: pci.BDF(bdfStart),
				BDFEnd:   pci.BDF(bdfEnd),
			},
			EndpointIDBase: endpointStart,
		}, nil
	case TopoMMIO:
		if err := rec.Require(topoMMIOSize); err != nil {
			return nil, err
		}

		base, err := rec.U64(4)
		if err != nil {
			return nil, err
		}

		endpoint, err := rec.U32(12)
		if err != nil {
			return nil, err
		}

		return &topology.EndpointSpec{
			Selector:       topology.Selector{Kind: topology.KindMMIO, Base: base},
			EndpointIDBase: endpoint,
		}, nil
	default:
		return nil, nil
	}
}
