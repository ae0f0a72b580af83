package topology

import (
	"fmt"

	"github.com/nmi/viommu/pci"
)

// Kind selects the shape of a device selector.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindPCI
	KindMMIO
)

// Selector identifies a device, or a contiguous range of devices, by the
// matching rule a topology producer described it with.
type Selector struct {
	Kind Kind

	// PCI: domain and inclusive BDF range.
	Segment  uint16
	BDFStart pci.BDF
	BDFEnd   pci.BDF

	// MMIO: physical base address.
	Base uint64
}

func (s Selector) String() string {
	switch s.Kind {
	case KindPCI:
		return fmt.Sprintf("pci %04x:%v-%v", s.Segment, s.BDFStart, s.BDFEnd)
	case KindMMIO:
		return fmt.Sprintf("mmio 0x%x", s.Base)
	}

	return "invalid"
}

// Device is a live system device being configured for DMA. Implementations
// must be comparable, the registry matches transports by identity as well as
// by selector.
type Device interface {
	// Selector returns the exact selector for this single device.
	Selector() Selector
}

// PCIDevice identifies a device by segment and BDF.
type PCIDevice struct {
	Segment uint16
	BDF     pci.BDF
}

func (d PCIDevice) Selector() Selector {
	return Selector{Kind: KindPCI, Segment: d.Segment, BDFStart: d.BDF, BDFEnd: d.BDF}
}

func (d PCIDevice) String() string {
	return fmt.Sprintf("%04x:%v", d.Segment, d.BDF)
}

// MMIODevice identifies a device by the base of its memory resource.
type MMIODevice struct {
	Base uint64
}

func (d MMIODevice) Selector() Selector {
	return Selector{Kind: KindMMIO, Base: d.Base}
}

func (d MMIODevice) String() string {
	return fmt.Sprintf("mmio 0x%x", d.Base)
}

// Matches reports whether dev falls inside the selector: segment and BDF
// membership for PCI ranges, exact base equality for MMIO.
func (s Selector) Matches(dev Device) bool {
	d := dev.Selector()

	switch {
	case s.Kind == KindPCI && d.Kind == KindPCI:
		return s.Segment == d.Segment &&
			d.BDFStart >= s.BDFStart && d.BDFStart <= s.BDFEnd
	case s.Kind == KindMMIO && d.Kind == KindMMIO:
		return s.Base == d.Base
	}

	return false
}

// TranslationOps is the operation set an IOMMU driver registers once it has
// probed its device. Its contents are opaque to this package.
type TranslationOps interface{}

// FWNode is an opaque handle to the IOMMU's firmware description. It is set
// and cleared together with the ops.
type FWNode interface{}

// IommuSpec describes one virtual IOMMU instance.
type IommuSpec struct {
	Selector Selector

	// OriginOffset is the node's byte offset within the firmware table it
	// came from, used to deduplicate firmware nodes. Specs discovered
	// through a device config region leave it zero.
	OriginOffset uint32

	// OwningDevice, Ops and FWNode stay unset until the IOMMU driver
	// attaches and calls Registry.SetTranslationOps.
	OwningDevice Device
	Ops          TranslationOps
	FWNode       FWNode
}

// EndpointSpec describes one endpoint or endpoint range and the IOMMU
// managing it. Iommu is always resolved before the spec is published.
type EndpointSpec struct {
	Selector Selector

	// EndpointIDBase is the id the IOMMU uses for the first device in the
	// selector's range.
	EndpointIDBase uint32

	Iommu *IommuSpec
}
