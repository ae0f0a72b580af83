package viot

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nmi/viommu/acpi"
	"github.com/nmi/viommu/pci"
	"github.com/nmi/viommu/record"
	"github.com/nmi/viommu/topology"
)

var (
	// ErrNotFound reports an absent table. Machines without virtualized
	// IOMMU topology hit this on every boot, so it never surfaces past
	// Discover.
	ErrNotFound = errors.New("no VIOT table")

	// ErrInvalidOffset is a node array starting inside the table header.
	ErrInvalidOffset = errors.New("node array starts inside the table header")

	// ErrOverflow is a node falling outside the table bounds.
	ErrOverflow = errors.New("node outside the table bounds")

	// ErrEmptyRecord is a node declaring fewer bytes than its own
	// sub-header. Advancing by such a length would stall the walk.
	ErrEmptyRecord = errors.New("node shorter than its own header")

	// ErrUnresolvedIommu is an endpoint referencing a missing or
	// malformed IOMMU node.
	ErrUnresolvedIommu = errors.New("endpoint references an unusable iommu node")
)

// TableLocator finds a mapped firmware table by signature, reporting absence
// with ErrNotFound.
type TableLocator interface {
	Locate(sig acpi.Signature) ([]byte, error)
}

// Discover locates the VIOT table and parses it into reg. A missing table is
// not an error.
func Discover(loc TableLocator, reg *topology.Registry, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	buf, err := loc.Locate(acpi.SigVIOT)
	if errors.Is(err, ErrNotFound) {
		log.Debug("no VIOT table present")

		return nil
	}

	if err != nil {
		return fmt.Errorf("locating VIOT table: %w", err)
	}

	return Parse(buf, reg, log)
}

// Minimum node lengths, sub-header included.
const (
	pciRangeNodeSize        = 20
	mmioNodeSize            = 20
	virtioIommuPCINodeSize  = 8
	virtioIommuMMIONodeSize = 16
)

// Table header fields past the common ACPI header.
const (
	hdrLength     = 4
	hdrNodeOffset = 36
	hdrNodeCount  = 40
)

type parser struct {
	table      record.Region
	start, end uint32
	reg        *topology.Registry
	log        *zap.Logger
}

// Parse walks the node array of a mapped VIOT table, publishing each spec to
// reg as soon as it is built. The walk stops at the first structural
// violation: cursor advancement trusts the declared node length, so one
// corrupt node invalidates everything after it. Specs published before the
// stop stay registered (best-effort partial topology).
func Parse(buf []byte, reg *topology.Registry, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	table := record.Bytes(buf)

	length, err := table.ReadU32(hdrLength)
	if err != nil {
		return fmt.Errorf("table header: %w", err)
	}

	if uint64(length) > uint64(len(buf)) {
		return fmt.Errorf("table declares 0x%x bytes, mapped 0x%x: %w",
			length, len(buf), ErrOverflow)
	}

	nodeOffset, err := table.ReadU32(hdrNodeOffset)
	if err != nil {
		return fmt.Errorf("table header: %w", err)
	}

	nodeCount, err := table.ReadU32(hdrNodeCount)
	if err != nil {
		return fmt.Errorf("table header: %w", err)
	}

	if nodeOffset < acpi.ViotHeaderSize {
		log.Error("bad VIOT table", zap.Uint32("nodeOffset", nodeOffset))

		return fmt.Errorf("node array at 0x%x: %w", nodeOffset, ErrInvalidOffset)
	}

	p := &parser{table: table, start: nodeOffset, end: length, reg: reg, log: log}

	cur := nodeOffset

	for i := uint32(0); i < nodeCount; i++ {
		rec, err := p.node(cur)
		if err != nil {
			log.Error("stopping VIOT walk", zap.Uint32("offset", cur), zap.Error(err))

			return err
		}

		if err := p.parseNode(rec); err != nil {
			log.Error("stopping VIOT walk",
				zap.Uint32("offset", cur),
				zap.Uint8("type", rec.Type),
				zap.Uint16("length", rec.Length),
				zap.Error(err))

			return err
		}

		cur += uint32(rec.Length)
	}

	return nil
}

// node reads and validates the sub-header of the node at off. The node must
// start inside the node array and must declare at least its own sub-header.
func (p *parser) node(off uint32) (record.Record, error) {
	rec, err := record.At(p.table, p.start, p.end, off)
	if err != nil {
		return record.Record{}, fmt.Errorf("node at 0x%x: %w", off, ErrOverflow)
	}

	if rec.Length < record.HeaderSize {
		return record.Record{}, fmt.Errorf("node at 0x%x declares %d bytes: %w",
			off, rec.Length, ErrEmptyRecord)
	}

	return rec, nil
}

func (p *parser) parseNode(rec record.Record) error {
	switch rec.Type {
	case acpi.ViotNodePCIRange:
		return p.parsePCIRange(rec)
	case acpi.ViotNodeMMIO:
		return p.parseMMIO(rec)
	case acpi.ViotNodeVirtioIommuPCI, acpi.ViotNodeVirtioIommuMMIO:
		// IOMMU nodes are parsed when an endpoint references them.
		return nil
	default:
		// Unknown node kinds are tolerated, newer tables may carry
		// types this parser has never heard of.
		p.log.Debug("skipping unknown node",
			zap.Uint8("type", rec.Type), zap.Uint32("offset", rec.Offset()))

		return nil
	}
}

func (p *parser) parsePCIRange(rec record.Record) error {
	if err := rec.Require(pciRangeNodeSize); err != nil {
		return err
	}

	segment, err := rec.U16(4)
	if err != nil {
		return err
	}

	bdfStart, err := rec.U16(6)
	if err != nil {
		return err
	}

	bdfEnd, err := rec.U16(8)
	if err != nil {
		return err
	}

	outputNode, err := rec.U16(10)
	if err != nil {
		return err
	}

	endpointStart, err := rec.U32(16)
	if err != nil {
		return err
	}

	iommu, err := p.iommuAt(uint32(outputNode))
	if err != nil {
		return err
	}

	p.reg.AddEndpointSpec(&topology.EndpointSpec{
		Selector: topology.Selector{
			Kind:     topology.KindPCI,
			Segment:  segment,
			BDFStart: pci.BDF(bdfStart),
			BDFEnd:   pci.BDF(bdfEnd),
		},
		EndpointIDBase: endpointStart,
		Iommu:          iommu,
	})

	return nil
}

func (p *parser) parseMMIO(rec record.Record) error {
	if err := rec.Require(mmioNodeSize); err != nil {
		return err
	}

	endpoint, err := rec.U32(4)
	if err != nil {
		return err
	}

	outputNode, err := rec.U16(8)
	if err != nil {
		return err
	}

	base, err := rec.U64(12)
	if err != nil {
		return err
	}

	iommu, err := p.iommuAt(uint32(outputNode))
	if err != nil {
		return err
	}

	p.reg.AddEndpointSpec(&topology.EndpointSpec{
		Selector:       topology.Selector{Kind: topology.KindMMIO, Base: base},
		EndpointIDBase: endpoint,
		Iommu:          iommu,
	})

	return nil
}

// iommuAt resolves the IOMMU node at a table offset, creating and publishing
// its spec the first time the offset is referenced. The registry's offset
// index makes every later reference share the same spec.
func (p *parser) iommuAt(off uint32) (*topology.IommuSpec, error) {
	if spec, ok := p.reg.IommuAtOffset(off); ok {
		return spec, nil
	}

	rec, err := p.node(off)
	if err != nil {
		return nil, fmt.Errorf("output node 0x%x (%v): %w", off, err, ErrUnresolvedIommu)
	}

	spec := &topology.IommuSpec{OriginOffset: off}

	switch rec.Type {
	case acpi.ViotNodeVirtioIommuPCI:
		if err := rec.Require(virtioIommuPCINodeSize); err != nil {
			return nil, fmt.Errorf("output node 0x%x (%v): %w", off, err, ErrUnresolvedIommu)
		}

		segment, err := rec.U16(4)
		if err != nil {
			return nil, err
		}

		bdf, err := rec.U16(6)
		if err != nil {
			return nil, err
		}

		spec.Selector = topology.Selector{
			Kind:     topology.KindPCI,
			Segment:  segment,
			BDFStart: pci.BDF(bdf),
			BDFEnd:   pci.BDF(bdf),
		}
	case acpi.ViotNodeVirtioIommuMMIO:
		if err := rec.Require(virtioIommuMMIONodeSize); err != nil {
			return nil, fmt.Errorf("output node 0x%x (%v): %w", off, err, ErrUnresolvedIommu)
		}

		base, err := rec.U64(8)
		if err != nil {
			return nil, err
		}

		spec.Selector = topology.Selector{Kind: topology.KindMMIO, Base: base}
	default:
		return nil, fmt.Errorf("output node 0x%x has type %d: %w",
			off, rec.Type, ErrUnresolvedIommu)
	}

	p.reg.AddIommuSpec(spec)

	return spec, nil
}
