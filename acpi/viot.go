package acpi

import (
	"bytes"
	"encoding/binary"
)

type VIOTNode interface {
	ToBytes() ([]byte, error)
}

// ViotVirtioIommuPCINode describes a virtio-iommu behind a PCI transport.
type ViotVirtioIommuPCINode struct {
	Type    uint8
	_       uint8
	Length  uint16
	Segment uint16
	BDF     uint16
}

func NewViotVirtioIommuPCINode(segment, bdf uint16) *ViotVirtioIommuPCINode {
	return &ViotVirtioIommuPCINode{
		Type:    ViotNodeVirtioIommuPCI,
		Length:  8,
		Segment: segment,
		BDF:     bdf,
	}
}

func (v *ViotVirtioIommuPCINode) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// ViotVirtioIommuMMIONode describes a memory mapped virtio-iommu.
type ViotVirtioIommuMMIONode struct {
	Type        uint8
	_           uint8
	Length      uint16
	_           uint32
	BaseAddress uint64
}

func NewViotVirtioIommuMMIONode(base uint64) *ViotVirtioIommuMMIONode {
	return &ViotVirtioIommuMMIONode{
		Type:        ViotNodeVirtioIommuMMIO,
		Length:      16,
		BaseAddress: base,
	}
}

func (v *ViotVirtioIommuMMIONode) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// ViotPCIRangeNode assigns a PCI BDF range to the IOMMU node at OutputNode.
type ViotPCIRangeNode struct {
	Type          uint8
	_             uint8
	Length        uint16
	Segment       uint16
	BDFStart      uint16
	BDFEnd        uint16
	OutputNode    uint16
	_             uint32
	EndpointStart uint32
}

func NewViotPCIRangeNode(segment, bdfStart, bdfEnd, outputNode uint16, endpointStart uint32) *ViotPCIRangeNode {
	return &ViotPCIRangeNode{
		Type:          ViotNodePCIRange,
		Length:        20,
		Segment:       segment,
		BDFStart:      bdfStart,
		BDFEnd:        bdfEnd,
		OutputNode:    outputNode,
		EndpointStart: endpointStart,
	}
}

func (v *ViotPCIRangeNode) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// ViotMMIONode assigns a memory mapped endpoint to the IOMMU node at
// OutputNode.
type ViotMMIONode struct {
	Type        uint8
	_           uint8
	Length      uint16
	Endpoint    uint32
	OutputNode  uint16
	_           uint16
	BaseAddress uint64
}

func NewViotMMIONode(endpoint uint32, outputNode uint16, base uint64) *ViotMMIONode {
	return &ViotMMIONode{
		Type:        ViotNodeMMIO,
		Length:      20,
		Endpoint:    endpoint,
		OutputNode:  outputNode,
		BaseAddress: base,
	}
}

func (v *ViotMMIONode) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type VIOT struct {
	Header
	NodeOffset uint32
	NodeCount  uint32
	Reserved   [8]byte
	Nodes      []VIOTNode
}

func NewVIOT(oemid, oemtableid string) VIOT {
	h := newHeader(SigVIOT, ViotHeaderSize, 1, oemid, oemtableid)

	return VIOT{Header: h, NodeOffset: ViotHeaderSize}
}

func (v *VIOT) AddNode(node VIOTNode) {
	v.Nodes = append(v.Nodes, node)
}

// NodeOffsetOf returns the table offset the i-th node will be serialized at,
// for use as an OutputNode reference.
func (v *VIOT) NodeOffsetOf(i int) (uint16, error) {
	off := v.NodeOffset

	for j := 0; j < i; j++ {
		data, err := v.Nodes[j].ToBytes()
		if err != nil {
			return 0, err
		}

		off += uint32(len(data))
	}

	return uint16(off), nil
}

func (v *VIOT) ToBytes() ([]byte, error) {
	var nodes bytes.Buffer

	for _, node := range v.Nodes {
		data, err := node.ToBytes()
		if err != nil {
			return nil, err
		}

		if _, err := nodes.Write(data); err != nil {
			return nil, err
		}
	}

	v.Header.Length = v.NodeOffset + uint32(nodes.Len())
	v.NodeCount = uint32(len(v.Nodes))

	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, v.Header); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, v.NodeOffset); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, v.NodeCount); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, v.Reserved); err != nil {
		return nil, err
	}

	if _, err := buf.Write(nodes.Bytes()); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (v *VIOT) ChecksumUpdate() error {
	v.Header.Checksum = 0

	data, err := v.ToBytes()
	if err != nil {
		return err
	}

	cks := uint8(0)

	for _, b := range data {
		cks += b
	}

	v.Header.Checksum = ^cks + 1

	return nil
}
