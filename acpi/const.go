package acpi

type Signature string

func (s Signature) ToBytes() [4]byte {
	var ret [4]byte

	for i := 0; i < 4; i++ {
		ret[i] = s[i]
	}

	return ret
}

const (
	SigVIOT Signature = "VIOT"
)

// VIOT node types.
const (
	ViotNodePCIRange        uint8 = 1
	ViotNodeMMIO            uint8 = 2
	ViotNodeVirtioIommuPCI  uint8 = 3
	ViotNodeVirtioIommuMMIO uint8 = 4
)

// ViotHeaderSize is the size of the common ACPI header plus the VIOT table
// fields (node offset, node count, reserved). The node array never starts
// before it.
const ViotHeaderSize = 52
