package flag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nmi/viommu/pci"
	"github.com/nmi/viommu/topology"
)

// CLI is the command line of the viommu tool.
type CLI struct {
	Gen     GenCMD     `cmd:"" help:"Generate a sample VIOT table dump."`
	Dump    DumpCMD    `cmd:"" help:"Parse a VIOT table dump and print the topology."`
	Resolve ResolveCMD `cmd:"" help:"Resolve devices against a VIOT table dump."`

	Debug bool `short:"v" help:"Enable debug logging."`
}

type GenCMD struct {
	Out  string `short:"o" default:"viot.bin" help:"Output path."`
	MMIO bool   `help:"Describe an MMIO transport IOMMU instead of a PCI one."`
}

type DumpCMD struct {
	Table string `arg:"" help:"Path of the table dump."`
}

type ResolveCMD struct {
	Table    string   `short:"t" required:"" help:"Path of the table dump."`
	Attached bool     `help:"Pretend every IOMMU driver has attached."`
	Devices  []string `arg:"" help:"Devices as ssss:bb:dd.f or mmio:0x<base>."`
}

// ParseDevice parses a device argument: a PCI address like 0000:00:02.0 or
// an MMIO base like mmio:0xfee00000.
func ParseDevice(s string) (topology.Device, error) {
	if strings.HasPrefix(s, "mmio:") {
		base, err := strconv.ParseUint(strings.TrimPrefix(s, "mmio:"), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}

		return topology.MMIODevice{Base: base}, nil
	}

	var segment, bus, device, function uint

	n, err := fmt.Sscanf(s, "%x:%x:%x.%x", &segment, &bus, &device, &function)
	if err != nil || n != 4 {
		return nil, fmt.Errorf("%q: want ssss:bb:dd.f or mmio:0x<base>: %w",
			s, strconv.ErrSyntax)
	}

	return topology.PCIDevice{
		Segment: uint16(segment),
		BDF:     pci.NewBDF(uint8(bus), uint8(device), uint8(function)),
	}, nil
}
