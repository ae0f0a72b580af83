package flag

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmi/viommu/acpi"
	"github.com/nmi/viommu/firmware"
	"github.com/nmi/viommu/pci"
	"github.com/nmi/viommu/topology"
	"github.com/nmi/viommu/viot"
)

func Parse() error {
	c := CLI{}

	programName := "viommu"
	programDesc := "viommu parses and inspects virtio-iommu topology descriptions"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run(&c)

	return err
}

func (c *CLI) logger() (*zap.Logger, error) {
	if c.Debug {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

func (g *GenCMD) Run(c *CLI) error {
	v := acpi.NewVIOT("BOCHS ", "BXPCVIOT")

	if g.MMIO {
		v.AddNode(acpi.NewViotVirtioIommuMMIONode(0xfef00000))
	} else {
		v.AddNode(acpi.NewViotVirtioIommuPCINode(0, uint16(pci.NewBDF(0, 1, 0))))
	}

	iommuOff, err := v.NodeOffsetOf(0)
	if err != nil {
		return err
	}

	v.AddNode(acpi.NewViotPCIRangeNode(0,
		uint16(pci.NewBDF(0, 2, 0)), uint16(pci.NewBDF(0, 0x1f, 7)),
		iommuOff, 0x100))
	v.AddNode(acpi.NewViotMMIONode(0x200, iommuOff, 0xfee00000))

	if err := v.ChecksumUpdate(); err != nil {
		return err
	}

	buf, err := v.ToBytes()
	if err != nil {
		return err
	}

	return os.WriteFile(g.Out, buf, 0o644)
}

// discover parses the table dump into a fresh registry.
func discover(path string, log *zap.Logger) (*topology.Registry, error) {
	loc := &firmware.FileLocator{Path: path}
	defer loc.Close()

	reg := topology.New(log)

	if err := viot.Discover(loc, reg, log); err != nil {
		return nil, err
	}

	return reg, nil
}

func (d *DumpCMD) Run(c *CLI) error {
	log, err := c.logger()
	if err != nil {
		return err
	}

	reg, err := discover(d.Table, log)
	if err != nil {
		return err
	}

	for _, im := range reg.Iommus() {
		fmt.Printf("iommu    %v (node offset 0x%x)\n", im.Selector, im.OriginOffset)
	}

	for _, ep := range reg.Endpoints() {
		fmt.Printf("endpoint %v -> %v (id base %d)\n",
			ep.Selector, ep.Iommu.Selector, ep.EndpointIDBase)
	}

	return nil
}

type stubOps struct{}

// transportDevice derives the device handle an IOMMU driver would probe
// with, from the IOMMU spec's own selector.
func transportDevice(s topology.Selector) topology.Device {
	if s.Kind == topology.KindMMIO {
		return topology.MMIODevice{Base: s.Base}
	}

	return topology.PCIDevice{Segment: s.Segment, BDF: s.BDFStart}
}

func (r *ResolveCMD) Run(c *CLI) error {
	log, err := c.logger()
	if err != nil {
		return err
	}

	reg, err := discover(r.Table, log)
	if err != nil {
		return err
	}

	if r.Attached {
		for _, im := range reg.Iommus() {
			reg.SetTranslationOps(transportDevice(im.Selector), stubOps{}, nil)
		}
	}

	g := new(errgroup.Group)
	results := make([]string, len(r.Devices))

	for i, s := range r.Devices {
		i, s := i, s

		g.Go(func() error {
			dev, err := ParseDevice(s)
			if err != nil {
				return err
			}

			res, err := reg.Resolve(dev)

			switch {
			case errors.Is(err, topology.ErrNotReady):
				results[i] = fmt.Sprintf("%-16s defer (iommu driver not attached)", s)
			case err != nil:
				return err
			case res == nil:
				results[i] = fmt.Sprintf("%-16s no match", s)
			default:
				results[i] = fmt.Sprintf("%-16s endpoint %d via %v",
					s, res.EndpointID, res.Iommu.Selector)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, line := range results {
		fmt.Println(line)
	}

	return nil
}
