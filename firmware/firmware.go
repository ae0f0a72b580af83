package firmware

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/nmi/viommu/acpi"
	"github.com/nmi/viommu/viot"
)

const defaultSysfsRoot = "/sys/firmware/acpi/tables"

// SysfsLocator reads firmware tables the kernel exports under
// /sys/firmware/acpi/tables.
type SysfsLocator struct {
	// Root overrides the sysfs table directory, for tests.
	Root string
}

func (l SysfsLocator) Locate(sig acpi.Signature) ([]byte, error) {
	root := l.Root
	if root == "" {
		root = defaultSysfsRoot
	}

	buf, err := os.ReadFile(filepath.Join(root, string(sig)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", sig, viot.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("reading %s table: %w", sig, err)
	}

	return buf, nil
}

// FileLocator memory-maps a raw table dump, as produced by the gen command or
// acpidump. The mapping stays valid until Close.
type FileLocator struct {
	Path string

	m mmap.MMap
}

func (l *FileLocator) Locate(sig acpi.Signature) ([]byte, error) {
	f, err := os.Open(l.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", l.Path, viot.ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", l.Path, err)
	}

	sigBytes := sig.ToBytes()

	if len(m) < len(sigBytes) || !bytes.Equal(m[:len(sigBytes)], sigBytes[:]) {
		if err := m.Unmap(); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%s holds no %s table: %w", l.Path, sig, viot.ErrNotFound)
	}

	l.m = m

	return []byte(m), nil
}

func (l *FileLocator) Close() error {
	if l.m == nil {
		return nil
	}

	m := l.m
	l.m = nil

	return m.Unmap()
}
