package topology

import "errors"

// ErrNotReady reports that an endpoint matched but the managing IOMMU's
// driver has not attached yet. The caller retries once the driver has called
// SetTranslationOps.
var ErrNotReady = errors.New("iommu driver not attached yet")

// Resolution is a successful endpoint lookup.
type Resolution struct {
	Iommu      *IommuSpec
	EndpointID uint32
}

// Resolve finds the endpoint spec covering dev and derives its endpoint id.
// It returns (nil, nil) when nothing matches or when dev is itself an IOMMU
// transport, and ErrNotReady when the matching IOMMU has no translation ops
// yet.
func (r *Registry) Resolve(dev Device) (*Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// An IOMMU never translates itself. This runs before range matching:
	// the transport's BDF may fall inside an unrelated endpoint range.
	for _, spec := range r.iommus {
		if spec.Selector.Matches(dev) || (spec.OwningDevice != nil && spec.OwningDevice == dev) {
			return nil, nil
		}
	}

	for _, ep := range r.endpoints {
		if !ep.Selector.Matches(dev) {
			continue
		}

		id := ep.EndpointIDBase

		if ep.Selector.Kind == KindPCI {
			id += uint32(dev.Selector().BDFStart - ep.Selector.BDFStart)
		}

		if ep.Iommu.Ops == nil {
			return nil, ErrNotReady
		}

		return &Resolution{Iommu: ep.Iommu, EndpointID: id}, nil
	}

	return nil, nil
}
