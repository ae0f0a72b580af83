package topology

import (
	"sync"

	"go.uber.org/zap"
)

// Registry stores every IOMMU and endpoint spec discovered at boot. Discovery
// appends once, early; resolution and late driver attach may then race from
// any number of goroutines. A single lock serializes both collections and the
// firmware-node dedup index, and is never held across I/O.
type Registry struct {
	mu        sync.Mutex
	iommus    []*IommuSpec
	endpoints []*EndpointSpec
	byOffset  map[uint32]*IommuSpec

	log *zap.Logger
}

func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}

	return &Registry{
		byOffset: map[uint32]*IommuSpec{},
		log:      log,
	}
}

// AddIommuSpec publishes an IOMMU spec. A nonzero OriginOffset is indexed so
// that later firmware records referencing the same node share this spec.
// Callers must not re-add a spec already present.
func (r *Registry) AddIommuSpec(spec *IommuSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.iommus = append(r.iommus, spec)

	if spec.OriginOffset != 0 {
		r.byOffset[spec.OriginOffset] = spec
	}
}

// IommuAtOffset returns the IOMMU spec created for a firmware node at the
// given table offset, if any.
func (r *Registry) IommuAtOffset(off uint32) (*IommuSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec, ok := r.byOffset[off]

	return spec, ok
}

// AddEndpointSpec publishes an endpoint spec. spec.Iommu must be resolved.
func (r *Registry) AddEndpointSpec(spec *EndpointSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endpoints = append(r.endpoints, spec)
}

// SetTranslationOps binds the translation ops of an IOMMU whose driver has
// just attached. The first spec matching dev by selector adopts it as owning
// device; a spec already bound to dev just updates its ops. Passing nil ops
// clears ops and fwnode together (driver unregistration).
func (r *Registry) SetTranslationOps(dev Device, ops TranslationOps, fwnode FWNode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range r.iommus {
		// Firmware-table specs carry a selector but no device; config
		// region specs carry both from the start.
		if spec.OwningDevice == nil && spec.Selector.Matches(dev) {
			spec.OwningDevice = dev
		}

		if spec.OwningDevice != dev {
			continue
		}

		spec.Ops = ops

		if ops == nil {
			spec.FWNode = nil
		} else {
			spec.FWNode = fwnode
		}

		r.log.Debug("iommu translation ops updated",
			zap.Stringer("selector", spec.Selector),
			zap.Bool("registered", ops != nil))

		return
	}
}

// Iommus returns a snapshot of the registered IOMMU specs.
func (r *Registry) Iommus() []*IommuSpec {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*IommuSpec(nil), r.iommus...)
}

// Endpoints returns a snapshot of the registered endpoint specs.
func (r *Registry) Endpoints() []*EndpointSpec {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*EndpointSpec(nil), r.endpoints...)
}
