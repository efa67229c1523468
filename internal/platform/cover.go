package platform

import (
	"context"
	"fmt"

	"garagecover/pkg/integration"

	"go.uber.org/zap"
)

// Cover domain and services.
const (
	DomainCover       = "cover"
	ServiceOpenCover  = "open_cover"
	ServiceCloseCover = "close_cover"
)

// Cover states.
const (
	StateOpen    = "open"
	StateOpening = "opening"
	StateClosed  = "closed"
	StateClosing = "closing"
)

// Cover supported feature bits.
const (
	CoverSupportOpen  = 1
	CoverSupportClose = 2
)

// entityDomains lists the entity domains the host knows how to load,
// with the function that registers each domain's services.
var entityDomains = map[string]func(h *Hub){
	DomainCover: registerCoverServices,
}

// ensureEntityDomain loads an entity domain once.
func (h *Hub) ensureEntityDomain(domain string, setup func(h *Hub)) {
	if h.markComponent(domain) {
		setup(h)
		h.logger.Info("Component loaded", zap.String("domain", domain))
	}
}

func registerCoverServices(h *Hub) {
	h.services.Register(DomainCover, ServiceOpenCover, h.coverServiceHandler(ServiceOpenCover))
	h.services.Register(DomainCover, ServiceCloseCover, h.coverServiceHandler(ServiceCloseCover))
}

// coverServiceHandler routes a cover service to every targeted entity.
// Polling entities are refreshed right after the command so their state
// reflects the door starting to move without waiting for the next poll.
func (h *Hub) coverServiceHandler(service string) ServiceHandler {
	return func(ctx context.Context, call ServiceCall) error {
		entityIDs, err := call.EntityIDs()
		if err != nil {
			return err
		}

		for _, entityID := range entityIDs {
			entity, p := h.findEntity(entityID)
			if entity == nil {
				return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
			}
			cover, ok := entity.(integration.CoverEntity)
			if !ok {
				return fmt.Errorf("%w: %s is not a cover", ErrInvalidServiceData, entityID)
			}

			if h.readOnly {
				h.logger.Info("READ-ONLY: Would call cover service",
					zap.String("service", service),
					zap.String("entity_id", entityID))
				continue
			}

			switch service {
			case ServiceOpenCover:
				err = cover.Open(ctx)
			case ServiceCloseCover:
				err = cover.Close(ctx)
			}
			if err != nil {
				return fmt.Errorf("%s %s: %w", service, entityID, err)
			}

			if entity.ShouldPoll() {
				if err := p.Refresh(ctx, entityID); err != nil {
					h.logger.Warn("Refresh after service call failed",
						zap.String("entity_id", entityID),
						zap.Error(err))
				}
			}
		}
		return nil
	}
}
