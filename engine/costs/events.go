package costs

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/docchat/pkg/natsutil"
)

// CostSubject carries every persisted CostRecord as JSON.
const CostSubject = "docchat.costs.recorded"

// NATSPublisher publishes cost records on CostSubject.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(nc *nats.Conn) *NATSPublisher { return &NATSPublisher{nc: nc} }

func (p *NATSPublisher) PublishCost(ctx context.Context, rec CostRecord) error {
	return natsutil.Publish(ctx, p.nc, CostSubject, rec)
}
