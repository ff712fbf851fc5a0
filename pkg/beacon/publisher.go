package beacon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fleetmesh-project/fleetmesh/pkg/models"
)

const DefaultInterval = 5 * time.Second

// AdvertisementProvider builds the datagram payload on every beacon tick, so
// session counts and the acceleration flag are always current.
type AdvertisementProvider interface {
	GetAdvertisement(ctx context.Context) models.CoordinatorAdvertisement
}

type PublisherParams struct {
	Provider AdvertisementProvider
	// BroadcastAddress is the destination network, e.g. 255.255.255.255
	// for LAN-wide discovery or a unicast address in tests.
	BroadcastAddress string
	Port             int
	Interval         time.Duration
}

// Publisher broadcasts a coordinator's identity datagram on the discovery
// port at a fixed interval. Delivery is never confirmed: a send failure is
// logged and the loop carries on.
type Publisher struct {
	provider AdvertisementProvider
	conn     net.Conn
	interval time.Duration
}

func NewPublisher(params PublisherParams) (*Publisher, error) {
	interval := params.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", params.BroadcastAddress, params.Port))
	if err != nil {
		return nil, errors.Wrap(err, "opening discovery broadcast socket")
	}
	return &Publisher{
		provider: params.Provider,
		conn:     conn,
		interval: interval,
	}, nil
}

// Start runs the beacon loop until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		defer p.conn.Close()

		log.Ctx(ctx).Info().Msgf("Beacon publisher started, interval %s", p.interval)
		for {
			select {
			case <-ctx.Done():
				log.Ctx(ctx).Debug().Msg("Beacon publisher stopped")
				return
			case <-ticker.C:
				p.publishOnce(ctx)
			}
		}
	}()
}

func (p *Publisher) publishOnce(ctx context.Context) {
	ad := p.provider.GetAdvertisement(ctx)
	if _, err := p.conn.Write(models.EncodeAdvertisement(ad).Marshal()); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("Failed to broadcast coordinator advertisement")
	}
}
