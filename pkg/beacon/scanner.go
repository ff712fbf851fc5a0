package beacon

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fleetmesh-project/fleetmesh/pkg/models"
	"github.com/fleetmesh-project/fleetmesh/pkg/wire"
)

const (
	DefaultScanTimeout = 3 * time.Second

	// MaxDatagramSize bounds a discovery datagram; advertisements are a few
	// hundred bytes and must stay under the LAN MTU.
	MaxDatagramSize = 1024
)

type ScanParams struct {
	Port    int
	Timeout time.Duration
}

// Scan listens on the discovery port for the scan window and returns one
// advertisement per unique address:port, in first-seen order. Malformed
// datagrams are logged and dropped; they never abort the scan. Cancelling
// ctx ends the scan early with whatever was found.
func Scan(ctx context.Context, params ScanParams) ([]models.CoordinatorAdvertisement, error) {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: params.Port})
	if err != nil {
		return nil, errors.Wrap(err, "binding discovery port")
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "setting scan deadline")
	}

	// unblock the read when the caller cancels early
	stopWatcher := make(chan struct{})
	defer close(stopWatcher)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stopWatcher:
		}
	}()

	seen := make(map[string]struct{})
	var discovered []models.CoordinatorAdvertisement
	buffer := make([]byte, MaxDatagramSize)

	for {
		n, sender, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// window elapsed or caller cancelled
				return discovered, nil
			}
			return discovered, errors.Wrap(err, "reading discovery datagram")
		}

		frame, err := wire.Unmarshal(buffer[:n])
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Msgf("Discarding malformed datagram from %s", sender)
			continue
		}
		ad, err := models.DecodeAdvertisement(frame)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Msgf("Discarding malformed advertisement from %s", sender)
			continue
		}

		if _, dup := seen[ad.Key()]; dup {
			continue
		}
		seen[ad.Key()] = struct{}{}
		discovered = append(discovered, ad)
		log.Ctx(ctx).Debug().Msgf("Discovered coordinator %s at %s", ad.Name, ad.Key())
	}
}
