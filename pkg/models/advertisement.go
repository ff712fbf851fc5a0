package models

import (
	"fmt"
	"time"
)

// CoordinatorAdvertisement is the identity datagram a coordinator broadcasts
// on the discovery port. It is ephemeral: rebuilt on every beacon tick and
// never persisted.
type CoordinatorAdvertisement struct {
	Name         string
	Address      string
	Port         int
	SessionCount int
	Accelerated  bool
	Timestamp    time.Time
}

// Key is the identity used to deduplicate advertisements within one scan
// window: the same coordinator may broadcast several times.
func (a CoordinatorAdvertisement) Key() string {
	return fmt.Sprintf("%s:%d", a.Address, a.Port)
}
