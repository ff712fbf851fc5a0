package models

import (
	"fmt"
	"strings"
)

// RegistrationRequest is the first frame an endpoint sends after opening a
// stream to the coordinator's registration port. Immutable for the lifetime
// of the session it establishes.
type RegistrationRequest struct {
	EndpointName         string
	HardwareDescription  string
	AcceleratorAvailable bool
}

// Validate applies the coordinator's registration checks. A failure here is
// terminal for the handshake: the coordinator replies FAILED and closes.
func (r RegistrationRequest) Validate() error {
	if strings.TrimSpace(r.EndpointName) == "" {
		return fmt.Errorf("endpoint name must not be empty")
	}
	return nil
}

type RegistrationStatus int

const (
	registrationStatusUndefined RegistrationStatus = iota
	RegistrationOK
	RegistrationFailed
)

var registrationStatusNames = map[RegistrationStatus]string{
	RegistrationOK:     "OK",
	RegistrationFailed: "FAILED",
}

func (s RegistrationStatus) String() string {
	if name, ok := registrationStatusNames[s]; ok {
		return name
	}
	return "UNDEFINED"
}

func ParseRegistrationStatus(s string) (RegistrationStatus, error) {
	for status, name := range registrationStatusNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return status, nil
		}
	}
	return registrationStatusUndefined, fmt.Errorf("invalid registration status: %s", s)
}

// RegistrationResult is the coordinator's single reply to a
// RegistrationRequest and is terminal for the handshake.
type RegistrationResult struct {
	Status RegistrationStatus
	Detail string
}

func (r RegistrationResult) OK() bool {
	return r.Status == RegistrationOK
}
