package models

import (
	"fmt"
	"strings"
)

// EndpointState describes what a registered endpoint is doing right now, as
// reported in its STATUS_UPDATE heartbeats.
type EndpointState int

const (
	endpointStateUndefined EndpointState = iota
	EndpointStateAvailable
	EndpointStateProcessing
)

var endpointStateNames = map[EndpointState]string{
	EndpointStateAvailable:  "Available",
	EndpointStateProcessing: "Processing",
}

func (s EndpointState) String() string {
	if name, ok := endpointStateNames[s]; ok {
		return name
	}
	return "Undefined"
}

func ParseEndpointState(s string) (EndpointState, error) {
	for state, name := range endpointStateNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return state, nil
		}
	}
	return endpointStateUndefined, fmt.Errorf("invalid endpoint state: %s", s)
}

func (s EndpointState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *EndpointState) UnmarshalText(text []byte) (err error) {
	*s, err = ParseEndpointState(string(text))
	return
}

// ConnectionState is the endpoint-side view of its coordinator link. There is
// no observable intermediate state: Connect is synchronous to its caller.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	if s == Connected {
		return "CONNECTED"
	}
	return "DISCONNECTED"
}
