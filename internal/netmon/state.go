// Package netmon watches connectivity and tells the rest of the engine when
// the device goes offline or comes back.
//
// A Monitor caches the last forwarded State. Reads never block on the
// network: CurrentState and IsOnline return the cached value and
// WaitForConnection resolves within an explicit timeout.
package netmon

import "strings"

// Transport is the link type carrying traffic.
type Transport string

const (
	TransportWiFi     Transport = "wifi"
	TransportCellular Transport = "cellular"
	TransportEthernet Transport = "ethernet"
	TransportUnknown  Transport = "unknown"
	TransportNone     Transport = "none"
)

// Quality is the derived connection quality.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// State is a connectivity observation.
type State struct {
	IsConnected bool      `json:"isConnected"`
	IsReachable bool      `json:"isReachable"`
	Transport   Transport `json:"transportType"`

	// CellularGeneration is "2g", "3g", "4g" or "5g" on cellular links.
	CellularGeneration string `json:"cellularGeneration,omitempty"`

	Quality Quality `json:"quality"`
}

// Online reports whether the link is up and the internet is reachable.
func (s State) Online() bool {
	return s.IsConnected && s.IsReachable
}

// Offline is the state reported before anything is known.
func Offline() State {
	return State{Transport: TransportNone, Quality: QualityOffline}
}

// Classify derives the connection quality of s.
func Classify(s State) Quality {
	if !s.Online() {
		return QualityOffline
	}
	switch s.Transport {
	case TransportWiFi, TransportEthernet:
		return QualityExcellent
	case TransportCellular:
		switch strings.ToLower(s.CellularGeneration) {
		case "4g", "5g":
			return QualityGood
		}
		return QualityPoor
	}
	return QualityGood
}

// normalize fills in the derived fields.
func normalize(s State) State {
	if s.Transport == "" {
		if s.IsConnected {
			s.Transport = TransportUnknown
		} else {
			s.Transport = TransportNone
		}
	}
	s.Quality = Classify(s)
	return s
}
