// Package statusrecord defines the shared data types that flow between the
// reducer, egress queue, and HTTP caller: the canonical per-release status
// record, its wire payload, and the availability probe result.
package statusrecord

import (
	"errors"
	"time"
)

// AppType classifies the kind of workload a release runs, as detected from
// pod labels and container images.
type AppType string

const (
	AppShiny      AppType = "shiny"
	AppShinyProxy AppType = "shiny-proxy"
	AppUnknown    AppType = "unknown"
)

// ProbeStatus is the classification produced by the availability prober.
type ProbeStatus string

const (
	ProbeRunning  ProbeStatus = "Running"
	ProbeUnknown  ProbeStatus = "Unknown"
	ProbeNotFound ProbeStatus = "NotFound"
)

// Well-known status values. Status otherwise passes through raw reasons
// verbatim, so this is not an exhaustive enum.
const (
	StatusRunning            = "Running"
	StatusPending            = "Pending"
	StatusContainerCreating  = "ContainerCreating"
	StatusDeleted            = "Deleted"
	StatusTerminated         = "Terminated"
	StatusError              = "Error"
	StatusImageError         = "Image Error"
)

// ProbeResult is the outcome of a single availability probe invocation.
type ProbeResult struct {
	Status   ProbeStatus
	HTTPCode *int
	Note     string
	URL      string
}

// StatusRecord is the canonical per-release reduced state. Transient probe
// scheduling fields (deadline/next-probe epoch, consecutive-NXDOMAIN count)
// deliberately do not live here: they belong to the egress queue's own
// per-release side table, never on this serializable record.
type StatusRecord struct {
	Release      string
	Status       string
	EventTS      time.Time
	CreationTS   time.Time
	DeletionTS   *time.Time
	PodMsg       string
	ContainerMsg string
	AppType      AppType
	AppURL       string
	Probe        *ProbeResult
}

// Validate enforces invariant I4: release, status and event-ts must always
// be present on a record leaving the reducer.
func (r StatusRecord) Validate() error {
	if r.Release == "" {
		return errors.New("statusrecord: release is required")
	}
	if r.Status == "" {
		return errors.New("statusrecord: status is required")
	}
	if r.EventTS.IsZero() {
		return errors.New("statusrecord: event-ts is required")
	}
	return nil
}

// EventMsg is the nested diagnostic-message pair carried on the wire payload.
type EventMsg struct {
	PodMsg       *string `json:"pod-msg"`
	ContainerMsg *string `json:"container-msg"`
}

// PostPayload is the exact wire shape POSTed to the remote status API.
type PostPayload struct {
	Release   string   `json:"release"`
	NewStatus string   `json:"new-status"`
	EventTS   string   `json:"event-ts"`
	EventMsg  EventMsg `json:"event-msg"`
}

// ISO8601Millis formats t as UTC with millisecond precision and a literal Z
// suffix, matching the wire format mandated by the remote API.
func ISO8601Millis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000") + "Z"
}

// ToPayload converts a reduced record into its wire representation.
func (r StatusRecord) ToPayload() PostPayload {
	var podMsg, containerMsg *string
	if r.PodMsg != "" {
		podMsg = &r.PodMsg
	}
	if r.ContainerMsg != "" {
		containerMsg = &r.ContainerMsg
	}

	return PostPayload{
		Release:   r.Release,
		NewStatus: r.Status,
		EventTS:   ISO8601Millis(r.EventTS),
		EventMsg: EventMsg{
			PodMsg:       podMsg,
			ContainerMsg: containerMsg,
		},
	}
}
