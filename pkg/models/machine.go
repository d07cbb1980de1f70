package models

import "time"

// MachineState represents the provider-reported state of an instance
type MachineState string

const (
	StateStarting  MachineState = "starting"
	StateStarted   MachineState = "started"
	StateStopped   MachineState = "stopped"
	StateDestroyed MachineState = "destroyed"
)

// Machine is the provider's view of a compute instance. The control
// plane only observes these fields and requests state transitions.
type Machine struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	State          MachineState `json:"state"`
	Region         string       `json:"region"`
	PrivateAddress string       `json:"privateAddress"`
	Endpoint       string       `json:"endpoint"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// MachineConfig is the shape of a provisioning request
type MachineConfig struct {
	Image  string            `json:"image"`
	Region string            `json:"region,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// ExecResult is the outcome of a command executed on an instance
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}
