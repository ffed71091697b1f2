package types

import (
	"fmt"
	"time"
)

// InstanceStatus represents the current state of a sandbox instance.
type InstanceStatus string

const (
	InstanceStatusCreating InstanceStatus = "creating"
	InstanceStatusRunning  InstanceStatus = "running"
	InstanceStatusStopping InstanceStatus = "stopping"
	InstanceStatusStopped  InstanceStatus = "stopped"
	InstanceStatusError    InstanceStatus = "error"
)

// Active reports whether the status counts against port usage.
// Only creating and running instances hold a port.
func (s InstanceStatus) Active() bool {
	return s == InstanceStatusCreating || s == InstanceStatusRunning
}

// Terminal reports whether the status is final. Stopped and error records
// never transition again without explicit operator action.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusStopped || s == InstanceStatusError
}

// ActiveStatuses is the set of statuses that reserve a host port.
var ActiveStatuses = []InstanceStatus{InstanceStatusCreating, InstanceStatusRunning}

// Instance represents a provisioned sandbox: one container running a
// disposable e-commerce API, bound to a dedicated host port.
type Instance struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"ownerId"`
	ContainerID   string         `json:"containerId,omitempty"`
	ContainerName string         `json:"containerName,omitempty"`
	Port          int            `json:"port"`
	URL           string         `json:"url"`
	Status        InstanceStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	StoppedAt     *time.Time     `json:"stoppedAt,omitempty"`
	ErrorMsg      string         `json:"errorMsg,omitempty"`
}

// InstanceURL derives the externally visible URL for a host port.
// The port is the source of truth; the URL is never stored authoritatively.
func InstanceURL(baseURL string, port int) string {
	return fmt.Sprintf("%s:%d", baseURL, port)
}

// CreateRequest is the request body for provisioning an instance.
type CreateRequest struct {
	Env map[string]string `json:"env,omitempty"`
}

// InstanceListResponse is the response for listing instances.
type InstanceListResponse struct {
	Instances []Instance `json:"instances"`
}

// LogsResponse is the response for fetching container logs.
type LogsResponse struct {
	InstanceID string `json:"instanceId"`
	Logs       string `json:"logs"`
}
