// Package task implements the Task Lifecycle Controller: the glue from
// HTTP accept through VM boot, relay, and teardown.
package task

import (
	"time"

	"github.com/liaorch/lia/internal/proto"
)

// Status is a Task's lifecycle state. Valid transitions are
// Pending -> Starting -> Running -> (Suspended <-> Running) -> Terminated,
// and any state -> Terminated. A Task never regresses otherwise.
type Status string

const (
	StatusPending    Status = Status(proto.StatusPending)
	StatusStarting   Status = Status(proto.StatusStarting)
	StatusRunning    Status = Status(proto.StatusRunning)
	StatusSuspended  Status = Status(proto.StatusSuspended)
	StatusTerminated Status = Status(proto.StatusTerminated)
)

// Source identifies where a task was requested from.
type Source string

const (
	SourceDiscord Source = "discord"
	SourceWeb     Source = "web"
)

// Config carries the resource shape for a task's VM. Zero values are
// replaced by the Controller's built-in defaults (30 minutes, 2048 MiB,
// 2 vCPUs, 10 GiB); the daemon config's Default* fields are not used.
type Config struct {
	TimeoutMinutes int `json:"timeout_minutes,omitempty"`
	MemoryMB       int `json:"memory_mib,omitempty"`
	VCPUs          int `json:"vcpu,omitempty"`
	StorageGB      int `json:"storage_gib,omitempty"`
}

// File is a re-export of proto.File for callers that only deal with task
// types; the two are interchangeable.
type File = proto.File

// Task is the durable record the Controller creates, mutates, and the
// Store Interface persists. Only the Controller mutates a Task.
type Task struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	UserID       string     `json:"user_id"`
	Source       Source     `json:"source"`
	GuildID      string     `json:"guild_id,omitempty"`
	Repositories []string   `json:"repositories"`
	Prompt       string     `json:"-"`
	Files        []File     `json:"-"`
	SSHPublicKey string     `json:"-"`
	VMID         string     `json:"vm_id,omitempty"`
	Config       *Config    `json:"config,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
}

// CreateRequest is the POST /api/v1/tasks body.
type CreateRequest struct {
	UserID       string   `json:"user_id,omitempty"`
	Source       Source   `json:"source,omitempty"`
	Repositories []string `json:"repositories"`
	Prompt       string   `json:"prompt"`
	Files        []File   `json:"files,omitempty"`
	Config       *Config  `json:"config,omitempty"`
	SSHPublicKey string   `json:"ssh_public_key,omitempty"`
	GuildID      string   `json:"guild_id,omitempty"`
}

// protoStatus converts a Status to its proto.TaskStatus equivalent for use
// in a WsFrame.
func protoStatus(s Status) proto.TaskStatus { return proto.TaskStatus(s) }
