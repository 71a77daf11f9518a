// Package model defines the value types shared across the agent: bot and
// job snapshots as handed out by the Bot Source, driver configuration, and
// the commands a Bot Worker accepts on its inbox.
package model

import (
	"errors"
	"time"
)

// ErrProgressCannotDecrease is the domain error the server raises when an
// UpdateJobProgress call would move a job's progress backwards; callers log
// and swallow it rather than treating it as fatal.
var ErrProgressCannotDecrease = errors.New("progress cannot decrease")

// BotStatus is the authoritative state of a bot as reported by the server.
type BotStatus string

const (
	BotIdle        BotStatus = "idle"
	BotWaiting     BotStatus = "waiting"
	BotJobAssigned BotStatus = "job_assigned"
	BotWorking     BotStatus = "working"
	BotOffline     BotStatus = "offline"
	BotError       BotStatus = "error"
)

// JobStatus is the authoritative state of a job as reported by the server.
type JobStatus string

const (
	JobAvailable    JobStatus = "available"
	JobAssigned     JobStatus = "assigned"
	JobInProgress   JobStatus = "in_progress"
	JobQualityCheck JobStatus = "quality_check"
)

// DriverKind selects which transport a Driver config drives.
type DriverKind string

const (
	DriverSerial DriverKind = "serial"
	DriverTCP    DriverKind = "tcp"
	DriverDummy  DriverKind = "dummy"
)

// DriverConfig is a tagged record identifying a transport kind and its
// parameters. Two configs are equal iff every field matches — the Worker
// Manager uses this to decide when a driver reset is required.
type DriverConfig struct {
	Kind DriverKind

	// serial
	Port string
	Baud int

	// tcp
	Host    string
	TCPPort int

	// dummy
	CommandDelay time.Duration
}

// Equal reports whether two driver configs describe the same driver.
// A nil receiver/argument compares equal only to another nil.
func (c *DriverConfig) Equal(o *DriverConfig) bool {
	if c == nil || o == nil {
		return c == nil && o == nil
	}
	return *c == *o
}

// File identifies a retrievable job artifact.
type File struct {
	Name        string
	Size        int64
	Type        string
	DownloadURL string
}

// Job is an immutable snapshot of a print job.
type Job struct {
	ID       string
	Name     string
	Status   JobStatus
	FileURL  string
	File     *File
	Progress float64

	// CreatedAt/UpdatedAt are carried for diagnostics only and play no part
	// in Equal — a timestamp ticking forward isn't a state change worth
	// reconciling on.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Bot is an immutable snapshot of a bot as reported by the server. Two
// snapshots with the same ID but any differing field are a new version;
// mutation never happens in place.
type Bot struct {
	ID           string
	Name         string
	Status       BotStatus
	Driver       *DriverConfig
	JobAvailable bool
	CurrentJobID string
	CurrentJob   *Job

	// CreatedAt/UpdatedAt are carried for diagnostics only; see Job.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Equal performs a full structural comparison, the basis for change
// detection in both the Bot Source and the Worker Manager.
func (b *Bot) Equal(o *Bot) bool {
	if b == nil || o == nil {
		return b == nil && o == nil
	}
	if b.ID != o.ID || b.Name != o.Name || b.Status != o.Status ||
		b.JobAvailable != o.JobAvailable || b.CurrentJobID != o.CurrentJobID {
		return false
	}
	if !b.Driver.Equal(o.Driver) {
		return false
	}
	return jobsEqual(b.CurrentJob, o.CurrentJob)
}

func jobsEqual(a, b *Job) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.ID != b.ID || a.Name != b.Name || a.Status != b.Status ||
		a.FileURL != b.FileURL || a.Progress != b.Progress {
		return false
	}
	if (a.File == nil) != (b.File == nil) {
		return false
	}
	if a.File != nil && *a.File != *b.File {
		return false
	}
	return true
}

// CommandKind tags a WorkerCommand variant.
type CommandKind int

const (
	CommandDriverUpdated CommandKind = iota
	CommandRunJob
	CommandShutdown
	CommandNop
)

// WorkerCommand is a tagged variant consumed by a Bot Worker's inbox. Each
// carries a one-shot Completed signal the producer may optionally await.
type WorkerCommand struct {
	Kind         CommandKind
	DriverConfig *DriverConfig
	Job          *Job
	Completed    chan struct{}
}

// Done closes the completion signal, if the producer asked for one.
func (c *WorkerCommand) Done() {
	if c.Completed != nil {
		close(c.Completed)
	}
}
