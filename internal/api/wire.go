package api

import (
	"time"

	"github.com/botqio/hostagent/internal/model"
)

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// FileWire mirrors the server's File record. Exported so other packages
// decoding a full bot/job record over a different transport (e.g.
// internal/botsource's push channels) can reuse the same wire shape instead
// of re-declaring it.
type FileWire struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Type        string `json:"type"`
	DownloadURL string `json:"download_url"`
}

func (f *FileWire) ToModel() *model.File {
	if f == nil {
		return nil
	}
	return &model.File{Name: f.Name, Size: f.Size, Type: f.Type, DownloadURL: f.DownloadURL}
}

// JobWire mirrors the server's Job record: id, name, status, and either a
// file_url or an embedded file.
type JobWire struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	FileURL   string    `json:"file_url"`
	File      *FileWire `json:"file"`
	Progress  float64   `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j *JobWire) ToModel() *model.Job {
	if j == nil {
		return nil
	}
	return &model.Job{
		ID:        j.ID,
		Name:      j.Name,
		Status:    model.JobStatus(j.Status),
		FileURL:   j.FileURL,
		File:      j.File.ToModel(),
		Progress:  j.Progress,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// DriverWire mirrors the server's tagged driver-config record.
type DriverWire struct {
	Kind           string `json:"kind"`
	Port           string `json:"port"`
	Baud           int    `json:"baud"`
	Host           string `json:"host"`
	TCPPort        int    `json:"tcp_port"`
	CommandDelayMS int    `json:"command_delay_ms"`
}

func (d *DriverWire) ToModel() *model.DriverConfig {
	if d == nil {
		return nil
	}
	cfg := &model.DriverConfig{
		Kind:    model.DriverKind(d.Kind),
		Port:    d.Port,
		Baud:    d.Baud,
		Host:    d.Host,
		TCPPort: d.TCPPort,
	}
	if d.CommandDelayMS > 0 {
		cfg.CommandDelay = msToDuration(d.CommandDelayMS)
	}
	return cfg
}

// botJSON mirrors the server's Bot record, including an optionally
// embedded job.
type botJSON struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Status       string      `json:"status"`
	Driver       *DriverWire `json:"driver"`
	JobAvailable bool        `json:"job_available"`
	CurrentJobID string      `json:"current_job_id"`
	Job          *JobWire    `json:"job"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (b *botJSON) toModel() *model.Bot {
	return &model.Bot{
		ID:           b.ID,
		Name:         b.Name,
		Status:       model.BotStatus(b.Status),
		Driver:       b.Driver.ToModel(),
		JobAvailable: b.JobAvailable,
		CurrentJobID: b.CurrentJobID,
		CurrentJob:   b.Job.ToModel(),
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}
