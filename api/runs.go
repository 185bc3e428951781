package api

import (
	"time"

	"github.com/bigredeye/relgate/internal/controller"
)

type StartRunRequest struct {
	// Tags override the manifest publish tags when set.
	Tags []string `json:"tags,omitempty" form:"tags"`
}

type RunResponse struct {
	Status

	Run *controller.Run `json:"run,omitempty"`
}

type RunInfo struct {
	ID         string     `json:"id"`
	Pipeline   string     `json:"pipeline"`
	State      string     `json:"state"`
	Verdict    string     `json:"verdict,omitempty"`
	DeniedBy   []string   `json:"denied_by,omitempty"`
	Artifact   string     `json:"artifact,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type RunsRequest struct {
	Pipeline string `json:"pipeline" form:"pipeline"`
	Limit    int    `json:"limit" form:"limit"`
}

type RunsResponse struct {
	Status

	Runs []RunInfo `json:"runs"`
}
