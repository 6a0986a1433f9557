// Package jobs runs RepoOps pipelines in the background and tracks them as
// pollable Job records.
package jobs

import (
	"maps"
	"time"

	"github.com/fyrsmithlabs/repoflow/internal/repoops"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusPendingApproval Status = "pending_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transitions happen without an
// explicit approval.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the record of one asynchronous pipeline run.
type Job struct {
	ID            string                                 `json:"job_id"`
	Status        Status                                 `json:"status"`
	Phase         repoops.Phase                          `json:"phase,omitempty"`
	Progress      int                                    `json:"progress"`
	OK            bool                                   `json:"ok"`
	HeadBranch    string                                 `json:"head_branch,omitempty"`
	Phases        map[repoops.Phase]*repoops.PhaseResult `json:"phases"`
	Artifacts     []repoops.Artifact                     `json:"artifacts"`
	Result        *repoops.RunResult                     `json:"result,omitempty"`
	Error         string                                 `json:"error,omitempty"`
	CorrelationID string                                 `json:"correlation_id"`
	CreatedAt     time.Time                              `json:"created_at"`
	UpdatedAt     time.Time                              `json:"updated_at"`
}

func newJob(id string, req repoops.RunRequest, now time.Time) *Job {
	return &Job{
		ID:            id,
		Status:        StatusQueued,
		HeadBranch:    req.HeadBranch,
		Phases:        make(map[repoops.Phase]*repoops.PhaseResult),
		Artifacts:     []repoops.Artifact{},
		CorrelationID: req.CorrelationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// clone returns a copy that shares nothing mutable with j. Artifact and
// phase output values are immutable once recorded and stay shared.
func (j *Job) clone() Job {
	out := *j
	out.Phases = make(map[repoops.Phase]*repoops.PhaseResult, len(j.Phases))
	for k, v := range j.Phases {
		r := *v
		out.Phases[k] = &r
	}
	out.Artifacts = append([]repoops.Artifact{}, j.Artifacts...)
	if j.Result != nil {
		res := *j.Result
		res.Phases = maps.Clone(out.Phases)
		res.Artifacts = out.Artifacts
		out.Result = &res
	}
	return out
}
