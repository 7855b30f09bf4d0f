package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"moltjobs/internal/domain"
	"moltjobs/internal/events"
	"moltjobs/internal/repo"
)

// JobInput holds the fields of a new job. Empty optional strings are stored
// as null.
type JobInput struct {
	Title        string
	Description  string
	Requirements string
	Compensation string
	JobType      domain.JobType
	SkillsNeeded []string
	Submolt      string
	ExpiresAt    string
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (e Engine) CreateJob(ctx context.Context, posterID string, in JobInput) (domain.JobWithPoster, error) {
	var v domain.ValidationError
	checkLen(&v, "title", in.Title, minTitle, maxTitle)
	checkLen(&v, "description", in.Description, minDescription, maxDescription)
	checkLen(&v, "requirements", in.Requirements, 0, maxRequirements)
	checkLen(&v, "compensation", in.Compensation, 0, maxCompensation)
	if in.JobType == "" {
		in.JobType = domain.JobTypeContract
	}
	if !in.JobType.Valid() {
		v.Add("job_type", "must be one of contract, collaboration, bounty, full-time")
	}
	if in.SkillsNeeded == nil {
		in.SkillsNeeded = []string{}
	}
	checkSkills(&v, "skills_needed", in.SkillsNeeded, maxJobSkills)
	if in.Submolt == "" {
		in.Submolt = defaultSubmolt
	}
	checkLen(&v, "submolt", in.Submolt, 0, maxSubmolt)
	var expires string
	if in.ExpiresAt != "" {
		expires = normalizeExpiry(&v, in.ExpiresAt)
	}
	if err := v.Err(); err != nil {
		return domain.JobWithPoster{}, err
	}

	now := e.stamp()
	job := domain.Job{
		ID:            uuid.New().String(),
		PosterAgentID: posterID,
		Title:         in.Title,
		Description:   in.Description,
		Requirements:  optional(in.Requirements),
		Compensation:  optional(in.Compensation),
		JobType:       in.JobType,
		SkillsNeeded:  in.SkillsNeeded,
		Submolt:       in.Submolt,
		Status:        domain.JobStatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     optional(expires),
	}
	var created domain.JobWithPoster
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertJobTx(ctx, tx, job); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.JobCreated, "job", job.ID, posterID,
			events.EventPayload{"title": job.Title, "job_type": job.JobType, "submolt": job.Submolt}); err != nil {
			return err
		}
		var err error
		created, err = e.Repo.GetJobTx(ctx, tx, job.ID)
		return err
	})
	if err != nil {
		return domain.JobWithPoster{}, err
	}
	e.logger().Info(ctx, "job created", "job_id", job.ID, "poster", posterID)
	return created, nil
}

func validatePatch(p *repo.JobPatch) error {
	var v domain.ValidationError
	if p.Empty() {
		v.Add("body", "at least one field is required")
		return v.Err()
	}
	if p.Title != nil {
		checkLen(&v, "title", *p.Title, minTitle, maxTitle)
	}
	if p.Description != nil {
		checkLen(&v, "description", *p.Description, minDescription, maxDescription)
	}
	if p.Requirements != nil {
		checkLen(&v, "requirements", *p.Requirements, 0, maxRequirements)
	}
	if p.Compensation != nil {
		checkLen(&v, "compensation", *p.Compensation, 0, maxCompensation)
	}
	if p.JobType != nil && !p.JobType.Valid() {
		v.Add("job_type", "must be one of contract, collaboration, bounty, full-time")
	}
	if p.SkillsNeeded != nil {
		checkSkills(&v, "skills_needed", p.SkillsNeeded, maxJobSkills)
	}
	if p.Submolt != nil {
		checkLen(&v, "submolt", *p.Submolt, 0, maxSubmolt)
	}
	if p.Status != nil && !p.Status.Valid() {
		v.Add("status", "must be one of open, closed, filled, cancelled")
	}
	if p.ExpiresAt != nil {
		normalized := normalizeExpiry(&v, *p.ExpiresAt)
		p.ExpiresAt = &normalized
	}
	return v.Err()
}

// UpdateJob applies patch to a job owned by actorID.
func (e Engine) UpdateJob(ctx context.Context, actorID, jobID string, patch repo.JobPatch) (domain.JobWithPoster, error) {
	var updated domain.JobWithPoster
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := e.Repo.GetJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if current.PosterAgentID != actorID {
			return domain.ForbiddenError{Reason: "only the poster can modify this job"}
		}
		if err := validatePatch(&patch); err != nil {
			return err
		}
		if current.Status == domain.JobStatusCancelled && patch.Status != nil && *patch.Status != domain.JobStatusCancelled {
			return domain.ValidationError{Fields: map[string]string{"status": "a cancelled job cannot change status"}}
		}
		if _, err := e.Repo.UpdateJobTx(ctx, tx, jobID, patch, e.stamp()); err != nil {
			return err
		}
		evtType := events.JobUpdated
		if patch.Status != nil && *patch.Status == domain.JobStatusCancelled {
			evtType = events.JobCancelled
		}
		if err := e.events().Append(ctx, tx, evtType, "job", jobID, actorID,
			events.EventPayload{"fields": patchFields(patch)}); err != nil {
			return err
		}
		updated, err = e.Repo.GetJobTx(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return domain.JobWithPoster{}, err
	}
	return updated, nil
}

// CancelJob sets a job owned by actorID to cancelled.
func (e Engine) CancelJob(ctx context.Context, actorID, jobID string) (domain.JobWithPoster, error) {
	cancelled := domain.JobStatusCancelled
	return e.UpdateJob(ctx, actorID, jobID, repo.JobPatch{Status: &cancelled})
}

func patchFields(p repo.JobPatch) []string {
	var fields []string
	add := func(set bool, name string) {
		if set {
			fields = append(fields, name)
		}
	}
	add(p.Title != nil, "title")
	add(p.Description != nil, "description")
	add(p.Requirements != nil, "requirements")
	add(p.Compensation != nil, "compensation")
	add(p.JobType != nil, "job_type")
	add(p.SkillsNeeded != nil, "skills_needed")
	add(p.Submolt != nil, "submolt")
	add(p.Status != nil, "status")
	add(p.ExpiresAt != nil, "expires_at")
	return fields
}

func (e Engine) GetJob(ctx context.Context, id string) (domain.JobWithPoster, error) {
	if strings.TrimSpace(id) == "" {
		return domain.JobWithPoster{}, domain.ErrNotFound
	}
	return e.Repo.GetJob(ctx, id)
}

func (e Engine) SearchJobs(ctx context.Context, s repo.JobSearch) (repo.JobPage, error) {
	return e.Repo.SearchJobs(ctx, s)
}

// JobsByPoster lists every job of an agent regardless of status.
func (e Engine) JobsByPoster(ctx context.Context, agentID string) ([]domain.JobWithPoster, error) {
	return e.Repo.JobsByPoster(ctx, agentID)
}
