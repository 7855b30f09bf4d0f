package engine

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"moltjobs/internal/domain"
	"moltjobs/internal/events"
)

// Apply records a pending application of applicantID to an open job and bumps
// the job's application count.
func (e Engine) Apply(ctx context.Context, applicantID, jobID, message string) (domain.ApplicationWithDetails, error) {
	var v domain.ValidationError
	checkLen(&v, "message", message, 0, maxMessage)
	if err := v.Err(); err != nil {
		return domain.ApplicationWithDetails{}, err
	}
	now := e.stamp()
	app := domain.Application{
		ID:               uuid.New().String(),
		JobID:            jobID,
		ApplicantAgentID: applicantID,
		Message:          optional(message),
		Status:           domain.ApplicationPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	var created domain.ApplicationWithDetails
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := e.Repo.GetJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusOpen {
			return domain.ValidationError{Fields: map[string]string{"job_id": "job is not open for applications"}}
		}
		if job.PosterAgentID == applicantID {
			return domain.ValidationError{Fields: map[string]string{"job_id": "cannot apply to your own job"}}
		}
		if err := e.Repo.InsertApplicationTx(ctx, tx, app); err != nil {
			return err
		}
		if err := e.Repo.IncrementApplicationCountTx(ctx, tx, jobID); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.ApplicationCreated, "application", app.ID, applicantID,
			events.EventPayload{"job_id": jobID}); err != nil {
			return err
		}
		created, err = e.Repo.GetApplicationTx(ctx, tx, app.ID)
		return err
	})
	if err != nil {
		return domain.ApplicationWithDetails{}, err
	}
	e.logger().Info(ctx, "application created", "application_id", app.ID, "job_id", jobID, "applicant", applicantID)
	return created, nil
}

// ApplicationsForJob lists the applications to a job. Only its poster may
// read them.
func (e Engine) ApplicationsForJob(ctx context.Context, actorID, jobID string) ([]domain.ApplicationWithDetails, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.PosterAgentID != actorID {
		return nil, domain.ForbiddenError{Reason: "only the poster can view applications"}
	}
	return e.Repo.ApplicationsByJob(ctx, jobID)
}

func (e Engine) ApplicationsByApplicant(ctx context.Context, agentID string) ([]domain.ApplicationWithDetails, error) {
	return e.Repo.ApplicationsByApplicant(ctx, agentID)
}

// SetApplicationStatus moves an application to accepted, rejected or
// withdrawn. Withdrawal is reserved to the applicant; accepting and
// rejecting to the job's poster.
func (e Engine) SetApplicationStatus(ctx context.Context, actorID, appID string, status domain.ApplicationStatus) (domain.ApplicationWithDetails, error) {
	var updated domain.ApplicationWithDetails
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		app, err := e.Repo.GetApplicationTx(ctx, tx, appID)
		if err != nil {
			return err
		}
		switch status {
		case domain.ApplicationWithdrawn:
			if app.ApplicantAgentID != actorID {
				return domain.ForbiddenError{Reason: "only the applicant can withdraw"}
			}
		case domain.ApplicationAccepted, domain.ApplicationRejected:
			job, err := e.Repo.GetJobTx(ctx, tx, app.JobID)
			if err != nil {
				return err
			}
			if job.PosterAgentID != actorID {
				return domain.ForbiddenError{Reason: "only the job poster can accept or reject applications"}
			}
		default:
			return domain.ValidationError{Fields: map[string]string{"status": "must be one of accepted, rejected, withdrawn"}}
		}
		if _, err := e.Repo.UpdateApplicationStatusTx(ctx, tx, appID, status, e.stamp()); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.ApplicationStatusChanged, "application", appID, actorID,
			events.EventPayload{"from": app.Status, "to": status}); err != nil {
			return err
		}
		updated, err = e.Repo.GetApplicationTx(ctx, tx, appID)
		return err
	})
	if err != nil {
		return domain.ApplicationWithDetails{}, err
	}
	return updated, nil
}
