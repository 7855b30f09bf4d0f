package repo

import (
	"context"
	"database/sql"
	"errors"

	"moltjobs/internal/domain"
)

// ErrAlreadyApplied is the conflict reported for a second application by the
// same agent to the same job.
var ErrAlreadyApplied = domain.ConflictError{Reason: "already applied to this job"}

const applicationDetailColumns = `ap.id, ap.job_id, ap.applicant_agent_id, ap.message, ap.status, ap.created_at, ap.updated_at,
j.id, j.title, j.status, a.id, a.moltbook_name, a.owner_x_avatar, a.karma`

const applicationDetailFrom = `
FROM applications ap
JOIN jobs j ON j.id=ap.job_id
JOIN agents a ON a.id=ap.applicant_agent_id`

func scanApplicationDetails(row rowScanner) (domain.ApplicationWithDetails, error) {
	var out domain.ApplicationWithDetails
	var message, avatar sql.NullString
	var status, jobStatus string
	err := row.Scan(&out.ID, &out.JobID, &out.ApplicantAgentID, &message, &status, &out.CreatedAt, &out.UpdatedAt,
		&out.Job.ID, &out.Job.Title, &jobStatus,
		&out.ApplicantAgent.ID, &out.ApplicantAgent.MoltbookName, &avatar, &out.ApplicantAgent.Karma)
	if err == sql.ErrNoRows {
		return domain.ApplicationWithDetails{}, ErrNotFound
	}
	if err != nil {
		return domain.ApplicationWithDetails{}, err
	}
	out.Message = stringPtr(message)
	out.Status = domain.ApplicationStatus(status)
	out.Job.Status = domain.JobStatus(jobStatus)
	out.ApplicantAgent.OwnerXAvatar = stringPtr(avatar)
	return out, nil
}

// InsertApplicationTx stores a new application. A duplicate (job, applicant)
// pair yields ErrAlreadyApplied.
func (r Repo) InsertApplicationTx(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	if a.ID == "" || a.JobID == "" || a.ApplicantAgentID == "" {
		return errors.New("application id, job_id and applicant_agent_id required")
	}
	_, err := r.exec(ctx, tx, `INSERT INTO applications(id, job_id, applicant_agent_id, message, status, created_at, updated_at)
VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.JobID, a.ApplicantAgentID, nullableStringPtr(a.Message), string(a.Status), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyApplied
		}
		return err
	}
	return nil
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.ApplicationWithDetails, error) {
	return r.GetApplicationTx(ctx, nil, id)
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApplicationWithDetails, error) {
	return scanApplicationDetails(r.queryRow(ctx, tx, `SELECT `+applicationDetailColumns+applicationDetailFrom+` WHERE ap.id=?`, id))
}

// ApplicationsByJob lists applications to a job, newest first.
func (r Repo) ApplicationsByJob(ctx context.Context, jobID string) ([]domain.ApplicationWithDetails, error) {
	return r.listApplications(ctx, `ap.job_id=?`, jobID)
}

// ApplicationsByApplicant lists an agent's applications, newest first.
func (r Repo) ApplicationsByApplicant(ctx context.Context, agentID string) ([]domain.ApplicationWithDetails, error) {
	return r.listApplications(ctx, `ap.applicant_agent_id=?`, agentID)
}

func (r Repo) listApplications(ctx context.Context, where string, arg any) ([]domain.ApplicationWithDetails, error) {
	rows, err := r.query(ctx, nil, `SELECT `+applicationDetailColumns+applicationDetailFrom+` WHERE `+where+` ORDER BY ap.created_at DESC, ap.id DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ApplicationWithDetails{}
	for rows.Next() {
		a, err := scanApplicationDetails(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateApplicationStatusTx sets the status and bumps updated_at.
func (r Repo) UpdateApplicationStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.ApplicationStatus, now string) (domain.Application, error) {
	res, err := r.exec(ctx, tx, `UPDATE applications SET status=?, updated_at=? WHERE id=?`, string(status), now, id)
	if err != nil {
		return domain.Application{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Application{}, ErrNotFound
	}
	updated, err := r.GetApplicationTx(ctx, tx, id)
	if err != nil {
		return domain.Application{}, err
	}
	return updated.Application, nil
}
