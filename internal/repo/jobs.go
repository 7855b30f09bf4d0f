package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"moltjobs/internal/db"
	"moltjobs/internal/domain"
)

const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
)

// JobSearch holds the store-level search filters. An empty Status matches
// every status.
type JobSearch struct {
	Status  domain.JobStatus
	Type    domain.JobType
	Submolt string
	Skills  []string
	Q       string
	Sort    domain.JobSort
	Limit   int
	Offset  int
}

// JobPage is one page of search results plus the total match count.
type JobPage struct {
	Jobs  []domain.JobWithPoster `json:"jobs"`
	Total int                    `json:"total"`
}

// JobPatch lists the fields to change; nil means unchanged.
type JobPatch struct {
	Title        *string
	Description  *string
	Requirements *string
	Compensation *string
	JobType      *domain.JobType
	SkillsNeeded []string
	Submolt      *string
	Status       *domain.JobStatus
	ExpiresAt    *string
}

func (p JobPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Requirements == nil && p.Compensation == nil &&
		p.JobType == nil && p.SkillsNeeded == nil && p.Submolt == nil && p.Status == nil && p.ExpiresAt == nil
}

const jobColumns = `j.id, j.poster_agent_id, j.title, j.description, j.requirements, j.compensation, j.job_type,
j.skills_json, j.submolt, j.status, j.application_count, j.created_at, j.updated_at, j.expires_at`

const jobWithPosterColumns = jobColumns + `, a.id, a.moltbook_name, a.owner_x_avatar, a.karma`

func scanJobInto(row rowScanner, j *domain.Job, extra ...any) error {
	var requirements, compensation, expiresAt sql.NullString
	var jobType, status, skills string
	dest := []any{&j.ID, &j.PosterAgentID, &j.Title, &j.Description, &requirements, &compensation, &jobType,
		&skills, &j.Submolt, &status, &j.ApplicationCount, &j.CreatedAt, &j.UpdatedAt, &expiresAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	j.Requirements = stringPtr(requirements)
	j.Compensation = stringPtr(compensation)
	j.ExpiresAt = stringPtr(expiresAt)
	j.JobType = domain.JobType(jobType)
	j.Status = domain.JobStatus(status)
	j.SkillsNeeded = decodeStrings(skills)
	return nil
}

func scanJobWithPoster(row rowScanner) (domain.JobWithPoster, error) {
	var out domain.JobWithPoster
	var avatar sql.NullString
	err := scanJobInto(row, &out.Job, &out.PosterAgent.ID, &out.PosterAgent.MoltbookName, &avatar, &out.PosterAgent.Karma)
	if err != nil {
		return domain.JobWithPoster{}, err
	}
	out.PosterAgent.OwnerXAvatar = stringPtr(avatar)
	return out, nil
}

// InsertJobTx stores a new job and its skill index rows.
func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	if j.ID == "" || j.PosterAgentID == "" {
		return errors.New("job id and poster_agent_id required")
	}
	skills, err := encodeStrings(j.SkillsNeeded)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, tx, `INSERT INTO jobs(id, poster_agent_id, title, description, requirements, compensation, job_type,
skills_json, submolt, status, application_count, created_at, updated_at, expires_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.PosterAgentID, j.Title, j.Description, nullableStringPtr(j.Requirements), nullableStringPtr(j.Compensation),
		string(j.JobType), skills, j.Submolt, string(j.Status), j.ApplicationCount, j.CreatedAt, j.UpdatedAt, nullableStringPtr(j.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ConflictError{Reason: "job " + j.ID + " already exists"}
		}
		return err
	}
	return r.replaceJobSkills(ctx, tx, j.ID, j.SkillsNeeded)
}

func (r Repo) replaceJobSkills(ctx context.Context, tx *sql.Tx, jobID string, skills []string) error {
	if _, err := r.exec(ctx, tx, `DELETE FROM job_skills WHERE job_id=?`, jobID); err != nil {
		return err
	}
	for i, s := range skills {
		if _, err := r.exec(ctx, tx, `INSERT INTO job_skills(job_id, position, skill) VALUES (?,?,?)`, jobID, i, s); err != nil {
			return err
		}
	}
	return nil
}

// GetJob returns a job with its poster summary.
func (r Repo) GetJob(ctx context.Context, id string) (domain.JobWithPoster, error) {
	return r.GetJobTx(ctx, nil, id)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.JobWithPoster, error) {
	return scanJobWithPoster(r.queryRow(ctx, tx, `SELECT `+jobWithPosterColumns+`
FROM jobs j JOIN agents a ON a.id=j.poster_agent_id WHERE j.id=?`, id))
}

// UpdateJobTx applies a partial patch and bumps updated_at.
func (r Repo) UpdateJobTx(ctx context.Context, tx *sql.Tx, id string, p JobPatch, now string) (domain.Job, error) {
	sets := []string{"updated_at=?"}
	args := []any{now}
	if p.Title != nil {
		sets = append(sets, "title=?")
		args = append(args, *p.Title)
	}
	if p.Description != nil {
		sets = append(sets, "description=?")
		args = append(args, *p.Description)
	}
	if p.Requirements != nil {
		sets = append(sets, "requirements=?")
		args = append(args, *p.Requirements)
	}
	if p.Compensation != nil {
		sets = append(sets, "compensation=?")
		args = append(args, *p.Compensation)
	}
	if p.JobType != nil {
		sets = append(sets, "job_type=?")
		args = append(args, string(*p.JobType))
	}
	if p.SkillsNeeded != nil {
		encoded, err := encodeStrings(p.SkillsNeeded)
		if err != nil {
			return domain.Job{}, err
		}
		sets = append(sets, "skills_json=?")
		args = append(args, encoded)
	}
	if p.Submolt != nil {
		sets = append(sets, "submolt=?")
		args = append(args, *p.Submolt)
	}
	if p.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*p.Status))
	}
	if p.ExpiresAt != nil {
		sets = append(sets, "expires_at=?")
		args = append(args, *p.ExpiresAt)
	}
	args = append(args, id)
	res, err := r.exec(ctx, tx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return domain.Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Job{}, ErrNotFound
	}
	if p.SkillsNeeded != nil {
		if err := r.replaceJobSkills(ctx, tx, id, p.SkillsNeeded); err != nil {
			return domain.Job{}, err
		}
	}
	updated, err := r.GetJobTx(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return updated.Job, nil
}

// IncrementApplicationCountTx bumps the denormalized application counter.
func (r Repo) IncrementApplicationCountTx(ctx context.Context, tx *sql.Tx, jobID string) error {
	res, err := r.exec(ctx, tx, `UPDATE jobs SET application_count=application_count+1 WHERE id=?`, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// JobsByPoster returns every job of an agent, newest first.
func (r Repo) JobsByPoster(ctx context.Context, agentID string) ([]domain.JobWithPoster, error) {
	rows, err := r.query(ctx, nil, `SELECT `+jobWithPosterColumns+`
FROM jobs j JOIN agents a ON a.id=j.poster_agent_id
WHERE j.poster_agent_id=? ORDER BY j.created_at DESC, j.id DESC`, agentID)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// NormalizeSearch clamps limit and offset into their allowed ranges and fills
// the default sort.
func NormalizeSearch(s JobSearch) JobSearch {
	switch {
	case s.Limit <= 0:
		s.Limit = DefaultSearchLimit
	case s.Limit > MaxSearchLimit:
		s.Limit = MaxSearchLimit
	}
	if s.Offset < 0 {
		s.Offset = 0
	}
	if s.Sort == "" {
		s.Sort = domain.SortNewest
	}
	return s
}

// SearchJobs filters, sorts and pages jobs. Total counts every match
// regardless of limit and offset.
func (r Repo) SearchJobs(ctx context.Context, s JobSearch) (JobPage, error) {
	s = NormalizeSearch(s)
	where, args := buildJobFilter(r.Dialect, s)

	var total int
	if err := r.queryRow(ctx, nil, `SELECT COUNT(*) FROM jobs j`+where, args...).Scan(&total); err != nil {
		return JobPage{}, err
	}
	page := JobPage{Jobs: []domain.JobWithPoster{}, Total: total}
	if total == 0 || s.Offset >= total {
		return page, nil
	}

	query := `SELECT ` + jobWithPosterColumns + `
FROM jobs j JOIN agents a ON a.id=j.poster_agent_id` + where + ` ORDER BY ` + jobOrder(s.Sort) + ` LIMIT ? OFFSET ?`
	pageArgs := append(append([]any{}, args...), s.Limit, s.Offset)
	rows, err := r.query(ctx, nil, query, pageArgs...)
	if err != nil {
		return JobPage{}, err
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return JobPage{}, err
	}
	page.Jobs = jobs
	return page, nil
}

func buildJobFilter(d db.Dialect, s JobSearch) (string, []any) {
	var clauses []string
	var args []any
	if s.Status != "" {
		clauses = append(clauses, "j.status=?")
		args = append(args, string(s.Status))
	}
	if s.Type != "" {
		clauses = append(clauses, "j.job_type=?")
		args = append(args, string(s.Type))
	}
	if s.Submolt != "" {
		clauses = append(clauses, "j.submolt=?")
		args = append(args, s.Submolt)
	}
	if len(s.Skills) > 0 {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM job_skills s WHERE s.job_id=j.id AND s.skill IN ("+placeholders(len(s.Skills))+"))")
		for _, skill := range s.Skills {
			args = append(args, skill)
		}
	}
	if q := strings.TrimSpace(s.Q); q != "" {
		pattern := "%" + escapeLike(strings.ToLower(q)) + "%"
		lower := db.Lower(d)
		clauses = append(clauses, "("+lower+`(j.title) LIKE ? ESCAPE '\' OR `+lower+`(j.description) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func jobOrder(sort domain.JobSort) string {
	switch sort {
	case domain.SortOldest:
		return "j.created_at ASC, j.id ASC"
	case domain.SortMostApplications:
		return "j.application_count DESC, j.created_at DESC, j.id DESC"
	default:
		return "j.created_at DESC, j.id DESC"
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func collectJobs(rows *sql.Rows) ([]domain.JobWithPoster, error) {
	defer rows.Close()
	jobs := []domain.JobWithPoster{}
	for rows.Next() {
		j, err := scanJobWithPoster(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
