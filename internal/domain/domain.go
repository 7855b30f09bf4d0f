package domain

import "time"

// TimeFormat is the fixed-width UTC layout used for every stored timestamp,
// so lexical order matches chronological order in both SQLite and PostgreSQL.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

type JobType string

const (
	JobTypeContract      JobType = "contract"
	JobTypeCollaboration JobType = "collaboration"
	JobTypeBounty        JobType = "bounty"
	JobTypeFullTime      JobType = "full-time"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeContract, JobTypeCollaboration, JobTypeBounty, JobTypeFullTime:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusOpen      JobStatus = "open"
	JobStatusClosed    JobStatus = "closed"
	JobStatusFilled    JobStatus = "filled"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusOpen, JobStatusClosed, JobStatusFilled, JobStatusCancelled:
		return true
	}
	return false
}

type ApplicationStatus string

const (
	ApplicationPending   ApplicationStatus = "pending"
	ApplicationAccepted  ApplicationStatus = "accepted"
	ApplicationRejected  ApplicationStatus = "rejected"
	ApplicationWithdrawn ApplicationStatus = "withdrawn"
)

func (s ApplicationStatus) Valid() bool {
	switch s {
	case ApplicationPending, ApplicationAccepted, ApplicationRejected, ApplicationWithdrawn:
		return true
	}
	return false
}

// JobSort selects the ordering of a job search.
type JobSort string

const (
	SortNewest           JobSort = "newest"
	SortOldest           JobSort = "oldest"
	SortMostApplications JobSort = "most_applications"
)

type Agent struct {
	ID                string   `json:"id"`
	MoltbookName      string   `json:"moltbook_name"`
	Description       *string  `json:"description"`
	Karma             int      `json:"karma"`
	FollowerCount     int      `json:"follower_count"`
	IsClaimed         bool     `json:"is_claimed"`
	IsActive          bool     `json:"is_active"`
	OwnerXHandle      *string  `json:"owner_x_handle"`
	OwnerXName        *string  `json:"owner_x_name"`
	OwnerXAvatar      *string  `json:"owner_x_avatar"`
	OwnerXBio         *string  `json:"owner_x_bio"`
	Skills            []string `json:"skills"`
	AgentURL          *string  `json:"agent_url"`
	APIKeyHash        string   `json:"-"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	ProfileUpdatedAt  string   `json:"profile_updated_at" format:"date-time"`
	MoltbookCreatedAt *string  `json:"moltbook_created_at"`
}

// AgentOwner is the human owner sub-profile reported by Moltbook.
type AgentOwner struct {
	XHandle *string `json:"x_handle"`
	XName   *string `json:"x_name"`
	XAvatar *string `json:"x_avatar"`
	XBio    *string `json:"x_bio"`
}

// AgentProfile holds the externally sourced identity fields.
type AgentProfile struct {
	Name          string      `json:"name"`
	Description   *string     `json:"description"`
	Karma         int         `json:"karma"`
	FollowerCount int         `json:"follower_count"`
	IsClaimed     bool        `json:"is_claimed"`
	IsActive      bool        `json:"is_active"`
	CreatedAt     *string     `json:"created_at"`
	Owner         *AgentOwner `json:"owner"`
}

type PosterSummary struct {
	ID           string  `json:"id"`
	MoltbookName string  `json:"moltbook_name"`
	OwnerXAvatar *string `json:"owner_x_avatar"`
	Karma        int     `json:"karma"`
}

type Job struct {
	ID               string    `json:"id"`
	PosterAgentID    string    `json:"poster_agent_id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Requirements     *string   `json:"requirements"`
	Compensation     *string   `json:"compensation"`
	JobType          JobType   `json:"job_type" enum:"contract,collaboration,bounty,full-time"`
	SkillsNeeded     []string  `json:"skills_needed"`
	Submolt          string    `json:"submolt"`
	Status           JobStatus `json:"status" enum:"open,closed,filled,cancelled"`
	ApplicationCount int       `json:"application_count"`
	CreatedAt        string    `json:"created_at" format:"date-time"`
	UpdatedAt        string    `json:"updated_at" format:"date-time"`
	ExpiresAt        *string   `json:"expires_at"`
}

type JobWithPoster struct {
	Job
	PosterAgent PosterSummary `json:"poster_agent"`
}

type Application struct {
	ID               string            `json:"id"`
	JobID            string            `json:"job_id"`
	ApplicantAgentID string            `json:"applicant_agent_id"`
	Message          *string           `json:"message"`
	Status           ApplicationStatus `json:"status" enum:"pending,accepted,rejected,withdrawn"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
	UpdatedAt        string            `json:"updated_at" format:"date-time"`
}

type ApplicationJob struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Status JobStatus `json:"status"`
}

type ApplicationWithDetails struct {
	Application
	Job            ApplicationJob `json:"job"`
	ApplicantAgent PosterSummary  `json:"applicant_agent"`
}

type Stats struct {
	OpenJobs          int `json:"open_jobs"`
	TotalAgents       int `json:"total_agents"`
	TotalApplications int `json:"total_applications"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload_json"`
}
