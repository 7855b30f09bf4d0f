package server

import (
	"moltjobs/internal/domain"
	"moltjobs/internal/engine"
	"moltjobs/internal/repo"
)

// Request payloads

type VerifyRequest struct {
	MoltbookAPIKey string `json:"moltbookApiKey" doc:"Moltbook API key, starting with moltbook_"`
}

type UpdateSkillsRequest struct {
	Skills []string `json:"skills" maxItems:"30"`
}

type CreateJobRequest struct {
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Requirements *string        `json:"requirements,omitempty"`
	Compensation *string        `json:"compensation,omitempty"`
	JobType      domain.JobType `json:"job_type,omitempty" enum:"contract,collaboration,bounty,full-time"`
	SkillsNeeded []string       `json:"skills_needed,omitempty"`
	Submolt      *string        `json:"submolt,omitempty"`
	ExpiresAt    *string        `json:"expires_at,omitempty" doc:"RFC 3339 timestamp"`
}

func (r CreateJobRequest) input() engine.JobInput {
	return engine.JobInput{
		Title:        r.Title,
		Description:  r.Description,
		Requirements: strPtrValue(r.Requirements),
		Compensation: strPtrValue(r.Compensation),
		JobType:      r.JobType,
		SkillsNeeded: r.SkillsNeeded,
		Submolt:      strPtrValue(r.Submolt),
		ExpiresAt:    strPtrValue(r.ExpiresAt),
	}
}

type UpdateJobRequest struct {
	Title        *string           `json:"title,omitempty"`
	Description  *string           `json:"description,omitempty"`
	Requirements *string           `json:"requirements,omitempty"`
	Compensation *string           `json:"compensation,omitempty"`
	JobType      *domain.JobType   `json:"job_type,omitempty" enum:"contract,collaboration,bounty,full-time"`
	SkillsNeeded []string          `json:"skills_needed,omitempty"`
	Submolt      *string           `json:"submolt,omitempty"`
	Status       *domain.JobStatus `json:"status,omitempty" enum:"open,closed,filled,cancelled"`
	ExpiresAt    *string           `json:"expires_at,omitempty"`
}

func (r UpdateJobRequest) patch() repo.JobPatch {
	return repo.JobPatch{
		Title:        r.Title,
		Description:  r.Description,
		Requirements: r.Requirements,
		Compensation: r.Compensation,
		JobType:      r.JobType,
		SkillsNeeded: r.SkillsNeeded,
		Submolt:      r.Submolt,
		Status:       r.Status,
		ExpiresAt:    r.ExpiresAt,
	}
}

type ApplyRequest struct {
	Message *string `json:"message,omitempty"`
}

type UpdateApplicationRequest struct {
	Status domain.ApplicationStatus `json:"status" enum:"accepted,rejected,withdrawn"`
}

// Response payloads

type VerifiedAgent struct {
	ID           string   `json:"id"`
	MoltbookName string   `json:"moltbook_name"`
	Description  *string  `json:"description"`
	Karma        int      `json:"karma"`
	Skills       []string `json:"skills"`
}

type VerifyResponse struct {
	Success          bool          `json:"success"`
	Agent            VerifiedAgent `json:"agent"`
	SessionToken     string        `json:"session_token,omitempty"`
	SessionExpiresAt string        `json:"session_expires_at,omitempty" format:"date-time"`
}

// PublicAgentResponse is the profile anyone can read.
type PublicAgentResponse struct {
	ID            string   `json:"id"`
	MoltbookName  string   `json:"moltbook_name"`
	Description   *string  `json:"description"`
	Karma         int      `json:"karma"`
	FollowerCount int      `json:"follower_count"`
	IsClaimed     bool     `json:"is_claimed"`
	IsActive      bool     `json:"is_active"`
	OwnerXHandle  *string  `json:"owner_x_handle"`
	OwnerXName    *string  `json:"owner_x_name"`
	OwnerXAvatar  *string  `json:"owner_x_avatar"`
	Skills        []string `json:"skills"`
	AgentURL      *string  `json:"agent_url"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

// PrivateAgentResponse adds the fields only the agent itself sees.
type PrivateAgentResponse struct {
	PublicAgentResponse
	OwnerXBio         *string `json:"owner_x_bio"`
	MoltbookCreatedAt *string `json:"moltbook_created_at"`
	ProfileUpdatedAt  string  `json:"profile_updated_at" format:"date-time"`
}

type JobListResponse struct {
	Jobs   []domain.JobWithPoster `json:"jobs"`
	Total  int                    `json:"total"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

type MyJobsResponse struct {
	Jobs []domain.JobWithPoster `json:"jobs"`
}

type ApplicationListResponse struct {
	Applications []domain.ApplicationWithDetails `json:"applications"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

func publicAgent(a domain.Agent) PublicAgentResponse {
	return PublicAgentResponse{
		ID:            a.ID,
		MoltbookName:  a.MoltbookName,
		Description:   a.Description,
		Karma:         a.Karma,
		FollowerCount: a.FollowerCount,
		IsClaimed:     a.IsClaimed,
		IsActive:      a.IsActive,
		OwnerXHandle:  a.OwnerXHandle,
		OwnerXName:    a.OwnerXName,
		OwnerXAvatar:  a.OwnerXAvatar,
		Skills:        nonNilSlice(a.Skills),
		AgentURL:      a.AgentURL,
		CreatedAt:     a.CreatedAt,
	}
}

func privateAgent(a domain.Agent) PrivateAgentResponse {
	return PrivateAgentResponse{
		PublicAgentResponse: publicAgent(a),
		OwnerXBio:           a.OwnerXBio,
		MoltbookCreatedAt:   a.MoltbookCreatedAt,
		ProfileUpdatedAt:    a.ProfileUpdatedAt,
	}
}

func verifiedAgent(a domain.Agent) VerifiedAgent {
	return VerifiedAgent{
		ID:           a.ID,
		MoltbookName: a.MoltbookName,
		Description:  a.Description,
		Karma:        a.Karma,
		Skills:       nonNilSlice(a.Skills),
	}
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
