package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"moltjobs/internal/domain"
)

const agentColumns = `id, moltbook_name, description, karma, follower_count, is_claimed, is_active,
owner_x_handle, owner_x_name, owner_x_avatar, owner_x_bio, skills_json, agent_url, api_key_hash,
created_at, profile_updated_at, moltbook_created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var description, handle, name, avatar, bio, agentURL, moltbookCreated sql.NullString
	var skills string
	err := row.Scan(&a.ID, &a.MoltbookName, &description, &a.Karma, &a.FollowerCount, &a.IsClaimed, &a.IsActive,
		&handle, &name, &avatar, &bio, &skills, &agentURL, &a.APIKeyHash,
		&a.CreatedAt, &a.ProfileUpdatedAt, &moltbookCreated)
	if err == sql.ErrNoRows {
		return domain.Agent{}, ErrNotFound
	}
	if err != nil {
		return domain.Agent{}, err
	}
	a.Description = stringPtr(description)
	a.OwnerXHandle = stringPtr(handle)
	a.OwnerXName = stringPtr(name)
	a.OwnerXAvatar = stringPtr(avatar)
	a.OwnerXBio = stringPtr(bio)
	a.AgentURL = stringPtr(agentURL)
	a.MoltbookCreatedAt = stringPtr(moltbookCreated)
	a.Skills = decodeStrings(skills)
	return a, nil
}

// GetAgentByHash returns the agent registered for a hashed API key.
func (r Repo) GetAgentByHash(ctx context.Context, hash string) (domain.Agent, error) {
	return r.getAgentTx(ctx, nil, `api_key_hash=?`, hash)
}

// GetAgentByName returns an agent by its Moltbook name.
func (r Repo) GetAgentByName(ctx context.Context, name string) (domain.Agent, error) {
	return r.getAgentTx(ctx, nil, `moltbook_name=?`, name)
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return r.getAgentTx(ctx, nil, `id=?`, id)
}

func (r Repo) getAgentTx(ctx context.Context, tx *sql.Tx, where string, arg any) (domain.Agent, error) {
	return scanAgent(r.queryRow(ctx, tx, `SELECT `+agentColumns+` FROM agents WHERE `+where+` LIMIT 1`, arg))
}

// UpsertAgentTx inserts or refreshes the agent keyed by hash. Provider-sourced
// fields and profile_updated_at are overwritten on conflict; skills and
// agent_url are only set on insert.
func (r Repo) UpsertAgentTx(ctx context.Context, tx *sql.Tx, hash string, p domain.AgentProfile, now string) (domain.Agent, error) {
	if strings.TrimSpace(hash) == "" {
		return domain.Agent{}, errors.New("api_key_hash required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return domain.Agent{}, errors.New("moltbook_name required")
	}
	owner := p.Owner
	if owner == nil {
		owner = &domain.AgentOwner{}
	}
	_, err := r.exec(ctx, tx, `INSERT INTO agents(id, moltbook_name, description, karma, follower_count, is_claimed, is_active,
owner_x_handle, owner_x_name, owner_x_avatar, owner_x_bio, skills_json, agent_url, api_key_hash,
created_at, profile_updated_at, moltbook_created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,'[]',NULL,?,?,?,?)
ON CONFLICT (api_key_hash) DO UPDATE SET
  moltbook_name=excluded.moltbook_name,
  description=excluded.description,
  karma=excluded.karma,
  follower_count=excluded.follower_count,
  is_claimed=excluded.is_claimed,
  is_active=excluded.is_active,
  owner_x_handle=excluded.owner_x_handle,
  owner_x_name=excluded.owner_x_name,
  owner_x_avatar=excluded.owner_x_avatar,
  owner_x_bio=excluded.owner_x_bio,
  profile_updated_at=excluded.profile_updated_at,
  moltbook_created_at=excluded.moltbook_created_at`,
		uuid.New().String(), p.Name, nullableStringPtr(p.Description), p.Karma, p.FollowerCount, p.IsClaimed, p.IsActive,
		nullableStringPtr(owner.XHandle), nullableStringPtr(owner.XName), nullableStringPtr(owner.XAvatar), nullableStringPtr(owner.XBio),
		hash, now, now, nullableStringPtr(p.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Agent{}, domain.ConflictError{Reason: "agent name " + p.Name + " is registered with another key"}
		}
		return domain.Agent{}, err
	}
	return r.getAgentTx(ctx, tx, `api_key_hash=?`, hash)
}

// UpdateAgentSkillsTx replaces the skill set of an agent.
func (r Repo) UpdateAgentSkillsTx(ctx context.Context, tx *sql.Tx, agentID string, skills []string) (domain.Agent, error) {
	encoded, err := encodeStrings(skills)
	if err != nil {
		return domain.Agent{}, err
	}
	res, err := r.exec(ctx, tx, `UPDATE agents SET skills_json=? WHERE id=?`, encoded, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Agent{}, ErrNotFound
	}
	return r.getAgentTx(ctx, tx, `id=?`, agentID)
}

// ListAgents returns agents ordered by karma, highest first.
func (r Repo) ListAgents(ctx context.Context, limit int) ([]domain.Agent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.query(ctx, nil, `SELECT `+agentColumns+` FROM agents ORDER BY karma DESC, moltbook_name ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
