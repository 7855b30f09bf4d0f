package engine

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/sync/errgroup"

	"moltjobs/internal/config"
	"moltjobs/internal/db"
	"moltjobs/internal/domain"
	"moltjobs/internal/engine/auth"
	"moltjobs/internal/events"
	"moltjobs/internal/logging"
	"moltjobs/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Auth   *auth.Resolver
	Log    logging.Logger
	Now    func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Events: events.Writer{DB: conn, Dialect: dialect},
		Config: cfg,
		Log:    logging.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) logger() logging.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logging.Nop()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// IdentityStore exposes agent persistence to the auth resolver. Upserts are
// recorded in the activity log.
func (e Engine) IdentityStore() auth.Store {
	return identityStore{e: e}
}

type identityStore struct {
	e Engine
}

func (s identityStore) GetAgentByHash(ctx context.Context, hash string) (domain.Agent, error) {
	return s.e.Repo.GetAgentByHash(ctx, hash)
}

func (s identityStore) UpsertAgent(ctx context.Context, hash string, p domain.AgentProfile) (domain.Agent, error) {
	var agent domain.Agent
	err := s.e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		agent, err = s.e.Repo.UpsertAgentTx(ctx, tx, hash, p, s.e.stamp())
		if err != nil {
			return err
		}
		return s.e.events().Append(ctx, tx, events.AgentUpserted, "agent", agent.ID, agent.ID,
			events.EventPayload{"moltbook_name": agent.MoltbookName, "karma": agent.Karma})
	})
	if err != nil {
		return domain.Agent{}, err
	}
	s.e.logger().Info(ctx, "agent upserted", "agent_id", agent.ID, "moltbook_name", agent.MoltbookName)
	return agent, nil
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return e.Repo.GetAgent(ctx, id)
}

func (e Engine) GetAgentByName(ctx context.Context, name string) (domain.Agent, error) {
	return e.Repo.GetAgentByName(ctx, name)
}

// ListAgents returns the highest-karma agents first.
func (e Engine) ListAgents(ctx context.Context, limit int) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx, limit)
}

// UpdateSkills replaces the skill set of an agent and drops the cached
// identity for keyHash so the next request sees the new skills.
func (e Engine) UpdateSkills(ctx context.Context, agentID, keyHash string, skills []string) (domain.Agent, error) {
	if skills == nil {
		skills = []string{}
	}
	if err := validateSkills(skills); err != nil {
		return domain.Agent{}, err
	}
	invalidate := func() {
		if e.Auth != nil && e.Auth.Cache != nil && keyHash != "" {
			e.Auth.Cache.Invalidate(keyHash)
		}
	}
	// Before and after: lookups that read the old row in between are
	// refused by the cache generation check.
	invalidate()
	var agent domain.Agent
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		agent, err = e.Repo.UpdateAgentSkillsTx(ctx, tx, agentID, skills)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.AgentSkillsUpdated, "agent", agentID, agentID,
			events.EventPayload{"skills": skills})
	})
	invalidate()
	if err != nil {
		return domain.Agent{}, err
	}
	return agent, nil
}

// Stats counts open jobs, agents and applications concurrently.
func (e Engine) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := e.Repo.CountOpenJobs(gctx)
		st.OpenJobs = n
		return err
	})
	g.Go(func() error {
		n, err := e.Repo.CountAgents(gctx)
		st.TotalAgents = n
		return err
	})
	g.Go(func() error {
		n, err := e.Repo.CountApplications(gctx)
		st.TotalApplications = n
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Stats{}, err
	}
	return st, nil
}

func (e Engine) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
}
