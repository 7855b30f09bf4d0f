package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"moltjobs/internal/app"
	"moltjobs/internal/config"
	"moltjobs/internal/domain"
)

type testServer struct {
	URL      string
	client   *http.Client
	moltbook *fakeMoltbook
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// fakeMoltbook answers GET /agents/me for a fixed set of keys.
type fakeMoltbook struct {
	agents map[string]map[string]any
	calls  atomic.Int64
}

func (f *fakeMoltbook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if r.URL.Path != "/agents/me" {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	profile, ok := f.agents[key]
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"bad key"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile)
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	fake := &fakeMoltbook{agents: map[string]map[string]any{
		"moltbook_poster":    {"name": "poster", "karma": 12, "is_claimed": true},
		"moltbook_applicant": {"name": "applicant", "karma": 4},
		"moltbook_other":     {"name": "other"},
	}}
	mb := httptest.NewServer(fake)

	cfg := config.Default()
	cfg.Moltbook.BaseURL = mb.URL
	cfg.Session.Secret = "test-session-secret-0123"
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{Engine: a.Engine, BasePath: "/api"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{},
		moltbook: fake,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			mb.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) errorEnvelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s: %s", code, env.Error.Code, string(data))
	}
	return env
}

func createJob(t *testing.T, srv *testServer, key string, body map[string]any) domain.JobWithPoster {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/jobs", body, bearer(key))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	return decode[domain.JobWithPoster](t, data)
}

func TestHealthAndStats(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK || decode[HealthResponse](t, data).Status != "ok" {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/stats", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}
	if st := decode[domain.Stats](t, data); st != (domain.Stats{}) {
		t.Fatalf("expected empty stats, got %+v", st)
	}
}

func TestVerifyIssuesSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/verify", map[string]any{"moltbookApiKey": "nope"}, nil)
	env := expectError(t, res, data, http.StatusBadRequest, "validation_failed")
	if env.Error.Details["moltbookApiKey"] == nil {
		t.Fatalf("expected field detail, got %+v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/verify", map[string]any{"moltbookApiKey": "moltbook_unknown"}, nil)
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credential")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/verify", map[string]any{"moltbookApiKey": "moltbook_poster"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	verified := decode[VerifyResponse](t, data)
	if !verified.Success || verified.Agent.MoltbookName != "poster" || verified.Agent.Karma != 12 {
		t.Fatalf("unexpected verify response %+v", verified)
	}
	if verified.SessionToken == "" || verified.SessionExpiresAt == "" {
		t.Fatalf("expected a session token, got %+v", verified)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/agents/me", nil, map[string]string{SessionHeader: verified.SessionToken})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via session status %d: %s", res.StatusCode, string(data))
	}
	me := decode[PrivateAgentResponse](t, data)
	if me.ID != verified.Agent.ID || me.ProfileUpdatedAt == "" {
		t.Fatalf("unexpected profile %+v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/agents/me", nil, map[string]string{SessionHeader: "garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad session, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthHeaderErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/agents/me", nil, nil)
	env := expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
	if !strings.Contains(env.Error.Message, "Bearer moltbook_xxx") {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/agents/me", nil, bearer("sk_live_123"))
	expectError(t, res, data, http.StatusUnauthorized, "malformed_credential")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/agents/me", nil, map[string]string{"Authorization": "Token moltbook_poster"})
	expectError(t, res, data, http.StatusUnauthorized, "malformed_credential")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/agents/me", nil, bearer("moltbook_revoked"))
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credential")

	// public routes ignore a failed credential
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs", nil, bearer("moltbook_revoked"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("public search with bad key status %d: %s", res.StatusCode, string(data))
	}
}

func TestIdentityIsCachedAcrossRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/agents/me", nil, bearer("moltbook_applicant"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("me status %d: %s", res.StatusCode, string(data))
		}
	}
	if got := srv.moltbook.calls.Load(); got != 1 {
		t.Fatalf("expected one provider call, got %d", got)
	}
}

func TestSkillsAndPublicProfile(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/api/agents/me/skills", map[string]any{"skills": []string{"go", "sql"}}, bearer("moltbook_poster"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("skills status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[PrivateAgentResponse](t, data).Skills; len(got) != 2 {
		t.Fatalf("unexpected skills %v", got)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/agents/poster", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("public profile status %d: %s", res.StatusCode, string(data))
	}
	if strings.Contains(string(data), "profile_updated_at") || strings.Contains(string(data), "api_key") {
		t.Fatalf("public profile leaks private fields: %s", string(data))
	}
	if pub := decode[PublicAgentResponse](t, data); pub.MoltbookName != "poster" || !pub.IsClaimed {
		t.Fatalf("unexpected public profile %+v", pub)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/agents/ghost", nil, nil)
	env := expectError(t, res, data, http.StatusNotFound, "not_found")
	if env.Error.Message != "agent not found" {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}
}

func TestJobLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/jobs", map[string]any{"title": "Scrape", "description": "scrape the web"}, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/jobs", map[string]any{"title": "x", "description": "short"}, bearer("moltbook_poster"))
	env := expectError(t, res, data, http.StatusBadRequest, "validation_failed")
	if env.Error.Details["title"] == nil || env.Error.Details["description"] == nil {
		t.Fatalf("expected title and description details, got %+v", env.Error.Details)
	}

	job := createJob(t, srv, "moltbook_poster", map[string]any{
		"title":         "Summarize papers",
		"description":   "summarize ten papers per day",
		"skills_needed": []string{"nlp", "python"},
		"job_type":      "bounty",
	})
	if job.Status != domain.JobStatusOpen || job.Submolt != "general" || job.PosterAgent.MoltbookName != "poster" {
		t.Fatalf("unexpected job %+v", job)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs/"+job.ID, nil, nil)
	if res.StatusCode != http.StatusOK || decode[domain.JobWithPoster](t, data).Title != "Summarize papers" {
		t.Fatalf("get job: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/jobs/"+job.ID, map[string]any{"title": "Stolen"}, bearer("moltbook_other"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/jobs/"+job.ID, map[string]any{"compensation": "50 karma"}, bearer("moltbook_poster"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[domain.JobWithPoster](t, data).Compensation; got == nil || *got != "50 karma" {
		t.Fatalf("unexpected compensation %v", got)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/jobs/"+job.ID, nil, bearer("moltbook_poster"))
	if res.StatusCode != http.StatusOK || decode[domain.JobWithPoster](t, data).Status != domain.JobStatusCancelled {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs", nil, nil)
	if list := decode[JobListResponse](t, data); list.Total != 0 || len(list.Jobs) != 0 {
		t.Fatalf("cancelled job listed as open: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs?status=all", nil, nil)
	if list := decode[JobListResponse](t, data); list.Total != 1 || list.Limit != 20 {
		t.Fatalf("status=all: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs/mine", nil, bearer("moltbook_poster"))
	if mine := decode[MyJobsResponse](t, data); res.StatusCode != http.StatusOK || len(mine.Jobs) != 1 {
		t.Fatalf("mine: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs/does-not-exist", nil, nil)
	env = expectError(t, res, data, http.StatusNotFound, "not_found")
	if env.Error.Message != "job not found" {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}
}

func TestSearchFilters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createJob(t, srv, "moltbook_poster", map[string]any{"title": "Python scraper", "description": "scrape listings daily", "skills_needed": []string{"python"}})
	createJob(t, srv, "moltbook_poster", map[string]any{"title": "Go service", "description": "write a small service", "skills_needed": []string{"go"}, "submolt": "infra"})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs?skills=python,rust", nil, nil)
	if list := decode[JobListResponse](t, data); res.StatusCode != http.StatusOK || list.Total != 1 || list.Jobs[0].Title != "Python scraper" {
		t.Fatalf("skills filter: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs?submolt=infra", nil, nil)
	if list := decode[JobListResponse](t, data); list.Total != 1 || list.Jobs[0].Submolt != "infra" {
		t.Fatalf("submolt filter: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs?q=SERVICE&sort=oldest&limit=1", nil, nil)
	if list := decode[JobListResponse](t, data); list.Total != 1 || list.Limit != 1 {
		t.Fatalf("text search: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs?limit=500", nil, nil)
	expectError(t, res, data, http.StatusBadRequest, "validation_failed")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs?sort=random", nil, nil)
	expectError(t, res, data, http.StatusBadRequest, "validation_failed")
}

func TestApplicationFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	job := createJob(t, srv, "moltbook_poster", map[string]any{"title": "Label data", "description": "label a thousand images"})
	applyURL := srv.URL + "/api/jobs/" + job.ID + "/applications"

	res, data := doJSON(t, client, http.MethodPost, applyURL, map[string]any{"message": "pick me"}, bearer("moltbook_poster"))
	expectError(t, res, data, http.StatusBadRequest, "validation_failed")

	res, data = doJSON(t, client, http.MethodPost, applyURL, map[string]any{"message": "pick me"}, bearer("moltbook_applicant"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	appl := decode[domain.ApplicationWithDetails](t, data)
	if appl.Status != domain.ApplicationPending || appl.Job.ID != job.ID || appl.ApplicantAgent.MoltbookName != "applicant" {
		t.Fatalf("unexpected application %+v", appl)
	}

	res, data = doJSON(t, client, http.MethodPost, applyURL, map[string]any{}, bearer("moltbook_applicant"))
	expectError(t, res, data, http.StatusConflict, "already_applied")

	res, data = doJSON(t, client, http.MethodPost, applyURL, nil, bearer("moltbook_other"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply without body status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, applyURL, nil, bearer("moltbook_applicant"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodGet, applyURL, nil, bearer("moltbook_poster"))
	if list := decode[ApplicationListResponse](t, data); res.StatusCode != http.StatusOK || len(list.Applications) != 2 {
		t.Fatalf("applications for job: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/jobs/"+job.ID, nil, nil)
	if got := decode[domain.JobWithPoster](t, data).ApplicationCount; got != 2 {
		t.Fatalf("expected application_count 2, got %d", got)
	}

	statusURL := srv.URL + "/api/applications/" + appl.ID
	res, data = doJSON(t, client, http.MethodPatch, statusURL, map[string]any{"status": "accepted"}, bearer("moltbook_applicant"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPatch, statusURL, map[string]any{"status": "accepted"}, bearer("moltbook_poster"))
	if res.StatusCode != http.StatusOK || decode[domain.ApplicationWithDetails](t, data).Status != domain.ApplicationAccepted {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, statusURL, map[string]any{"status": "pending"}, bearer("moltbook_poster"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for pending, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/applications/mine", nil, bearer("moltbook_applicant"))
	mine := decode[ApplicationListResponse](t, data)
	if res.StatusCode != http.StatusOK || len(mine.Applications) != 1 || mine.Applications[0].Job.Title != "Label data" {
		t.Fatalf("applications mine: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/applications/missing", map[string]any{"status": "withdrawn"}, bearer("moltbook_applicant"))
	env := expectError(t, res, data, http.StatusNotFound, "not_found")
	if env.Error.Message != "application not found" {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}
}

func TestOpenAPIDocumentsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if doc.Components.SecuritySchemes["moltbookKey"] == nil || doc.Components.SecuritySchemes["sessionToken"] == nil {
		t.Fatalf("missing security schemes: %v", doc.Components.SecuritySchemes)
	}
	if len(doc.Paths["/api/jobs"]["post"].Security) == 0 {
		t.Fatalf("POST /api/jobs should require auth")
	}
	if len(doc.Paths["/api/jobs"]["get"].Security) != 0 {
		t.Fatalf("GET /api/jobs should be public")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/api/openapi.json") {
		t.Fatalf("docs: %d", res.StatusCode)
	}
}

func TestOpenAPIConcurrentFetchesMatch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 8
	bodies := make([][]byte, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/api/openapi.json")
			if err != nil {
				errs <- err
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("status %d", res.StatusCode)
				return
			}
			bodies[i], err = io.ReadAll(res.Body)
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("fetch openapi: %v", err)
	}
	for i := 1; i < n; i++ {
		if !bytes.Equal(bodies[0], bodies[i]) {
			t.Fatalf("openapi body %d differs from the first", i)
		}
	}
	if !json.Valid(bodies[0]) {
		t.Fatalf("openapi body is not valid json")
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/nowhere", nil, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")
}
