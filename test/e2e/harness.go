// Package e2e provides end-to-end test infrastructure for the quarry
// research server: a full application instance wired the way main wires it,
// with a scripted model, a stubbed search backend, and real everything else.
package e2e

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/api"
	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/graph"
	"github.com/quarrylabs/quarry/pkg/masking"
	"github.com/quarrylabs/quarry/pkg/run"
	"github.com/quarrylabs/quarry/pkg/services"
	"github.com/quarrylabs/quarry/pkg/slack"
	"github.com/quarrylabs/quarry/pkg/store"
	"github.com/quarrylabs/quarry/pkg/tools"
)

// testUser is the identity every request carries. Auth runs in dev mode, so
// the X-User-ID header is trusted as is.
const testUser = "alice"

// TestApp boots a complete quarry instance for e2e testing.
type TestApp struct {
	// Core
	Config *config.Config
	Store  *store.Store

	// Mocks / test wiring
	LLM        *ScriptedLLM
	SearchStub *searchStub

	// Real infrastructure
	Runs         *services.RunService
	Approvals    *services.ApprovalService
	EventService *services.EventService
	Publisher    *events.Publisher
	Broker       *events.Broker
	ConnManager  *events.ConnectionManager
	Manager      *run.Manager
	Server       *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	UserID  string

	httpSrv   *httptest.Server
	closeOnce sync.Once
	t         *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	llm           *ScriptedLLM
	searchResults map[string][]SearchHit
	dbDir         string         // shared database dir (for crash-resume tests)
	slackService  *slack.Service // optional notifier (for Slack notification tests)
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithLLM sets a pre-scripted model client.
func WithLLM(client *ScriptedLLM) TestAppOption {
	return func(c *testAppConfig) { c.llm = client }
}

// WithSearchResults seeds the search stub with canned hits keyed by the
// exact query string.
func WithSearchResults(results map[string][]SearchHit) TestAppOption {
	return func(c *testAppConfig) { c.searchResults = results }
}

// WithDatabaseDir points the app at an existing database directory instead
// of a fresh per-test one. Used by crash-resume tests where a second app
// instance must boot against the first instance's data.
func WithDatabaseDir(dir string) TestAppOption {
	return func(c *testAppConfig) { c.dbDir = dir }
}

// WithSlackService injects a Slack notification service into the run
// manager. Used for testing notifications against a mock API server.
func WithSlackService(svc *slack.Service) TestAppOption {
	return func(c *testAppConfig) { c.slackService = svc }
}

// NewTestApp creates and starts a full quarry test instance.
// Shutdown is registered via t.Cleanup automatically and is safe to call
// again mid-test (crash-resume tests shut the first instance down by hand).
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.llm == nil {
		tc.llm = NewScriptedLLM()
	}
	if tc.dbDir == "" {
		tc.dbDir = t.TempDir()
	}

	ctx := context.Background()

	// 1. Search stub and configuration.
	stub := newSearchStub(tc.searchResults)
	cfg := testAppConfigFile(tc.dbDir, stub.server.URL)

	// 2. Store.
	st, err := store.Open(ctx, cfg.Database)
	require.NoError(t, err)

	// 3. Domain services.
	runs := services.NewRunService(st)
	approvals := services.NewApprovalService(st)
	eventService := services.NewEventService(st)

	// 4. Streaming infrastructure.
	broker := events.NewBroker()
	publisher := events.NewPublisher(eventService, broker)
	catchupQuerier := events.NewEventServiceAdapter(eventService)
	connManager := events.NewConnectionManager(broker, catchupQuerier, 5*time.Second)

	// 5. Research engine: scripted model, stub-backed search adapter, real
	// terminal, file and knowledge tools.
	engine := graph.NewEngine(graph.EngineDeps{
		LLM:       tc.llm,
		Search:    tools.NewWebSearch(cfg.Search),
		Terminal:  tools.NewTerminal(cfg.Engine),
		FileRead:  tools.NewFileRead(cfg.Engine),
		Knowledge: tools.NewKnowledge(),
		Publisher: publisher,
		Approvals: approvals,
		Tokens:    runs,
		Masking:   masking.NewService(),
		Config:    cfg.Engine,
	})

	// 6. Run manager, boot recovery included: a reused database dir with
	// active runs gets them marked interrupted here, exactly like a restart.
	manager := run.NewManager(engine, st, runs, approvals, publisher, tc.slackService, cfg.Engine)
	connManager.SetStateProvider(manager)
	require.NoError(t, manager.MarkInterruptedAtBoot(ctx))

	// 7. HTTP server.
	server := api.NewServer(api.Deps{
		Config:       *cfg,
		Store:        st,
		Runs:         runs,
		Approvals:    approvals,
		EventService: eventService,
		Manager:      manager,
		ConnManager:  connManager,
	})
	httpSrv := httptest.NewServer(server.Handler())

	app := &TestApp{
		Config:       cfg,
		Store:        st,
		LLM:          tc.llm,
		SearchStub:   stub,
		Runs:         runs,
		Approvals:    approvals,
		EventService: eventService,
		Publisher:    publisher,
		Broker:       broker,
		ConnManager:  connManager,
		Manager:      manager,
		Server:       server,
		BaseURL:      httpSrv.URL,
		UserID:       testUser,
		httpSrv:      httpSrv,
		t:            t,
	}

	t.Cleanup(app.Shutdown)
	return app
}

// Shutdown stops the instance: intake first, then the run manager. Live
// drives are cancelled, not drained, which leaves their runs active in the
// database; that is the crash semantics resume tests depend on.
func (app *TestApp) Shutdown() {
	app.closeOnce.Do(func() {
		app.httpSrv.Close()
		app.Manager.Close()
		app.Broker.Close()
		_ = app.Store.Close()
		app.SearchStub.close()
	})
}

// testAppConfigFile builds the configuration a test instance runs with:
// dev-mode auth, a sqlite store under dir, the stub search backend, and the
// same engine budgets the unit tests use.
func testAppConfigFile(dbDir, searchURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Auth:   config.AuthConfig{}, // empty secret = dev mode
		LLM: config.LLMConfig{
			Provider: config.LLMProviderOpenAI,
			APIKey:   "test-key",
			Model:    "test-model",
		},
		Search: config.SearchConfig{
			APIKey:                "test-key",
			BaseURL:               searchURL,
			TimeoutSeconds:        5,
			MaxResults:            5,
			BiEncoderThreshold:    0.3,
			CrossEncoderThreshold: 0.35,
		},
		Database: config.DatabaseConfig{
			Driver: config.DatabaseDriverSQLite,
			Dir:    dbDir,
			File:   "quarry_e2e.db",
		},
		Engine: config.EngineConfig{
			MinPlanSteps:                  1,
			MaxPlanSteps:                  10,
			MaxSubsteps:                   3,
			MaxExecutorCalls:              5,
			MaxSearchesPerStep:            3,
			MaxFileReadChars:              8000,
			TerminalOutputLimit:           4000,
			TerminalDefaultTimeoutSeconds: 30,
			TerminalMaxTimeoutSeconds:     300,
			MaxConcurrentRuns:             4,
		},
	}
}
