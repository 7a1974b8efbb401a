package testutil

import (
	"context"
	"fmt"
	"time"

	"homeschedule/internal/changestate"
	"homeschedule/internal/clock"
	"homeschedule/internal/entity"
	"homeschedule/internal/ha"
	"homeschedule/internal/presence"
	"homeschedule/internal/schedule"
	"homeschedule/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// TestEnv is a mock HA server with a connected client and an evaluator
// wired over it the way main does
type TestEnv struct {
	Server    *MockHAServer
	Client    *ha.Client
	Clock     *clock.MockClock
	Store     *changestate.Store
	Evaluator *scheduler.Evaluator
	Runner    *scheduler.Runner
	Registry  *prometheus.Registry
	Logger    *zap.Logger
}

// memoryDocs keeps the document in memory
type memoryDocs struct {
	doc *schedule.Document
}

func (m *memoryDocs) Load(ctx context.Context) (*schedule.Document, error) { return m.doc.Clone(), nil }

func (m *memoryDocs) Save(ctx context.Context, doc *schedule.Document) error {
	m.doc = doc.Clone()
	return nil
}

// NewTestEnv starts the server, connects a client and builds an evaluator
// over doc. setup runs before the client connects, to seed entity states.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv(doc, start, func(s *testutil.MockHAServer) {
//	    s.SetState("climate.living_room", "heat", map[string]interface{}{"temperature": 19.0})
//	})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(doc *schedule.Document, start time.Time, setup func(*MockHAServer)) (*TestEnv, error) {
	logger := zap.NewNop()
	const token = "test_token"

	server := NewMockHAServer(token)
	server.Start()
	if setup != nil {
		setup(server)
	}

	client := ha.NewClient(server.URL(), token, logger)
	if err := client.Connect(); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	clk := clock.NewMockClock(start)
	registry := prometheus.NewRegistry()
	store := changestate.NewStore(nil, logger)

	opts := scheduler.DefaultOptions()
	opts.Location = start.Location()
	opts.ApplyTimeout = 2 * time.Second
	opts.Metrics = scheduler.NewMetrics(registry)

	evaluator := scheduler.NewEvaluator(
		doc,
		entity.NewAdapter(client, logger, false),
		presence.NewHASource(client, nil, logger),
		&memoryDocs{doc: doc.Clone()},
		store,
		nil,
		clk,
		logger,
		opts,
	)

	return &TestEnv{
		Server:    server,
		Client:    client,
		Clock:     clk,
		Store:     store,
		Evaluator: evaluator,
		Runner:    scheduler.NewRunner(evaluator, client, clk, time.Minute, logger),
		Registry:  registry,
		Logger:    logger,
	}, nil
}

// Cleanup stops the runner, disconnects and stops the server
func (e *TestEnv) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.Runner.Stop(ctx)
	e.Client.Disconnect()
	e.Server.Stop()
}
