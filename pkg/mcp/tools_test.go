package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avennor/ensemble/internal/agent"
	"github.com/avennor/ensemble/internal/definitions"
	"github.com/avennor/ensemble/internal/engine"
	"github.com/avennor/ensemble/internal/store"
	"github.com/avennor/ensemble/internal/streaming"
	"github.com/avennor/ensemble/pkg/schema"
)

// mockStore keeps definitions and instance snapshots in memory.
type mockStore struct {
	store.Store // embed for unimplemented methods

	mu          sync.Mutex
	definitions map[string][]byte
	instances   map[string]*schema.Instance
	schedules   map[string]*store.ScheduledStart
}

func newMockStore() *mockStore {
	return &mockStore{
		definitions: make(map[string][]byte),
		instances:   make(map[string]*schema.Instance),
		schedules:   make(map[string]*store.ScheduledStart),
	}
}

func (m *mockStore) UpsertDefinition(_ context.Context, name string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[name] = raw
	return nil
}

func (m *mockStore) ListDefinitions(_ context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.definitions))
	for k, v := range m.definitions {
		out[k] = v
	}
	return out, nil
}

func (m *mockStore) SaveInstance(_ context.Context, inst *schema.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = inst
	return nil
}

func (m *mockStore) ListInstances(_ context.Context) ([]*schema.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (m *mockStore) AppendStatusEvent(_ context.Context, _ *schema.StatusEvent) error {
	return nil
}

func (m *mockStore) CreateScheduledStart(_ context.Context, job *store.ScheduledStart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[job.ID] = job
	return nil
}

func (m *mockStore) ListScheduledStarts(_ context.Context, onlyEnabled bool) ([]*store.ScheduledStart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.ScheduledStart, 0, len(m.schedules))
	for _, job := range m.schedules {
		if onlyEnabled && !job.Enabled {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (m *mockStore) UpdateScheduledStart(_ context.Context, id string, update store.ScheduledStartUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled start not found: %s", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	return nil
}

func (m *mockStore) DeleteScheduledStart(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func newTestServer(t *testing.T) (*EnsembleServer, *agent.MapInvoker, *engine.Engine) {
	t.Helper()
	backing := newMockStore()
	defs := definitions.NewStore(backing, nil, nil)
	invoker := agent.NewMapInvoker()
	registry := engine.NewRegistry(backing, nil)
	emitter := streaming.NewEmitter(streaming.NewMemoryHub(), nil, nil)
	eng := engine.New(defs, registry, invoker, emitter, nil, nil)

	require.NoError(t, defs.Upsert(context.Background(), "review", &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{{ID: "s1", Role: "writer", Input: "draft {{user_task}}"}},
	}))
	invoker.Register("writer", func(_ context.Context, _, _ string) (*schema.AgentResult, error) {
		return schema.TextResult("drafted"), nil
	})

	return NewEnsembleServer(EnsembleServerDeps{Engine: eng, Store: backing}), invoker, eng
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, "unexpected tool error: %+v", res.Content)
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestStartTool(t *testing.T) {
	s, _, eng := newTestServer(t)

	res, err := s.handleStart(context.Background(), buildRequest("ensemble.start", map[string]any{
		"workflow":  "review",
		"user_task": "write the intro",
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	instanceID, _ := out["instance_id"].(string)
	require.NotEmpty(t, instanceID)

	eng.Wait()
	inst, err := eng.GetWorkflowStatus(instanceID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
}

func TestStartTool_MissingArgs(t *testing.T) {
	s, _, _ := newTestServer(t)

	res, err := s.handleStart(context.Background(), buildRequest("ensemble.start", map[string]any{
		"workflow": "review",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestStartTool_UnknownWorkflow(t *testing.T) {
	s, _, _ := newTestServer(t)

	res, err := s.handleStart(context.Background(), buildRequest("ensemble.start", map[string]any{
		"workflow":  "nope",
		"user_task": "x",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestStatusTool(t *testing.T) {
	s, _, eng := newTestServer(t)

	id, err := eng.StartWorkflow(context.Background(), "review", "task", "")
	require.NoError(t, err)
	eng.Wait()

	res, err := s.handleStatus(context.Background(), buildRequest("ensemble.status", map[string]any{
		"instance_id": id,
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	assert.Equal(t, id, out["id"])
	assert.Equal(t, string(schema.InstanceStatusCompleted), out["status"])
}

func TestStatusTool_NotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	res, err := s.handleStatus(context.Background(), buildRequest("ensemble.status", map[string]any{
		"instance_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestWorkflowsAndRosterTools(t *testing.T) {
	s, _, _ := newTestServer(t)

	res, err := s.handleWorkflows(context.Background(), buildRequest("ensemble.workflows", nil))
	require.NoError(t, err)
	out := resultJSON(t, res)
	workflows, _ := out["workflows"].([]any)
	require.Len(t, workflows, 1)

	res, err = s.handleRoster(context.Background(), buildRequest("ensemble.roster", nil))
	require.NoError(t, err)
	out = resultJSON(t, res)
	assert.Equal(t, []any{"writer"}, out["roster"])
}

func TestConfigureTool(t *testing.T) {
	s, _, eng := newTestServer(t)

	res, err := s.handleConfigure(context.Background(), buildRequest("ensemble.configure", map[string]any{
		"workflow":  "triage",
		"commander": "writer",
		"stages":    "Summarize the bug\nPropose a fix",
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	assert.Equal(t, float64(2), out["steps"])
	assert.Len(t, eng.ListWorkflows(), 2)
}

func TestUpdateTool(t *testing.T) {
	s, _, eng := newTestServer(t)

	res, err := s.handleUpdate(context.Background(), buildRequest("ensemble.update", map[string]any{
		"payload": map[string]any{
			"workflows": map[string]any{
				"imported": map[string]any{
					"steps": []any{
						map[string]any{"id": "s1", "role": "writer", "input_template": "go"},
					},
				},
			},
		},
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	assert.Equal(t, []any{"imported"}, out["updated"])
	assert.Len(t, eng.ListWorkflows(), 2)
}

func TestReloadTool(t *testing.T) {
	s, _, eng := newTestServer(t)

	res, err := s.handleReload(context.Background(), buildRequest("ensemble.reload", nil))
	require.NoError(t, err)

	out := resultJSON(t, res)
	assert.Equal(t, float64(1), out["loaded"])
	assert.Len(t, eng.ListWorkflows(), 1)
}

func TestScheduleTool_CreateListDelete(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSchedule(ctx, buildRequest("ensemble.schedule", map[string]any{
		"action":    "create",
		"workflow":  "review",
		"user_task": "nightly digest",
		"cron":      "0 3 * * *",
	}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	id, _ := out["id"].(string)
	require.NotEmpty(t, id)
	require.NotEmpty(t, out["next_run_at"])

	res, err = s.handleSchedule(ctx, buildRequest("ensemble.schedule", map[string]any{
		"action": "list",
	}))
	require.NoError(t, err)
	out = resultJSON(t, res)
	schedules, _ := out["schedules"].([]any)
	require.Len(t, schedules, 1)
	first, _ := schedules[0].(map[string]any)
	assert.Equal(t, "review", first["workflow"])
	assert.Equal(t, "0 3 * * *", first["cron_expression"])
	assert.Equal(t, true, first["enabled"])

	res, err = s.handleSchedule(ctx, buildRequest("ensemble.schedule", map[string]any{
		"action":      "delete",
		"schedule_id": id,
	}))
	require.NoError(t, err)
	out = resultJSON(t, res)
	assert.Equal(t, id, out["deleted"])

	res, err = s.handleSchedule(ctx, buildRequest("ensemble.schedule", map[string]any{
		"action": "list",
	}))
	require.NoError(t, err)
	out = resultJSON(t, res)
	assert.Empty(t, out["schedules"])
}

func TestScheduleTool_EnableDisable(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSchedule(ctx, buildRequest("ensemble.schedule", map[string]any{
		"action":   "create",
		"workflow": "review",
		"cron":     "*/5 * * * *",
	}))
	require.NoError(t, err)
	id, _ := resultJSON(t, res)["id"].(string)
	require.NotEmpty(t, id)

	res, err = s.handleSchedule(ctx, buildRequest("ensemble.schedule", map[string]any{
		"action":      "disable",
		"schedule_id": id,
	}))
	require.NoError(t, err)
	assert.Equal(t, false, resultJSON(t, res)["enabled"])

	res, err = s.handleSchedule(ctx, buildRequest("ensemble.schedule", map[string]any{
		"action":      "enable",
		"schedule_id": id,
	}))
	require.NoError(t, err)
	assert.Equal(t, true, resultJSON(t, res)["enabled"])
}

func TestScheduleTool_Validation(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSchedule(ctx, buildRequest("ensemble.schedule", map[string]any{
		"action":   "create",
		"workflow": "review",
		"cron":     "not a cron",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleSchedule(ctx, buildRequest("ensemble.schedule", map[string]any{
		"action":   "create",
		"workflow": "nope",
		"cron":     "0 3 * * *",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleSchedule(ctx, buildRequest("ensemble.schedule", map[string]any{
		"action": "explode",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
