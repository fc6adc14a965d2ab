package definitions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avennor/ensemble/internal/store"
	"github.com/avennor/ensemble/internal/validation"
	"github.com/avennor/ensemble/pkg/schema"
)

type mockStore struct {
	store.Store // embed for unimplemented methods

	definitions map[string][]byte

	upsertFn func(ctx context.Context, name string, raw []byte) error
}

func newMockStore() *mockStore {
	return &mockStore{definitions: make(map[string][]byte)}
}

func (m *mockStore) UpsertDefinition(ctx context.Context, name string, raw []byte) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, name, raw)
	}
	m.definitions[name] = raw
	return nil
}

func (m *mockStore) GetDefinition(_ context.Context, name string) ([]byte, error) {
	raw, ok := m.definitions[name]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "definition not found")
	}
	return raw, nil
}

func (m *mockStore) ListDefinitions(_ context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte, len(m.definitions))
	for k, v := range m.definitions {
		out[k] = v
	}
	return out, nil
}

func newTestStore(t *testing.T, backing store.Store) *Store {
	t.Helper()
	v, err := validation.NewPayloadValidator()
	require.NoError(t, err)
	return NewStore(backing, v, nil)
}

func sampleDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Commander:    "lead",
		Participants: []string{"lead", "writer"},
		Steps: []schema.StepDefinition{
			{ID: "s1", Role: "writer", Input: "draft {{user_task}}"},
			{ID: "s2", Role: "lead", Input: "review {{s1.result}}", DependOn: []string{"s1"}},
		},
	}
}

func TestUpsertAndGetReturnsDeepCopy(t *testing.T) {
	backing := newMockStore()
	s := newTestStore(t, backing)

	require.NoError(t, s.Upsert(context.Background(), "review", sampleDefinition()))

	got, err := s.Get("review")
	require.NoError(t, err)
	assert.Equal(t, "review", got.Name)
	require.Len(t, got.Steps, 2)

	// Mutating the returned copy must not affect subsequent reads.
	got.Steps[0].Input = "mutated"
	got.Participants[0] = "mutated"

	again, err := s.Get("review")
	require.NoError(t, err)
	assert.Equal(t, "draft {{user_task}}", again.Steps[0].Input)
	assert.Equal(t, "lead", again.Participants[0])
}

func TestUpsertRejectsInvalidDefinition(t *testing.T) {
	s := newTestStore(t, newMockStore())

	def := sampleDefinition()
	def.Steps[1].ID = "s1" // duplicate id

	err := s.Upsert(context.Background(), "broken", def)
	require.Error(t, err)

	var ee *schema.EnsembleError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, schema.ErrCodeValidation, ee.Code)
}

func TestGetUnknownWorkflow(t *testing.T) {
	s := newTestStore(t, newMockStore())

	_, err := s.Get("nope")
	var ee *schema.EnsembleError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

func TestReloadReplacesCacheAndSkipsCorruptRows(t *testing.T) {
	backing := newMockStore()
	raw, err := json.Marshal(sampleDefinition())
	require.NoError(t, err)
	backing.definitions["review"] = raw
	backing.definitions["corrupt"] = []byte("{not json")

	s := newTestStore(t, backing)
	n, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"review"}, s.List())
}

func TestParsePayloadUpsertsWorkflowsAndReturnsAgents(t *testing.T) {
	backing := newMockStore()
	s := newTestStore(t, backing)

	payload := []byte(`{
		"agents": [{"name": "lead", "type": "llm"}, {"name": "writer", "type": "llm"}],
		"workflows": {
			"review": {
				"commander_agent_name": "lead",
				"participants": ["lead", "writer"],
				"steps": [
					{"id": "s1", "role": "writer", "input_template": "draft {{user_task}}"}
				]
			}
		}
	}`)

	agents, updated, err := s.ParsePayload(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, []string{"review"}, updated)
	assert.Contains(t, backing.definitions, "review")
}

func TestParsePayloadRejectsInvalidWithoutPartialUpsert(t *testing.T) {
	backing := newMockStore()
	s := newTestStore(t, backing)

	// Second workflow has a duplicate step id; schema-valid but semantically broken.
	payload := []byte(`{
		"workflows": {
			"good": {"steps": [{"id": "s1", "role": "writer", "input_template": "go"}]},
			"bad": {"steps": [
				{"id": "x", "role": "writer", "input_template": "a"},
				{"id": "x", "role": "writer", "input_template": "b"}
			]}
		}
	}`)

	_, _, err := s.ParsePayload(context.Background(), payload)
	require.Error(t, err)
	assert.Empty(t, backing.definitions)
}

func TestGenerateBuildsSequentialChain(t *testing.T) {
	def, err := Generate("triage", "lead", []string{"writer", "reviewer"},
		[]string{"Summarize the issue", "Propose a fix"})
	require.NoError(t, err)

	require.Len(t, def.Steps, 2)
	assert.Equal(t, "lead", def.Commander)
	assert.Equal(t, "writer", def.Steps[0].Role)
	assert.Equal(t, "reviewer", def.Steps[1].Role)
	assert.Empty(t, def.Steps[0].DependOn)
	assert.Equal(t, []string{"s1"}, def.Steps[1].DependOn)
	assert.Contains(t, def.Steps[1].Input, "{{s1.result}}")

	// Generated definitions must pass semantic validation.
	assert.True(t, schema.ValidateDefinition(def).Valid())
}

func TestGenerateRequiresCommander(t *testing.T) {
	_, err := Generate("triage", "", nil, []string{"stage"})
	var ee *schema.EnsembleError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, schema.ErrCodeValidation, ee.Code)
}
