package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/usecase/router"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryYAML = `
providers:
  - id: cloud
    capability: channel
    type: cloud
    priority_order: 2
    base_url: https://api.example.com
    token_env: CLOUD_TOKEN
    timeout: 10s
  - id: web
    capability: channel
    type: web
    priority_order: 1
    base_url: http://gateway:8080
    rate_per_second: 1
    burst: 3
  - id: openai
    capability: inference
    type: openai
    priority_order: 2
    token_env: OPENAI_API_KEY
  - id: claude
    capability: inference
    type: claude
    priority_order: 1
    token_env: ANTHROPIC_API_KEY
    model: claude-test
  - id: spare
    capability: channel
    type: web
    priority_order: 0
    base_url: http://spare:8080
    disabled: true
`

type chainRecorder struct {
	mu     sync.Mutex
	chains map[entity.Capability][]string
}

func (c *chainRecorder) SetChain(capability entity.Capability, providers []router.Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chains == nil {
		c.chains = make(map[entity.Capability][]string)
	}
	ids := make([]string, 0, len(providers))
	for _, p := range providers {
		ids = append(ids, p.ID())
	}
	c.chains[capability] = ids
	return nil
}

func (c *chainRecorder) get(capability entity.Capability) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chains[capability]
}

func noEnv(string) string { return "" }

func TestParse(t *testing.T) {
	f, err := Parse([]byte(registryYAML))
	require.NoError(t, err)
	require.Len(t, f.Providers, 5)

	cloud := f.Providers[0]
	assert.Equal(t, "cloud", cloud.ID)
	assert.Equal(t, 10*time.Second, cloud.Timeout)
	assert.Equal(t, "CLOUD_TOKEN", cloud.TokenEnv)
	assert.Equal(t, 1.0, f.Providers[1].RatePerSecond)
	assert.True(t, f.Providers[4].Disabled)
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Providers)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown key",
			yaml: "providers:\n  - id: a\n    capability: channel\n    type: web\n    base_url: http://a\n    colour: red\n",
		},
		{
			name: "unknown type",
			yaml: "providers:\n  - id: a\n    capability: channel\n    type: carrier-pigeon\n",
		},
		{
			name: "missing id",
			yaml: "providers:\n  - capability: channel\n    type: web\n    base_url: http://a\n",
		},
		{
			name: "duplicate id",
			yaml: "providers:\n  - id: a\n    capability: channel\n    type: web\n    base_url: http://a\n  - id: a\n    capability: channel\n    type: cloud\n    base_url: http://b\n",
		},
		{
			name: "capability mismatch",
			yaml: "providers:\n  - id: a\n    capability: channel\n    type: claude\n",
		},
		{
			name: "channel without base_url",
			yaml: "providers:\n  - id: a\n    capability: channel\n    type: cloud\n",
		},
		{
			name: "negative burst",
			yaml: "providers:\n  - id: a\n    capability: channel\n    type: web\n    base_url: http://a\n    burst: -1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_ValidationErrorNamesField(t *testing.T) {
	_, err := Parse([]byte("providers:\n  - id: a\n    capability: channel\n    type: cloud\n"))
	var ve *entity.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "providers.base_url", ve.Field)
}

func TestBuild(t *testing.T) {
	env := map[string]string{"CLOUD_TOKEN": "secret"}
	getenv := func(k string) string { return env[k] }

	tests := []struct {
		spec Spec
		want any
	}{
		{spec: Spec{ID: "w", Type: TypeWeb, BaseURL: "http://w"}, want: &WebProvider{}},
		{spec: Spec{ID: "c", Type: TypeCloud, BaseURL: "http://c", TokenEnv: "CLOUD_TOKEN"}, want: &CloudProvider{}},
		{spec: Spec{ID: "a", Type: TypeClaude}, want: &ClaudeProvider{}},
		{spec: Spec{ID: "o", Type: TypeOpenAI}, want: &OpenAIProvider{}},
	}
	for _, tt := range tests {
		t.Run(tt.spec.Type, func(t *testing.T) {
			p, err := Build(tt.spec, getenv)
			require.NoError(t, err)
			assert.IsType(t, tt.want, p)
			assert.Equal(t, tt.spec.ID, p.ID())
		})
	}

	p, err := Build(Spec{ID: "c", Type: TypeCloud, BaseURL: "http://c", TokenEnv: "CLOUD_TOKEN"}, getenv)
	require.NoError(t, err)
	assert.Equal(t, "secret", p.(*CloudProvider).cfg.Token)

	_, err = Build(Spec{ID: "x", Type: "fax"}, getenv)
	assert.ErrorIs(t, err, entity.ErrInvalidInput)
}

func TestApply_OrdersByPriority(t *testing.T) {
	f, err := Parse([]byte(registryYAML))
	require.NoError(t, err)

	rec := &chainRecorder{}
	require.NoError(t, Apply(rec, f, noEnv))

	assert.Equal(t, []string{"web", "cloud"}, rec.get(entity.CapabilityChannel))
	assert.Equal(t, []string{"claude", "openai"}, rec.get(entity.CapabilityInference))
}

func TestApply_TiesBreakByID(t *testing.T) {
	f := &File{Providers: []Spec{
		{ID: "zeta", Capability: "channel", Type: TypeWeb, BaseURL: "http://z", PriorityOrder: 1},
		{ID: "alpha", Capability: "channel", Type: TypeWeb, BaseURL: "http://a", PriorityOrder: 1},
	}}
	rec := &chainRecorder{}
	require.NoError(t, Apply(rec, f, noEnv))
	assert.Equal(t, []string{"alpha", "zeta"}, rec.get(entity.CapabilityChannel))
	assert.Empty(t, rec.get(entity.CapabilityInference))
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: []\n"), 0o600))

	var (
		mu     sync.Mutex
		loaded []*File
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(f *File) {
			mu.Lock()
			loaded = append(loaded, f)
			mu.Unlock()
		})
	}()

	// Give the watcher time to register before the first write.
	time.Sleep(100 * time.Millisecond)

	// An invalid file keeps the previous configuration.
	require.NoError(t, os.WriteFile(path, []byte("providers: [{id: a, type: fax}]\n"), 0o600))
	time.Sleep(400 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, loaded)
	mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o600))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(loaded) > 0 && len(loaded[len(loaded)-1].Providers) == 5
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
