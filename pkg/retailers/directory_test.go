package retailers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/sidecart/pkg/storage"
	"github.com/entrhq/sidecart/pkg/types"
)

type fakeFetcher struct {
	configs []Config
	err     error
	calls   int
}

func (f *fakeFetcher) FetchRetailerDirectory(ctx context.Context) ([]Config, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.configs, nil
}

func testConfig() Config {
	return Config{
		DomainKey:  "acme",
		Name:       "Acme",
		DomainKeys: []string{"acme"},
		Domains: DomainSet{Domains: []types.RetailerDomain{
			{Domain: "https://www.acme.ca", LangKeys: []string{"en"}},
		}},
		URLPatterns: PatternSet{Patterns: []Pattern{
			{Type: PatternCart, Value: []string{"/cart"}},
			{Type: PatternProduct, Value: []string{"/product/"}},
			{Type: PatternProductIgnore, Value: []string{"/product/reviews"}},
		}},
	}
}

func TestEnsureRefreshesWhenEmpty(t *testing.T) {
	fetcher := &fakeFetcher{configs: []Config{testConfig()}}
	d := NewDirectory(fetcher)
	defer d.Close()

	configs, err := d.Ensure(context.Background())
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, 1, fetcher.calls)

	// Second call serves the snapshot without fetching.
	_, err = d.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)
}

func TestRefreshErrorPropagatesAndArmsRetry(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("backend down")}
	d := NewDirectory(fetcher, WithRetryInterval(10*time.Millisecond))
	defer d.Close()

	_, err := d.Refresh(context.Background())
	require.Error(t, err)

	// The retry timer fires and attempts another fetch.
	fetcher.err = nil
	fetcher.configs = []Config{testConfig()}
	assert.Eventually(t, func() bool {
		return len(d.Snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSnapshotPersistsAndRestores(t *testing.T) {
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	fetcher := &fakeFetcher{configs: []Config{testConfig()}}
	d := NewDirectory(fetcher, WithStore(store))
	_, err = d.Refresh(context.Background())
	require.NoError(t, err)
	d.Close()

	// A fresh directory restores from the store without fetching.
	restored := NewDirectory(&fakeFetcher{err: errors.New("should not be called")}, WithStore(store))
	defer restored.Close()
	require.NoError(t, restored.Start(context.Background()))

	configs := restored.Snapshot()
	require.Len(t, configs, 1)
	assert.Equal(t, "acme", configs[0].DomainKey)
}

func TestSnapshotFileHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retailers.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0600))

	d := NewDirectory(&fakeFetcher{}, WithSnapshotFile(path))
	defer d.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))

	payload := `[{"domain_key":"acme","name":"Acme","domain_keys":["acme"],
		"domains":{"domains":[{"domain":"https://www.acme.ca"}]},
		"url_patterns":{"url_patterns":[]}}]`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0600))

	assert.Eventually(t, func() bool {
		snap := d.Snapshot()
		return len(snap) == 1 && snap[0].DomainKey == "acme"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPatternMatcher(t *testing.T) {
	pm := testConfig().CompilePatterns()

	assert.True(t, pm.Match(PatternCart, "/cart"))
	assert.True(t, pm.Match(PatternCart, "/en/cart/view"))
	assert.True(t, pm.Match(PatternProduct, "/product/123"))
	assert.True(t, pm.Match(PatternProductIgnore, "/product/reviews/123"))
	assert.False(t, pm.Match(PatternCart, "/checkout"))
	assert.False(t, pm.Match(PatternCartIgnore, "/cart"))
}

func TestPatternMatcherKeepsGlobMetaLiteral(t *testing.T) {
	cfg := Config{URLPatterns: PatternSet{Patterns: []Pattern{
		{Type: PatternProduct, Value: []string{"/p[1]/"}},
	}}}
	pm := cfg.CompilePatterns()

	assert.True(t, pm.Match(PatternProduct, "/shop/p[1]/42"))
	assert.False(t, pm.Match(PatternProduct, "/shop/p1/42"))
}

func TestFallbackCoversStaplesAlternateDomain(t *testing.T) {
	var staples *Config
	for i := range Fallback() {
		cfg := Fallback()[i]
		if cfg.DomainKey == "staples" {
			staples = &cfg
			break
		}
	}
	require.NotNil(t, staples)
	assert.Contains(t, staples.DomainKeys, "bureauengros")
}
