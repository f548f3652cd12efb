package reload

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/layer0-scanner/internal/dataset"
	"github.com/swarmguard/layer0-scanner/internal/registry"
)

func writeDataset(t *testing.T, dir, name string, rules []dataset.RawRule, hmacSecret string) string {
	t.Helper()
	doc := dataset.RawDataset{
		Metadata: dataset.RawDatasetMetadata{Name: name, Version: "1", TotalRules: len(rules)},
		Rules:    rules,
	}
	if hmacSecret != "" {
		canonical, err := json.Marshal(doc)
		require.NoError(t, err)
		mac := hmac.New(sha256.New, []byte(hmacSecret))
		mac.Write(canonical)
		doc.Metadata.HMACSignature = hex.EncodeToString(mac.Sum(nil))
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, name+".json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func sampleRules() []dataset.RawRule {
	return []dataset.RawRule{
		{
			ID: "r1", Dataset: "core", Pattern: `(?i)ignore previous instructions`,
			Severity: dataset.SeverityCritical, State: dataset.StateActive, Enabled: true, ImpactScore: 0.9,
			PositiveTests: []string{"ignore previous instructions"},
			NegativeTests: []string{"what is the weather"},
		},
	}
}

func TestController_ManualReloadSwapsRegistry(t *testing.T) {
	dir := t.TempDir()
	path := writeDataset(t, dir, "core", sampleRules(), "")

	loader := dataset.NewLoader("", 0)
	reg := registry.New(registry.Build(nil, 0))
	before := reg.Current().Version()

	c := New(loader, reg, []string{path}, nil)
	result, err := c.Reload(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalRules)
	require.Equal(t, reg.Current().Version(), result.RuleSetVersion)

	after := reg.Current().Version()
	require.NotEqual(t, before, after)
	rules := reg.Current().ActiveRules()
	require.Len(t, rules, 1)
	require.Equal(t, "r1", rules[0].ID)
}

func TestController_HMACMismatchKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeDataset(t, dir, "core", sampleRules(), "correct-secret")

	loader := dataset.NewLoader("wrong-secret", 0)
	initial := registry.Build(sampleRules2(), 1)
	reg := registry.New(initial)

	c := New(loader, reg, []string{path}, nil)
	_, err := c.Reload(context.Background())
	require.Error(t, err)

	require.Same(t, initial, reg.Current())
}

func sampleRules2() []dataset.Rule {
	return []dataset.Rule{{ID: "previous", Enabled: true, State: dataset.StateActive, Severity: dataset.SeverityHigh}}
}

func TestController_FsnotifyTriggeredReload(t *testing.T) {
	dir := t.TempDir()
	path := writeDataset(t, dir, "core", nil, "")

	loader := dataset.NewLoader("", 0)
	reg := registry.New(registry.Build(nil, 0))

	c := New(loader, reg, []string{path}, nil, WithFilesystemWatch(true))
	_, err := c.Reload(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	before := reg.Current().Version()

	time.Sleep(50 * time.Millisecond) // let the watcher's Add register before we write
	writeDataset(t, dir, "core", sampleRules(), "")
	_ = path

	require.Eventually(t, func() bool {
		return reg.Current().Version() != before
	}, 2*time.Second, 20*time.Millisecond)

	rules := reg.Current().ActiveRules()
	require.Len(t, rules, 1)
}
