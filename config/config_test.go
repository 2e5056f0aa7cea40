package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "feedfanout.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "server:\n  port: 9090\n"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Queue.Concurrency)
	assert.Equal(t, 1, cfg.Queue.GroupConcurrency)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Queue.LeaseTimeout)
	assert.Equal(t, 500, cfg.Fanout.PageSize)
	assert.Equal(t, "sql", cfg.Fanout.MembershipBackend)
	assert.Equal(t, 30*time.Second, cfg.Fanout.MemberCacheTTL)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, "newsfeed.events", cfg.NATS.OutboundPrefix)
	assert.Equal(t, "NEWSFEED_INGEST", cfg.NATS.Stream)
	assert.Equal(t, "feedfanout-ingest", cfg.NATS.Durable)
	assert.Equal(t, 10, cfg.NATS.MaxDeliver)
	assert.Equal(t, 5*time.Second, cfg.NATS.NakDelay)
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, `
queue:
  concurrency: 4
  backoff_base: 250ms
fanout:
  membership_backend: neo4j
neo4j:
  uri: bolt://graph:7687
`))
	t.Setenv("QUEUE_CONCURRENCY", "32")
	t.Setenv("SCHEDULER_INTERVAL", "5m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Queue.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, "neo4j", cfg.Fanout.MembershipBackend)
	assert.Equal(t, "bolt://graph:7687", cfg.Neo4j.URI)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero concurrency":       "queue:\n  concurrency: 0\n",
		"zero group concurrency": "queue:\n  group_concurrency: 0\n",
		"lease shorter than job": "queue:\n  job_timeout: 5m\n  lease_timeout: 1m\n",
		"unknown backend":        "fanout:\n  membership_backend: dgraph\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CONFIG_PATH", writeConfig(t, body))
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "queue: [unterminated\n"))
	_, err := Load()
	assert.Error(t, err)
}
