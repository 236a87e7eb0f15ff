package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/companion/internal/config"
	"github.com/scrypster/companion/internal/memory"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "Default host must be 127.0.0.1 for security")
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, 0.6, cfg.Memory.EvidenceThreshold)
	assert.Equal(t, 5, cfg.Memory.ConversationLimit)
	assert.Equal(t, 3, cfg.Memory.DogLimit)
	assert.Equal(t, 3, cfg.Memory.UserLimit)
	assert.Equal(t, 30*time.Second, cfg.Flow.CallTimeout)
	assert.Equal(t, 2, cfg.Flow.DecisionRetries)
	assert.Equal(t, time.Second, cfg.Flow.RetryBackoff)
	assert.True(t, cfg.StateMachine.Watch)
	assert.Equal(t, "./data/companion.db", cfg.Storage.SQLitePath())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("COMPANION_SERVER_PORT", "9090")
	t.Setenv("COMPANION_LLM_PROVIDER", "deepseek")
	t.Setenv("COMPANION_MEMORY_COLLECTION_DOG", "dog_memories")
	t.Setenv("COMPANION_FLOW_CALL_TIMEOUT", "5s")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, "deepseek", cfg.LLM.Provider)
	assert.Equal(t, 5*time.Second, cfg.Flow.CallTimeout)

	names := cfg.Memory.Names()
	assert.Equal(t, "dog_memories", names.Physical(memory.CollectionDog))
	assert.Equal(t, "user", names.Physical(memory.CollectionUser))
}

func TestFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"port out of range", "COMPANION_SERVER_PORT", "70000"},
		{"unknown engine", "COMPANION_STORAGE_ENGINE", "mongodb"},
		{"unknown provider", "COMPANION_LLM_PROVIDER", "bard"},
		{"threshold above one", "COMPANION_MEMORY_EVIDENCE_THRESHOLD", "1.5"},
		{"zero recall limit", "COMPANION_MEMORY_DOG_LIMIT", "0"},
		{"postgres without dsn", "COMPANION_STORAGE_ENGINE", "postgres"},
		{"production without token", "COMPANION_SECURITY_MODE", "production"},
		{"unparseable duration", "COMPANION_FLOW_CALL_TIMEOUT", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := config.FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg, err := config.FromEnv()
	require.NoError(t, err)

	cfg.Server.Port = 0
	cfg.Storage.Engine = "nope"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "storage engine")
}

func TestBackupDir(t *testing.T) {
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "./data/backups", cfg.BackupDir())
	assert.Zero(t, cfg.Backup.Interval, "scheduled backups are opt-in")
	assert.True(t, cfg.Backup.Verify)

	t.Setenv("COMPANION_BACKUP_DIR", "/var/backups/companion")
	t.Setenv("COMPANION_BACKUP_INTERVAL", "6h")
	cfg, err = config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/var/backups/companion", cfg.BackupDir())
	assert.Equal(t, 6*time.Hour, cfg.Backup.Interval)
}
