package launcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrepp/procvisor/pkg/procmgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procvisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "workers_dir: ./workers\n")

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Supervisor.CheckTimeout)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.StopTimeout)
	assert.True(t, cfg.Supervisor.RestartOnCleanExit)
	assert.Zero(t, cfg.Supervisor.MaxRestarts)
	assert.Empty(t, cfg.Supervisor.Signals)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Empty(t, cfg.Status.GRPCAddr)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
supervisor:
  check_timeout: 0.5
  stop_timeout: 1500ms
  restart_on_clean_exit: false
  max_restarts: 5
  signals: [TERM, INT]
workers:
  - name: sleeper
    executable: sh
    args: ["-c", "sleep 60"]
    replicas: 2
log:
  level: debug
  format: json
status:
  http_addr: 127.0.0.1:0
`)

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 500*time.Millisecond, cfg.Supervisor.CheckTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Supervisor.StopTimeout)
	assert.False(t, cfg.Supervisor.RestartOnCleanExit)
	assert.Equal(t, 5, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, []string{"TERM", "INT"}, cfg.Supervisor.Signals)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:0", cfg.Status.HTTPAddr)

	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, "sleeper", cfg.Workers[0].Name)
	assert.Equal(t, []string{"-c", "sleep 60"}, cfg.Workers[0].Args)

	registry, err := cfg.Registry(quietLogger())
	require.NoError(t, err)
	descriptors := registry.Descriptors()
	require.Len(t, descriptors, 2)
	assert.Equal(t, procmgr.WorkerID("sleeper-1"), descriptors[0].ID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "workers_dir: ./workers\nsupervisor:\n  stop_timeout: 3s\n")

	t.Setenv("PROCVISOR_SUPERVISOR_STOP_TIMEOUT", "7")
	t.Setenv("PROCVISOR_SUPERVISOR_CHECK_TIMEOUT", "250ms")
	t.Setenv("PROCVISOR_LOG_LEVEL", "warn")

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, 7*time.Second, cfg.Supervisor.StopTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Supervisor.CheckTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Supervisor: SupervisorConfig{CheckTimeout: time.Second, StopTimeout: time.Second},
			WorkersDir: "./workers",
			Log:        LogConfig{Level: "info", Format: "text"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"zero stop timeout", func(c *Config) { c.Supervisor.StopTimeout = 0 }, "supervisor.stop_timeout"},
		{"negative check timeout", func(c *Config) { c.Supervisor.CheckTimeout = -time.Second }, "supervisor.check_timeout"},
		{"negative max restarts", func(c *Config) { c.Supervisor.MaxRestarts = -1 }, "supervisor.max_restarts"},
		{"uncatchable signal", func(c *Config) { c.Supervisor.Signals = []string{"KILL"} }, "signals"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"no workers", func(c *Config) { c.WorkersDir = "" }, "workers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, procmgr.ErrInvalidConfiguration)

			var supErr *procmgr.SupervisorError
			require.ErrorAs(t, err, &supErr)
			assert.Equal(t, tt.field, supErr.Context["field"])
		})
	}
}

func TestConfig_SupervisorOptions(t *testing.T) {
	cfg := &Config{
		Supervisor: SupervisorConfig{
			CheckTimeout:       100 * time.Millisecond,
			StopTimeout:        time.Second,
			RestartOnCleanExit: false,
			MaxRestarts:        3,
			Signals:            []string{"USR2"},
		},
	}

	opts, err := cfg.SupervisorOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 4)

	sup, err := procmgr.New(nil, opts...)
	require.NoError(t, err)
	assert.NotNil(t, sup)

	cfg.Supervisor.StopTimeout = 0
	opts, err = cfg.SupervisorOptions()
	require.NoError(t, err)
	_, err = procmgr.New(nil, opts...)
	assert.ErrorIs(t, err, procmgr.ErrInvalidConfiguration)

	cfg.Supervisor.Signals = []string{"bogus"}
	_, err = cfg.SupervisorOptions()
	assert.Error(t, err)

	sig, err := procmgr.ParseSignal("USR2")
	require.NoError(t, err)
	assert.Equal(t, unix.SIGUSR2, sig)
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procvisor.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, procmgr.DefaultCheckInterval, cfg.Supervisor.CheckTimeout)
	assert.Equal(t, procmgr.DefaultStopGracePeriod, cfg.Supervisor.StopTimeout)
	assert.Equal(t, "./workers", cfg.WorkersDir)
	assert.NoError(t, cfg.Validate())

	// never overwrites
	assert.Error(t, WriteDefaultConfig(path))
}
