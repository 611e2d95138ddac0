package commands

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repofs/internal/daemon"
	"repofs/internal/storage"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestShareCommands(t *testing.T) {
	t.Setenv("REPOFS_CONFIG_DIR", t.TempDir())
	t.Cleanup(func() { shareReadOnly, shareTemp = false, nil })

	require.NoError(t, run(t, "share", "add", "projects", `teams\projects`, "--read-only", "--temp", "*.part"))

	s, err := daemon.LoadSettings()
	require.NoError(t, err)
	require.Len(t, s.Shares, 2)
	added := s.Shares[1]
	assert.Equal(t, "projects", added.Name)
	assert.Equal(t, "teams/projects", added.Root)
	assert.True(t, added.ReadOnly)
	assert.True(t, added.Notify)
	assert.Equal(t, []string{"*.part"}, added.TempPatterns)

	shareReadOnly, shareTemp = false, nil
	err = run(t, "share", "add", "Projects", "elsewhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate share name")

	require.NoError(t, run(t, "share", "list"))

	require.NoError(t, run(t, "share", "rm", "PROJECTS"))
	s, err = daemon.LoadSettings()
	require.NoError(t, err)
	require.Len(t, s.Shares, 1)

	assert.Error(t, run(t, "share", "remove", "projects"))
	assert.Error(t, run(t, "share", "remove", "docs"), "the last share cannot be removed")
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("REPOFS_CONFIG_DIR", t.TempDir())
	t.Cleanup(func() { configLogLevel, configListen, configMetrics, configQuota = "", "", "", "" })

	require.NoError(t, run(t, "config", "--logging", "debug", "--metrics", "127.0.0.1:9445", "--quota", "5 GiB"))

	s, err := daemon.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "127.0.0.1:9445", s.MetricsListen)
	assert.True(t, s.Quota.Enabled)
	assert.EqualValues(t, 5<<30, s.Quota.DefaultLimit)

	configLogLevel, configMetrics, configQuota = "", "off", "off"
	require.NoError(t, run(t, "config", "--metrics", "off", "--quota", "off"))
	s, err = daemon.LoadSettings()
	require.NoError(t, err)
	assert.Empty(t, s.MetricsListen)
	assert.False(t, s.Quota.Enabled)

	configMetrics, configQuota = "", ""
	assert.Error(t, run(t, "config", "--quota", "lots"))
	configQuota = ""
	assert.Error(t, run(t, "config", "--listen", "nowhere"))
	configListen = ""

	require.NoError(t, run(t, "config"))
}

func TestInitAndList(t *testing.T) {
	t.Setenv("REPOFS_CONFIG_DIR", t.TempDir())

	require.NoError(t, run(t, "init"))
	_, err := os.Stat(daemon.SettingsPath())
	require.NoError(t, err)
	s, err := daemon.LoadSettings()
	require.NoError(t, err)
	_, err = os.Stat(s.StorePath())
	require.NoError(t, err)

	require.NoError(t, run(t, "init"), "init is repeatable")
	require.NoError(t, run(t, "ls", "docs"))
	assert.Error(t, run(t, "ls", "missing"))
	assert.Error(t, run(t, "ls", "docs", "no/such/folder"))
}

func TestFormatEntry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	file := &storage.FileInfo{Name: "report.docx", Kind: storage.KindFile, Size: 2048, Modified: now, VersionLabel: "1.2"}
	assert.Equal(t, "-w\t2.0 KiB\t1.2\tnow\treport.docx", formatEntry(file))

	folder := &storage.FileInfo{Name: "reports", Kind: storage.KindFolder, Modified: now, Attributes: storage.AttrReadOnly}
	assert.Equal(t, "dr\t-\t-\tnow\treports/", formatEntry(folder))
}

func TestQuotaString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "off", quotaString(daemon.QuotaSettings{}))
	assert.Equal(t, "tracking only", quotaString(daemon.QuotaSettings{Enabled: true}))
	assert.Equal(t, "1.0 GiB per user", quotaString(daemon.QuotaSettings{Enabled: true, DefaultLimit: 1 << 30}))
}

func TestVersionString(t *testing.T) {
	version, commit, date = "1.4.0", "abc123", "1700000000"
	t.Cleanup(func() { version, commit, date = "dev", "none", "unknown" })

	built := time.Unix(1700000000, 0).Format("2006-01-02")
	assert.Equal(t, "1.4.0 ("+built+")", getVersionString())

	version = "1.5.0-dev"
	assert.Equal(t, "1.5.0-dev ("+built+", epoch: 1700000000, commit: abc123)", getVersionString())

	assert.Equal(t, "unknown", formatBuildDate("unknown"))
	assert.Equal(t, "none", displayLevel(""))
	assert.Equal(t, "none", displayLevel("off"))
	assert.Equal(t, "info", displayLevel("info"))
}
