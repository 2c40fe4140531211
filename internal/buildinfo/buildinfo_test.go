package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func withVars(t *testing.T, version, commit, date string) {
	t.Helper()
	oldVersion, oldCommit, oldDate := Version, CommitHash, BuildDate
	t.Cleanup(func() {
		Version, CommitHash, BuildDate = oldVersion, oldCommit, oldDate
	})
	Version, CommitHash, BuildDate = version, commit, date
}

func TestCurrentUsesOverrides(t *testing.T) {
	withVars(t, "v1.2.3", "abc1234", "2026-02-12T10:11:12Z")

	info := Current()
	assert.Equal(t, "v1.2.3", info.Version)
	assert.Equal(t, "abc1234", info.CommitHash)
	assert.Equal(t, "2026-02-12 10:11:12 UTC", info.BuildDate)
	assert.Equal(t, "convsync v1.2.3 (commit abc1234, built 2026-02-12 10:11:12 UTC)", info.String())
}

func TestCurrentPopulatesUnknowns(t *testing.T) {
	withVars(t, "", "", "")

	info := Current()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.CommitHash)
	assert.NotEmpty(t, info.BuildDate)
}

func TestClientInfo(t *testing.T) {
	withVars(t, "v9.9.9", "", "")
	ci := ClientInfo()
	assert.Equal(t, ClientName, ci.Name)
	assert.Equal(t, "v9.9.9", ci.Version)
}
