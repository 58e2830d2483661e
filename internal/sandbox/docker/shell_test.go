package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

func TestSanitizePathAcceptsCleanPaths(t *testing.T) {
	for _, p := range []string{"/flag.txt", "/var/www/flag", "/opt/app-1.0/flag_file"} {
		got, err := sanitizePath(p)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestSanitizePathRejectsMetacharacters(t *testing.T) {
	for _, p := range []string{
		"",
		"relative/flag.txt",
		"/flag;rm -rf /",
		"/flag$(whoami)",
		"/flag`id`",
		"/flag txt",
		"/flag'",
		"/flag\"",
		"/flag|x",
		"/flag&x",
		"/flag\n",
	} {
		_, err := sanitizePath(p)
		assert.ErrorIs(t, err, sandbox.ErrUnsafeArgument, "should reject %q", p)
	}
}

func TestSanitizePathCleansTraversal(t *testing.T) {
	got, err := sanitizePath("/var/../flag.txt")
	require.NoError(t, err)
	assert.Equal(t, "/flag.txt", got)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'FLAG{abc}'", shellQuote("FLAG{abc}"))
	assert.Equal(t, `'a'\''b'`, shellQuote("a'b"))
	assert.Equal(t, "'$(id)'", shellQuote("$(id)"))
}

func TestContainerName(t *testing.T) {
	tmpl := sandbox.ServiceTemplate{TemplateID: "tmpl-0123456789", Type: sandbox.ServiceWeb}
	assert.Equal(t, "match-M1-A-web-tmpl-012", containerName("M1", "A", tmpl))

	short := sandbox.ServiceTemplate{TemplateID: "T1", Type: sandbox.ServiceSSH}
	assert.Equal(t, "match-M1-B-ssh-T1", containerName("M1", "B", short))
}
