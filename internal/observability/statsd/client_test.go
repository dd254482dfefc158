package statsd

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePrefix(t *testing.T) {
	cases := map[string]string{
		"  assessd.worker  ": "assessd.worker",
		"..assessd..":        "assessd",
		".":                  "",
		"":                   "",
	}
	for input, want := range cases {
		assert.Equal(t, want, sanitizePrefix(input), "input %q", input)
	}
}

func TestNormalizeMetricName(t *testing.T) {
	cases := map[string]string{
		" job/submitted ":       "job_submitted",
		"reconcile..fail_stale": "reconcile.fail_stale",
		"two  spaces":           "two__spaces",
		"queue/dlq/purged":      "queue_dlq_purged",
	}
	for input, want := range cases {
		assert.Equal(t, want, normalizeMetricName(input), "input %q", input)
	}
}

func TestFormatTags(t *testing.T) {
	t.Run("merges, trims, and sorts", func(t *testing.T) {
		global := map[string]string{
			"env": "prod",
			//nolint:gocritic // whitespace exercises the trimming
			" component ": " worker ",
		}
		local := map[string]string{
			"transition": " completed ",
			"":           "dropped",
			"env":        "staging",
		}

		got := formatTags(global, local)
		assert.Equal(t, "|#component:worker,env:staging,transition:completed", got)
	})

	t.Run("no tags yields no section", func(t *testing.T) {
		assert.Empty(t, formatTags(nil, nil))
	})
}

func TestCloneTags(t *testing.T) {
	original := map[string]string{
		"env": "prod",
		"":    "dropped",
	}

	cloned := cloneTags(original)
	require.NotNil(t, cloned)
	assert.NotContains(t, cloned, "")

	cloned["env"] = "staging"
	assert.Equal(t, "prod", original["env"], "clone must not alias the source")
}

func TestClientQualifiedName(t *testing.T) {
	t.Run("applies the default prefix", func(t *testing.T) {
		client, err := NewClient(Config{})
		require.NoError(t, err)
		assert.Equal(t, "assessd.job.submitted", client.qualifiedName("job.submitted"))
	})

	t.Run("keeps a configured prefix", func(t *testing.T) {
		client, err := NewClient(Config{Prefix: "assessd.worker"})
		require.NoError(t, err)
		assert.Equal(t, "assessd.worker.queue.acked", client.qualifiedName("queue.acked"))
	})

	t.Run("empty name emits nothing", func(t *testing.T) {
		client, err := NewClient(Config{})
		require.NoError(t, err)
		assert.Empty(t, client.qualifiedName("   "))
	})
}

func TestClientEnabledAndClose(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer func() { _ = peerConn.Close() }()

	client := &Client{enabled: true, conn: clientConn}
	assert.True(t, client.Enabled())

	require.NoError(t, client.Close())
	assert.False(t, client.Enabled())

	// Closing again is a no-op.
	require.NoError(t, client.Close())

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
	require.NoError(t, nilClient.Close())
}

func TestNewClient(t *testing.T) {
	t.Run("stays disabled without an address", func(t *testing.T) {
		client, err := NewClient(Config{Enabled: true, Address: "   "})
		require.NoError(t, err)
		assert.False(t, client.Enabled())
	})

	t.Run("reports dial failures", func(t *testing.T) {
		_, err := NewClient(Config{Enabled: true, Address: "bad address"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "statsd dial")
	})
}
