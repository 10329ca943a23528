package template

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegate-collector/pkg/record"
)

var window = record.WindowFor(time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC), 0, 5)

func TestRender(t *testing.T) {
	v := Vars{Host: "web-1", Window: window, Secrets: map[string]string{"api_key": "s3cr3t"}}
	got := Render("h=${host}&s=${start_time}&e=${end_time}&ss=${start_time_seconds}&es=${end_time_seconds}&k=${api_key}&u=${unknown}", v)

	want := fmt.Sprintf("h=web-1&s=%d&e=%d&ss=%d&es=%d&k=s3cr3t&u=${unknown}",
		window.StartMillis(), window.EndMillis(), window.Start.Unix(), window.End.Unix())
	assert.Equal(t, want, got)
}

func TestExpandBatchesHosts(t *testing.T) {
	hosts := make([]string, 32)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("host-%02d", i)
	}

	queries, err := Expand(`up{$harness_batch{instance="${host}", or }}`, hosts, Vars{Window: window})
	require.NoError(t, err)
	require.Len(t, queries, 3)

	sizes := []int{15, 15, 2}
	for i, q := range queries {
		assert.Len(t, q.Hosts, sizes[i])
		assert.Equal(t, sizes[i]-1, strings.Count(q.Text, " or "))
		assert.True(t, strings.HasPrefix(q.Text, `up{instance="`))
		assert.True(t, strings.HasSuffix(q.Text, `"}`))
	}
	assert.Equal(t, `up{instance="host-30" or instance="host-31"}`, queries[2].Text)
}

func TestExpandBatchSeparators(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"comma", "hosts=$harness_batch{${host},,}", "hosts=a,b,c"},
		{"comma and space", "hosts=$harness_batch{${host},, }", "hosts=a, b, c"},
		{"braced fragment", "$harness_batch{{h=${host}},;}", "{h=a};{h=b};{h=c}"},
		{"word", "$harness_batch{host:${host}, OR }", "host:a OR host:b OR host:c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queries, err := Expand(tt.tmpl, []string{"c", "a", "b"}, Vars{})
			require.NoError(t, err)
			require.Len(t, queries, 1)
			assert.Equal(t, tt.want, queries[0].Text)
		})
	}
}

func TestExpandPerHost(t *testing.T) {
	queries, err := Expand("cpu{host=${host}}", []string{"b", "a"}, Vars{Window: window})
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Equal(t, "cpu{host=a}", queries[0].Text)
	assert.Equal(t, []string{"b"}, queries[1].Hosts)
}

func TestExpandWithoutHost(t *testing.T) {
	queries, err := Expand("sum(rate(errors[1m]))", []string{"a", "b"}, Vars{Window: window})
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, []string{"a", "b"}, queries[0].Hosts)
}

func TestExpandRejectsMalformedBatch(t *testing.T) {
	_, err := Expand("$harness_batch{host=${host}", []string{"a"}, Vars{})
	assert.Error(t, err)
	_, err = Expand("$harness_batch{host=${host}}", []string{"a"}, Vars{})
	assert.Error(t, err)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "key=<secret>&x=1", Mask("key=abc123&x=1", map[string]string{"api_key": "abc123", "empty": ""}))
}
