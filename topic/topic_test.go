package topic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchFilter(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"test/topic", "test/topic", true},
		{"test/topic", "test/other", false},

		{"test/+", "test/topic", true},
		{"test/+", "test/topic/sub", false},
		{"test/+/sub", "test/topic/sub", true},
		{"+/topic", "test/topic", true},

		{"test/#", "test/topic", true},
		{"test/#", "test/topic/sub/deep", true},
		{"#", "any/topic/here", true},

		{"+/a", "$SYS/a", false},
		{"$SYS/+", "$SYS/a", true},

		{"sport/+/player1", "sport/tennis/player1", true},
		{"sport/+/player1", "sport/tennis/player2", false},
	}

	for _, tt := range tests {
		got := MatchFilter(tt.filter, tt.topic)
		require.Equalf(t, tt.match, got, "MatchFilter(%q, %q)", tt.filter, tt.topic)
	}
}

func TestBuildAndRender(t *testing.T) {
	p, err := Build("svc/{commandName}/{executorId}/req", "", map[string]string{"commandName": "readTemp"})
	require.NoError(t, err)

	require.Equal(t, "svc/readTemp/+/req", p.AsSubscribeTopic())

	_, err = p.AsPublishTopic(nil)
	require.Error(t, err)

	out, err := p.AsPublishTopic(map[string]string{"executorId": "exec-1"})
	require.NoError(t, err)
	require.Equal(t, "svc/readTemp/exec-1/req", out)
}

func TestBuildWithNamespace(t *testing.T) {
	p, err := Build("{commandName}/req", "ns", nil)
	require.NoError(t, err)
	require.Equal(t, "ns/+/req", p.AsSubscribeTopic())
}

func TestBuildRejectsDollarPrefix(t *testing.T) {
	_, err := Build("$share/group/topic", "", nil)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestBuildRejectsReservedChars(t *testing.T) {
	_, err := Build("svc/{commandName}", "", map[string]string{"commandName": "a+b"})
	require.Error(t, err)
}

func TestMatchesAndParseTokens(t *testing.T) {
	p, err := Build("svc/{commandName}/{executorId}/req", "", nil)
	require.NoError(t, err)

	require.True(t, p.Matches("svc/readTemp/exec-1/req"))
	require.False(t, p.Matches("svc/readTemp/exec-1/res"))

	tokens, err := p.ParseTokens("svc/readTemp/exec-1/req")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"commandName": "readTemp", "executorId": "exec-1"}, tokens)

	_, err = p.ParseTokens("svc/readTemp/req")
	require.Error(t, err)
}

func TestCustomPrefixToken(t *testing.T) {
	p, err := Build("svc/{ex:region}/req", "", map[string]string{"ex:region": "eu"})
	require.NoError(t, err)
	require.Equal(t, "svc/eu/req", p.AsSubscribeTopic())
}
