package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, env map[string]string) {
	old := lookupEnv
	lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	t.Cleanup(func() { lookupEnv = old })
}

func TestParseSpecFromEnv_Single(t *testing.T) {
	withEnv(t, nil)
	spec, err := ParseSpecFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Spec{Rank: 0, WorldSize: 1}, spec)

	g, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 0, g.Rank())
	assert.Equal(t, 1, g.WorldSize())
}

func TestParseSpecFromEnv_Fletcher(t *testing.T) {
	withEnv(t, map[string]string{
		RankEnvKey:      "1",
		WorldSizeEnvKey: "2",
		PeersEnvKey:     "10.0.0.1:7000, 10.0.0.2:7000",
		ompiRankEnvKey:  "0",
		ompiSizeEnvKey:  "8",
	})
	spec, err := ParseSpecFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 1, spec.Rank)
	assert.Equal(t, 2, spec.WorldSize)
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, spec.Peers)
}

func TestParseSpecFromEnv_OpenMPI(t *testing.T) {
	withEnv(t, map[string]string{
		ompiRankEnvKey: "3",
		ompiSizeEnvKey: "4",
	})
	spec, err := ParseSpecFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, spec.Rank)
	assert.Equal(t, 4, spec.WorldSize)
	assert.Equal(t, []string{
		"127.0.0.1:10000", "127.0.0.1:10001", "127.0.0.1:10002", "127.0.0.1:10003",
	}, spec.Peers)
}

func TestParseSpecFromEnv_PMI(t *testing.T) {
	withEnv(t, map[string]string{
		pmiRankEnvKey: "0",
		pmiSizeEnvKey: "2",
	})
	spec, err := ParseSpecFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 0, spec.Rank)
	assert.Len(t, spec.Peers, 2)
}

func TestParseSpecFromEnv_Errors(t *testing.T) {
	cases := []map[string]string{
		{RankEnvKey: "0"},
		{RankEnvKey: "x", WorldSizeEnvKey: "2"},
		{RankEnvKey: "0", WorldSizeEnvKey: "y"},
		{RankEnvKey: "2", WorldSizeEnvKey: "2"},
		{RankEnvKey: "0", WorldSizeEnvKey: "0"},
		{RankEnvKey: "0", WorldSizeEnvKey: "2", PeersEnvKey: "127.0.0.1:1"},
		{RankEnvKey: "0", WorldSizeEnvKey: "2", PeersEnvKey: "a,b"},
	}
	for _, env := range cases {
		withEnv(t, env)
		_, err := ParseSpecFromEnv()
		assert.Error(t, err, "%v", env)
	}
}
