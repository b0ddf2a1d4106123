package ownership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBot(t *testing.T) {
	assert.True(t, IsBot("dependabot[bot]", "Bot"))
	assert.True(t, IsBot("renovate[bot]", "User"))
	assert.True(t, IsBot("ci", "Bot"))
	assert.False(t, IsBot("alice", "User"))
}

func TestScore(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	contributors := []Contributor{
		{Login: "alice", Type: "User", Contributions: 80},
		{Login: "bob", Type: "User", Contributions: 20},
		{Login: "dependabot[bot]", Type: "Bot", Contributions: 300},
	}
	recent := []Commit{
		{Login: "bob", Name: "Bob B", Email: "bob@example.com", Date: now.Add(-24 * time.Hour)},
		{Login: "bob", Name: "Bob B", Email: "bob@example.com", Date: now.Add(-48 * time.Hour)},
		{Login: "alice", Name: "Alice A", Email: "1+alice@users.noreply.github.com", Date: now.Add(-72 * time.Hour)},
		{Login: "dependabot[bot]", Type: "Bot", Date: now},
	}

	owners := Score(contributors, recent, map[string]int{"Bob": 2}, 90, 10)
	require.Len(t, owners, 2)

	// alice: 0.6*1 + 0.4*0.5 = 0.8; bob: 0.6*0.25 + 0.4*1 = 0.55
	assert.Equal(t, "alice", owners[0].Login)
	assert.Equal(t, "Alice A", owners[0].Name)
	assert.InDelta(t, 0.8, owners[0].Confidence, 0.001)
	assert.Empty(t, owners[0].Email)
	assert.Equal(t, 80, owners[0].TotalCommits)
	assert.Equal(t, 1, owners[0].RecentCommits)

	assert.Equal(t, "bob", owners[1].Login)
	assert.InDelta(t, 0.55, owners[1].Confidence, 0.001)
	assert.Equal(t, "bob@example.com", owners[1].Email)
	require.NotNil(t, owners[1].LastActive)
	assert.True(t, owners[1].LastActive.Equal(now.Add(-24*time.Hour)))
	assert.Len(t, owners[1].Reasons, 3)
}

func TestScore_ConfidenceBounds(t *testing.T) {
	contributors := []Contributor{{Login: "solo", Contributions: 5}}
	recent := []Commit{{Login: "solo", Date: time.Now()}}

	owners := Score(contributors, recent, nil, 90, 10)
	require.Len(t, owners, 1)
	assert.Equal(t, 1.0, owners[0].Confidence)

	for _, o := range Score([]Contributor{{Login: "a", Contributions: 1}, {Login: "b", Contributions: 9}}, nil, nil, 90, 10) {
		assert.GreaterOrEqual(t, o.Confidence, 0.0)
		assert.LessOrEqual(t, o.Confidence, 1.0)
	}
}

func TestScore_NoHumans(t *testing.T) {
	owners := Score([]Contributor{{Login: "github-actions[bot]", Type: "Bot", Contributions: 10}}, nil, nil, 90, 10)
	assert.NotNil(t, owners)
	assert.Empty(t, owners)
}

func TestScore_Limit(t *testing.T) {
	var contributors []Contributor
	for i := 0; i < 15; i++ {
		contributors = append(contributors, Contributor{Login: string(rune('a' + i)), Contributions: i + 1})
	}

	owners := Score(contributors, nil, nil, 90, 10)
	require.Len(t, owners, 10)
	assert.Equal(t, "o", owners[0].Login)
	for i := 1; i < len(owners); i++ {
		assert.GreaterOrEqual(t, owners[i-1].Confidence, owners[i].Confidence)
	}
}

func TestScore_RecentOnlyAuthorWithoutLogin(t *testing.T) {
	recent := []Commit{{Name: "Ghost Writer", Email: "ghost@example.com", Date: time.Now()}}

	owners := Score(nil, recent, nil, 30, 10)
	require.Len(t, owners, 1)
	assert.Equal(t, "Ghost Writer", owners[0].Name)
	assert.Empty(t, owners[0].Login)
	assert.InDelta(t, 0.4, owners[0].Confidence, 0.001)
}
