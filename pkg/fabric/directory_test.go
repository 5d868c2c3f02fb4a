package fabric

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectory_SynchronousRev(t *testing.T) {
	dir := newDirectory(slog.Default(), "t1")
	start := dir.clock

	c, joined, err := dir.record(claim{Topic: "friends-a", Node: "t1", Mode: claimModeClaim}, true)
	require.NoError(t, err)
	require.True(t, joined)
	require.Equal(t, start+1, c.Rev, "revision should have been updated")

	c, joined, err = dir.record(claim{Topic: "friends-a", Node: "t2", Mode: claimModeClaim, Rev: 5}, false)
	require.NoError(t, err)
	require.True(t, joined)
	require.Equal(t, uint64(5), c.Rev, "revision should not be updated")

	_, _, err = dir.record(claim{Topic: "friends-a", Node: "t3", Mode: claimModeClaim}, false)
	require.ErrorIs(t, err, ErrInvalidFrame, "remote claims need a revision")
}

func TestDirectory_Members(t *testing.T) {
	dir := newDirectory(slog.Default(), "t1")

	_, _, err := dir.record(claim{Topic: "friends-a", Node: "t1", Mode: claimModeClaim}, true)
	require.NoError(t, err)
	_, _, err = dir.record(claim{Topic: "friends-a", Node: "t3", Mode: claimModeClaim, Rev: 1}, false)
	require.NoError(t, err)
	_, _, err = dir.record(claim{Topic: "friends-a", Node: "t2", Mode: claimModeClaim, Rev: 1}, false)
	require.NoError(t, err)
	_, _, err = dir.record(claim{Topic: "friends-b", Node: "t2", Mode: claimModeClaim, Rev: 2}, false)
	require.NoError(t, err)
	_, _, err = dir.record(claim{Topic: "other", Node: "t2", Mode: claimModeClaim, Rev: 3}, false)
	require.NoError(t, err)

	require.Equal(t, []string{"t1", "t2", "t3"}, dir.members("friends-a"))
	require.Equal(t, []string{"t2"}, dir.members("friends-b"))
	require.Empty(t, dir.members("friends-c"))
	require.Equal(t, []string{"friends-a", "friends-b"}, dir.topics("friends-"))

	local := dir.localClaims()
	require.Len(t, local, 1)
	require.Equal(t, "friends-a", local[0].Topic)
}

func TestDirectory_Revisions(t *testing.T) {
	dir := newDirectory(slog.Default(), "t1")

	_, joined, err := dir.record(claim{Topic: "friends-a", Node: "t2", Mode: claimModeClaim, Rev: 10}, false)
	require.NoError(t, err)
	require.True(t, joined)

	t.Run("a duplicate claim is not a join", func(t *testing.T) {
		_, joined, err := dir.record(claim{Topic: "friends-a", Node: "t2", Mode: claimModeClaim, Rev: 10}, false)
		require.NoError(t, err)
		require.False(t, joined)
	})

	t.Run("an older unclaim is ignored", func(t *testing.T) {
		_, _, err := dir.record(claim{Topic: "friends-a", Node: "t2", Mode: claimModeUnclaim, Rev: 9}, false)
		require.NoError(t, err)
		require.Equal(t, []string{"t2"}, dir.members("friends-a"))
	})

	t.Run("a newer unclaim releases the topic", func(t *testing.T) {
		_, _, err := dir.record(claim{Topic: "friends-a", Node: "t2", Mode: claimModeUnclaim, Rev: 11}, false)
		require.NoError(t, err)
		require.Empty(t, dir.members("friends-a"))
		require.Empty(t, dir.topics(""))
	})

	t.Run("a late claim cannot resurrect the membership", func(t *testing.T) {
		_, joined, err := dir.record(claim{Topic: "friends-a", Node: "t2", Mode: claimModeClaim, Rev: 10}, false)
		require.NoError(t, err)
		require.False(t, joined)
		require.Empty(t, dir.members("friends-a"))
	})

	t.Run("claiming again is a join", func(t *testing.T) {
		_, joined, err := dir.record(claim{Topic: "friends-a", Node: "t2", Mode: claimModeClaim, Rev: 12}, false)
		require.NoError(t, err)
		require.True(t, joined)
	})
}

func TestDirectory_DropNode(t *testing.T) {
	dir := newDirectory(slog.Default(), "t1")

	_, _, err := dir.record(claim{Topic: "friends-a", Node: "t2", Mode: claimModeClaim, Rev: 1}, false)
	require.NoError(t, err)
	_, _, err = dir.record(claim{Topic: "friends-b", Node: "t2", Mode: claimModeClaim, Rev: 2}, false)
	require.NoError(t, err)
	_, _, err = dir.record(claim{Topic: "friends-b", Node: "t3", Mode: claimModeClaim, Rev: 1}, false)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"friends-a", "friends-b"}, dir.dropNode("t2"))
	require.Empty(t, dir.members("friends-a"))
	require.Equal(t, []string{"t3"}, dir.members("friends-b"))
	require.Empty(t, dir.dropNode("t2"))
}
