package poststore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecanvas/comfybroker/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "posts.db")
	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePost(id string) *domain.Post {
	return &domain.Post{
		ID:          id,
		OwnerID:     "owner-1",
		Prompt:      "a cat",
		WorkflowID:  "wf-1",
		Seed:        1,
		ImageURL:    "/outputs/feed/2026/01/01/" + id + ".png",
		PublishedAt: time.Now().Unix(),
	}
}

func TestCreatePostThenGetPost_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePost(samplePost("post-1")))

	got, err := s.GetPost("post-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PostActive, got.Status)
	assert.Equal(t, "a cat", got.Prompt)
}

func TestGetPost_UnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPost("missing")
	assert.ErrorIs(t, err, domain.ErrPostNotFound)
}

func TestListPosts_FiltersByIncludeStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePost(samplePost("post-1")))
	require.NoError(t, s.CreatePost(samplePost("post-2")))
	require.NoError(t, s.SetStatus("post-2", domain.PostTrash))

	active, err := s.ListPosts(domain.IncludeActive, 1, 10, domain.SortNewest)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "post-1", active[0].ID)

	trashed, err := s.ListPosts(domain.IncludeTrash, 1, 10, domain.SortNewest)
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	assert.Equal(t, "post-2", trashed[0].ID)

	all, err := s.ListPosts(domain.IncludeAll, 1, 10, domain.SortNewest)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLikeToggle_TogglesOnThenOff(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePost(samplePost("post-1")))

	liked, count, err := s.LikeToggle("post-1", "viewer-1")
	require.NoError(t, err)
	assert.True(t, liked)
	assert.Equal(t, 1, count)

	liked, count, err = s.LikeToggle("post-1", "viewer-1")
	require.NoError(t, err)
	assert.False(t, liked)
	assert.Equal(t, 0, count)
}

func TestLikeToggle_ClearsExistingReactionFirst(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePost(samplePost("post-1")))

	_, err := s.ReactionSet("post-1", "viewer-1", domain.ReactionFire)
	require.NoError(t, err)

	_, _, err = s.LikeToggle("post-1", "viewer-1")
	require.NoError(t, err)

	agg, err := s.GetReactionInfo("post-1", "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, agg.Reactions[domain.ReactionFire])
	require.NotNil(t, agg.MyReaction)
	assert.Equal(t, domain.ReactionLove, *agg.MyReaction)
}

func TestReactionSet_RejectsInvalidReaction(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePost(samplePost("post-1")))

	_, err := s.ReactionSet("post-1", "viewer-1", domain.ReactionType("nonsense"))
	assert.ErrorIs(t, err, domain.ErrInvalidReaction)
}

func TestReactionSet_SameReactionTwiceTogglesItOff(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePost(samplePost("post-1")))

	agg, err := s.ReactionSet("post-1", "viewer-1", domain.ReactionWow)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Reactions[domain.ReactionWow])
	require.NotNil(t, agg.MyReaction)

	agg, err = s.ReactionSet("post-1", "viewer-1", domain.ReactionWow)
	require.NoError(t, err)
	assert.Equal(t, 0, agg.Reactions[domain.ReactionWow])
	assert.Nil(t, agg.MyReaction)
}

func TestReactionSet_DifferentReactionReplacesPrevious(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePost(samplePost("post-1")))

	_, err := s.ReactionSet("post-1", "viewer-1", domain.ReactionWow)
	require.NoError(t, err)

	agg, err := s.ReactionSet("post-1", "viewer-1", domain.ReactionLaugh)
	require.NoError(t, err)
	assert.Equal(t, 0, agg.Reactions[domain.ReactionWow])
	assert.Equal(t, 1, agg.Reactions[domain.ReactionLaugh])
}

func TestSetStatus_UnknownPostReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SetStatus("missing", domain.PostTrash)
	assert.ErrorIs(t, err, domain.ErrPostNotFound)
}

func TestDeletePost_RemovesPostAndSocialRows(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePost(samplePost("post-1")))
	_, _, err := s.LikeToggle("post-1", "viewer-1")
	require.NoError(t, err)

	require.NoError(t, s.DeletePost("post-1"))

	_, err = s.GetPost("post-1")
	assert.ErrorIs(t, err, domain.ErrPostNotFound)
}
