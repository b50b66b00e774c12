package postprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/jmylchreest/reencodarr/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setup(t *testing.T) (*Swapper, repository.VideoRepository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Video{}, &models.Vmaf{}, &models.FailureRecord{}, &models.Library{}))

	videos := repository.NewVideoRepository(db)
	return NewSwapper(videos, nil), videos
}

func seedVideo(t *testing.T, videos repository.VideoRepository, path string, size int64) *models.Video {
	t.Helper()
	v := &models.Video{Path: path, Size: size}
	require.NoError(t, videos.Upsert(context.Background(), v))
	return v
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestApply_ReplacesSourceInPlace(t *testing.T) {
	swapper, videos := setup(t)
	ctx := context.Background()

	library := t.TempDir()
	temp := t.TempDir()
	source := filepath.Join(library, "movie.mkv")
	artifact := filepath.Join(temp, "1.mkv")
	writeFile(t, source, "original original original")
	writeFile(t, artifact, "encoded")

	v := seedVideo(t, videos, source, 26)

	finalPath, newSize, err := swapper.Apply(ctx, v, artifact)
	require.NoError(t, err)
	assert.Equal(t, source, finalPath)
	assert.Equal(t, int64(len("encoded")), newSize)

	content, err := os.ReadFile(source)
	require.NoError(t, err)
	assert.Equal(t, "encoded", string(content))

	// The temp artifact is consumed.
	_, err = os.Stat(artifact)
	assert.True(t, os.IsNotExist(err))

	got, err := videos.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, source, got.Path)
	assert.Equal(t, newSize, got.Size)
}

func TestApply_ContainerChangeRemovesOldFile(t *testing.T) {
	swapper, videos := setup(t)
	ctx := context.Background()

	library := t.TempDir()
	temp := t.TempDir()
	source := filepath.Join(library, "show.avi")
	artifact := filepath.Join(temp, "2.mkv")
	writeFile(t, source, "avi payload")
	writeFile(t, artifact, "mkv payload")

	v := seedVideo(t, videos, source, 11)

	finalPath, _, err := swapper.Apply(ctx, v, artifact)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(library, "show.mkv"), finalPath)

	_, err = os.Stat(source)
	assert.True(t, os.IsNotExist(err))

	content, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, "mkv payload", string(content))

	got, err := videos.GetByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, finalPath, got.Path)
}

func TestApply_MissingArtifact(t *testing.T) {
	swapper, videos := setup(t)
	v := seedVideo(t, videos, filepath.Join(t.TempDir(), "a.mkv"), 1)

	_, _, err := swapper.Apply(context.Background(), v, filepath.Join(t.TempDir(), "nope.mkv"))
	require.Error(t, err)
}

func TestApply_EmptyArtifact(t *testing.T) {
	swapper, videos := setup(t)
	temp := t.TempDir()
	artifact := filepath.Join(temp, "3.mkv")
	writeFile(t, artifact, "")
	v := seedVideo(t, videos, filepath.Join(t.TempDir(), "a.mkv"), 1)

	_, _, err := swapper.Apply(context.Background(), v, artifact)
	require.Error(t, err)
}

func TestSwapTarget(t *testing.T) {
	assert.Equal(t, "/m/a.mkv", SwapTarget("/m/a.mkv", "/tmp/1.mkv"))
	assert.Equal(t, "/m/a.mp4", SwapTarget("/m/a.mp4", "/tmp/1.mp4"))
	assert.Equal(t, "/m/a.mkv", SwapTarget("/m/a.avi", "/tmp/1.mkv"))
}

func TestCleanTempDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "1.mkv"), "stale")
	writeFile(t, filepath.Join(dir, "2.mp4"), "stale")
	writeFile(t, filepath.Join(dir, "notes.txt"), "keep")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "samples"), 0o755))

	removed, err := CleanTempDir(nil, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"notes.txt", "samples"}, names)
}

func TestCleanTempDir_MissingDirIsNoop(t *testing.T) {
	removed, err := CleanTempDir(nil, filepath.Join(t.TempDir(), "gone"))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
