package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/jmylchreest/reencodarr/internal/events"
	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/jmylchreest/reencodarr/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setup(t *testing.T) (*Scanner, repository.VideoRepository, repository.LibraryRepository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Video{}, &models.Vmaf{}, &models.FailureRecord{}, &models.Library{}))

	videos := repository.NewVideoRepository(db)
	libraries := repository.NewLibraryRepository(db)
	return NewScanner(videos, libraries, events.NewBus(nil), nil), videos, libraries
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
}

func TestScan_RegistersVideosAndLibrary(t *testing.T) {
	scanner, videos, libraries := setup(t)
	ctx := context.Background()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Show", "S01E01.mkv"))
	writeFile(t, filepath.Join(root, "Movie.mp4"))
	writeFile(t, filepath.Join(root, "cover.jpg"))
	writeFile(t, filepath.Join(root, "notes.txt"))

	res, err := scanner.Scan(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 0, res.Skipped)

	v, err := videos.GetByPath(ctx, filepath.Join(root, "Show", "S01E01.mkv"))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, models.VideoStateNeedsAnalysis, v.State)
	assert.Equal(t, int64(len("payload")), v.Size)

	lib, err := libraries.FindForPath(ctx, filepath.Join(root, "Movie.mp4"))
	require.NoError(t, err)
	require.NotNil(t, lib)
	assert.Equal(t, root, lib.Path)
}

func TestScan_RediscoveryKeepsState(t *testing.T) {
	scanner, videos, _ := setup(t)
	ctx := context.Background()

	root := t.TempDir()
	path := filepath.Join(root, "a.mkv")
	writeFile(t, path)

	_, err := scanner.Scan(ctx, root)
	require.NoError(t, err)

	// The video advances through the pipeline between scans.
	v, err := videos.GetByPath(ctx, path)
	require.NoError(t, err)
	v.Width = models.IntPtr(1920)
	v.Height = models.IntPtr(1080)
	v.Bitrate = models.IntPtr(5_000_000)
	v.VideoCodecs = models.StringList{"HEVC"}
	require.NoError(t, videos.UpdateMetadata(ctx, v))
	_, err = videos.MarkAnalyzed(ctx, v.ID)
	require.NoError(t, err)

	res, err := scanner.Scan(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 0, res.Created)

	got, err := videos.GetByPath(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStateAnalyzed, got.State)
}

func TestScan_MissingRoot(t *testing.T) {
	scanner, _, _ := setup(t)
	_, err := scanner.Scan(context.Background(), filepath.Join(t.TempDir(), "gone"))
	require.Error(t, err)
}

func TestScan_ExistingLibraryNotDuplicated(t *testing.T) {
	scanner, _, libraries := setup(t)
	ctx := context.Background()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mkv"))

	_, err := scanner.Scan(ctx, root)
	require.NoError(t, err)
	_, err = scanner.Scan(ctx, root)
	require.NoError(t, err)

	libs, err := libraries.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, libs, 1)
}
