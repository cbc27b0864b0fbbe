package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skillreview/osce-live/pkg/exam"
)

func testSnapshot() exam.Snapshot {
	return exam.Snapshot{
		Transcript: []exam.TranscriptEntry{
			{Speaker: exam.SpeakerParticipant, Text: "Hello"},
			{Speaker: exam.SpeakerRemote, Text: "Please begin."},
		},
		Rubric: exam.DefaultRubric(),
	}
}

func TestFileStore_SaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	s := NewFileStore(path, nil)

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok, "empty store reported a snapshot")

	require.NoError(t, s.Save(ctx, testSnapshot()))

	got, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testSnapshot(), got)
}

func TestFileStore_SaveReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	s := NewFileStore(path, nil)

	require.NoError(t, s.Save(ctx, testSnapshot()))

	second := testSnapshot()
	second.Transcript = append(second.Transcript, exam.TranscriptEntry{
		Speaker: exam.SpeakerSummary, Text: "Well done.",
	})
	require.NoError(t, s.Save(ctx, second))

	got, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, got)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFileStore_CorruptTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewFileStore(path, nil)
	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok, "corrupt snapshot reported as present")

	// The corrupt file is discarded, not kept around.
	_, statErr := os.Stat(path)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestFileStore_MissingFieldsTreatedAsAbsent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "no recognized fields", payload: `{"unrelated": true}`},
		{name: "missing rubric", payload: `{"transcript": []}`},
		{name: "missing transcript", payload: `{"rubric": []}`},
		{name: "both null", payload: `{"transcript": null, "rubric": null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "snapshot.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.payload), 0o644))

			s := NewFileStore(path, nil)
			_, ok, err := s.Load(ctx)
			require.NoError(t, err)
			require.False(t, ok, "incomplete snapshot reported as present")

			_, statErr := os.Stat(path)
			require.ErrorIs(t, statErr, os.ErrNotExist)
		})
	}
}

func TestFileStore_ClearIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	s := NewFileStore(path, nil)

	require.NoError(t, s.Save(ctx, testSnapshot()))
	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileStore_CreatesParentDir(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "snapshot.json")
	s := NewFileStore(path, nil)

	require.NoError(t, s.Save(ctx, testSnapshot()))
	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}
