package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/videobench/internal/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *CSVStore {
	t.Helper()
	s, err := NewCSVStore(filepath.Join(t.TempDir(), "results"), quietLogger())
	require.NoError(t, err)
	return s
}

func outcome(video, model string, ok bool) models.Outcome {
	v := models.VideoItem{Name: video, Path: "/videos/" + video}
	e := models.ModelEndpoint{Name: model, ModelPath: "org/" + model}
	var o models.Outcome
	if ok {
		o = models.NewSuccess(v, e, "ok")
	} else {
		o = models.NewFailure(v, e, fmt.Errorf("API returned status 500"))
	}
	o.Sampling = models.SamplingParams{Temperature: 0, MaxTokens: 1024}
	o.InferenceTime = 1500 * time.Millisecond
	o.Metadata = models.Metadata{RunID: "run-1", VideoPath: v.Path}
	return o
}

func TestRecordWritesHeaderOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.True(t, s.Record(ctx, outcome("a.mp4", "m1", true)))
	require.True(t, s.Record(ctx, outcome("a.mp4", "m2", false)))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "a_results.csv"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), strings.Join(Columns, ",")))

	rows, err := s.Rows("a.mp4")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "m1", rows[0]["model_name"])
	assert.Equal(t, "success", rows[0]["status"])
	assert.Equal(t, "ok", rows[0]["response"])
	assert.Empty(t, rows[0]["error_message"])
	assert.Equal(t, "org/m1", rows[0]["model_path"])
	assert.Equal(t, "1024", rows[0]["max_tokens"])
	assert.Equal(t, "1.500", rows[0]["inference_time_seconds"])
	assert.Empty(t, rows[0]["top_k"])

	var meta models.Metadata
	require.NoError(t, json.Unmarshal([]byte(rows[0]["metadata"]), &meta))
	assert.Equal(t, "run-1", meta.RunID)

	assert.Equal(t, "m2", rows[1]["model_name"])
	assert.Equal(t, "error", rows[1]["status"])
	assert.Empty(t, rows[1]["response"])
	assert.NotEmpty(t, rows[1]["error_message"])
}

func TestRecordOptionalSampling(t *testing.T) {
	s := newStore(t)
	o := outcome("a.mp4", "m1", true)
	k, p := 40, 0.9
	o.Sampling.TopK = &k
	o.Sampling.TopP = &p
	o.Response = "multi-line,\n\"quoted\" answer"
	require.True(t, s.Record(context.Background(), o))

	rows, err := s.Rows("a.mp4")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "40", rows[0]["top_k"])
	assert.Equal(t, "0.9", rows[0]["top_p"])
	assert.Equal(t, o.Response, rows[0]["response"])
}

func TestPartitionIgnoresExtension(t *testing.T) {
	s := newStore(t)
	assert.Equal(t, s.PartitionPath("clip.mp4"), s.PartitionPath("clip.mov"))
	assert.Equal(t, filepath.Join(s.Dir(), "clip_results.csv"), s.PartitionPath("clip.mkv"))
}

func TestConcurrentSamePartition(t *testing.T) {
	s := newStore(t)
	const writers = 50

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := outcome("shared.mp4", fmt.Sprintf("m%d", i), i%2 == 0)
			o.Response = strings.Repeat("x", 4096)
			if i%2 != 0 {
				o.Response = ""
			}
			assert.True(t, s.Record(context.Background(), o))
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(s.PartitionPath("shared.mp4"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "timestamp,video_name"))

	rows, err := s.Rows("shared.mp4")
	require.NoError(t, err)
	require.Len(t, rows, writers)

	seen := make(map[string]bool)
	for _, row := range rows {
		seen[row["model_name"]] = true
		if row["status"] == "success" {
			assert.Len(t, row["response"], 4096)
		}
	}
	assert.Len(t, seen, writers)
}

func TestDifferentPartitionsDoNotBlock(t *testing.T) {
	s := newStore(t)

	held := s.locks.get(s.PartitionPath("a.mp4"))
	held.Lock()
	defer held.Unlock()

	done := make(chan bool, 1)
	go func() { done <- s.Record(context.Background(), outcome("b.mp4", "m1", true)) }()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("write to b blocked on a's lock")
	}
}

func TestLockRegistryReusesLocks(t *testing.T) {
	r := newLockRegistry()
	var wg sync.WaitGroup
	got := make([]*sync.Mutex, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.get("same")
		}(i)
	}
	wg.Wait()
	for _, l := range got {
		assert.Same(t, got[0], l)
	}
	assert.Equal(t, 1, r.size())
	assert.NotSame(t, got[0], r.get("other"))
}

func TestSummarize(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	videos := []string{"a.mp4", "b.mp4", "c.mkv"}
	n := 0
	for i, v := range videos {
		for j := 0; j <= i; j++ {
			require.True(t, s.Record(ctx, outcome(v, fmt.Sprintf("m%d", j), true)))
			n++
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("ignored"), 0644))

	summary := s.Summarize()
	assert.Equal(t, len(videos), summary.TotalFiles)
	assert.Equal(t, n, summary.TotalRecords)
	assert.Equal(t, map[string]int{"a_results.csv": 1, "b_results.csv": 2, "c_results.csv": 3}, summary.Files)
}

func TestSummarizeEmptyDir(t *testing.T) {
	summary := newStore(t).Summarize()
	assert.Zero(t, summary.TotalFiles)
	assert.Zero(t, summary.TotalRecords)
}

func TestRecordIOFailure(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.RemoveAll(s.Dir()))

	assert.False(t, s.Record(context.Background(), outcome("a.mp4", "m1", true)))

	err := s.Append(outcome("a.mp4", "m1", true))
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, s.PartitionPath("a.mp4"), perr.Path)
}

type stubRecorder struct {
	mu     sync.Mutex
	ok     bool
	called int
}

func (r *stubRecorder) Record(context.Context, models.Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.called++
	return r.ok
}

func TestFanout(t *testing.T) {
	primary := &stubRecorder{ok: true}
	mirror := &stubRecorder{ok: false}
	f := NewFanout(primary, quietLogger(), 0, mirror, nil)

	assert.True(t, f.Record(context.Background(), outcome("a.mp4", "m1", true)))
	assert.Equal(t, 1, mirror.called)

	failing := &stubRecorder{ok: false}
	mirror2 := &stubRecorder{ok: true}
	f = NewFanout(failing, quietLogger(), 0, mirror2)
	assert.False(t, f.Record(context.Background(), outcome("a.mp4", "m1", true)))
	assert.Zero(t, mirror2.called)
}

// blockingRecorder holds every write until its context ends.
type blockingRecorder struct {
	calls atomic.Int32
}

func (r *blockingRecorder) Record(ctx context.Context, _ models.Outcome) bool {
	r.calls.Add(1)
	<-ctx.Done()
	return false
}

func TestFanoutMirrorDeadline(t *testing.T) {
	primary := &stubRecorder{ok: true}
	stuck := &blockingRecorder{}
	after := &stubRecorder{ok: true}
	f := NewFanout(primary, quietLogger(), 50*time.Millisecond, stuck, after)

	done := make(chan bool, 1)
	go func() {
		done <- f.Record(context.WithoutCancel(context.Background()), outcome("a.mp4", "m1", true))
	}()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("Record did not return after the mirror deadline")
	}
	assert.EqualValues(t, 1, stuck.calls.Load())
	assert.Equal(t, 1, after.called)
}
