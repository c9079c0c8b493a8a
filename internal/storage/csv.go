package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bdougie/videobench/internal/corpus"
	"github.com/bdougie/videobench/internal/models"
)

const partitionSuffix = "_results.csv"

// Columns is the fixed header of every partition file.
var Columns = []string{
	"timestamp",
	"video_name",
	"model_name",
	"model_path",
	"status",
	"temperature",
	"max_tokens",
	"top_k",
	"top_p",
	"inference_time_seconds",
	"response",
	"error_message",
	"metadata",
}

// Summary counts rows across partition files.
type Summary struct {
	TotalFiles   int
	TotalRecords int
	Files        map[string]int
}

// CSVStore appends outcomes to one CSV file per video base name. Writers to
// the same partition are serialized; different partitions do not contend.
type CSVStore struct {
	dir    string
	locks  *lockRegistry
	logger *slog.Logger
}

// NewCSVStore creates dir if needed.
func NewCSVStore(dir string, logger *slog.Logger) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create results directory '%s': %w", dir, err)
	}
	return &CSVStore{
		dir:    dir,
		locks:  newLockRegistry(),
		logger: logger,
	}, nil
}

// Dir returns the results directory.
func (s *CSVStore) Dir() string {
	return s.dir
}

// PartitionPath returns the file holding rows for videoName. The extension
// is ignored, so a.mp4 and a.mov share a_results.csv.
func (s *CSVStore) PartitionPath(videoName string) string {
	return filepath.Join(s.dir, corpus.Stem(videoName)+partitionSuffix)
}

// Record appends outcome and reports success. I/O failures are logged.
func (s *CSVStore) Record(_ context.Context, outcome models.Outcome) bool {
	if err := s.Append(outcome); err != nil {
		s.logger.Error("failed to write result", "video", outcome.VideoName, "model", outcome.ModelName, "error", err)
		return false
	}
	return true
}

// Append writes one row, preceded by the header when the file is new or
// empty. The header check and both writes happen under the partition lock.
func (s *CSVStore) Append(outcome models.Outcome) error {
	path := s.PartitionPath(outcome.VideoName)
	row, err := encodeRow(outcome)
	if err != nil {
		return &PersistenceError{Path: path, Err: err}
	}

	lock := s.locks.get(path)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return &PersistenceError{Path: path, Err: err}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if info.Size() == 0 {
		if err := w.Write(Columns); err != nil {
			return &PersistenceError{Path: path, Err: err}
		}
	}
	if err := w.Write(row); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}

	if _, err := file.Write(buf.Bytes()); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	if info.Size() == 0 {
		s.logger.Info("created results file", "path", path)
	}
	s.logger.Debug("result saved", "path", path, "model", outcome.ModelName, "status", outcome.Status)
	return nil
}

func encodeRow(o models.Outcome) ([]string, error) {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	topK, topP := "", ""
	if o.Sampling.TopK != nil {
		topK = strconv.Itoa(*o.Sampling.TopK)
	}
	if o.Sampling.TopP != nil {
		topP = strconv.FormatFloat(*o.Sampling.TopP, 'f', -1, 64)
	}
	return []string{
		ts.Format(time.RFC3339Nano),
		o.VideoName,
		o.ModelName,
		o.ModelPath,
		string(o.Status),
		strconv.FormatFloat(o.Sampling.Temperature, 'f', -1, 64),
		strconv.Itoa(o.Sampling.MaxTokens),
		topK,
		topP,
		strconv.FormatFloat(o.InferenceTime.Seconds(), 'f', 3, 64),
		o.Response,
		o.ErrorMessage,
		string(meta),
	}, nil
}

// Files lists partition files in name order.
func (s *CSVStore) Files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "*"+partitionSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Summarize counts data rows in every partition file. It does not take the
// write locks; unreadable files are logged and skipped.
func (s *CSVStore) Summarize() Summary {
	summary := Summary{Files: make(map[string]int)}
	files, err := s.Files()
	if err != nil {
		s.logger.Error("failed to list results files", "dir", s.dir, "error", err)
		return summary
	}
	for _, path := range files {
		rows, err := readRows(path)
		if err != nil {
			s.logger.Error("failed to read results file", "path", path, "error", err)
			continue
		}
		summary.TotalFiles++
		summary.TotalRecords += len(rows)
		summary.Files[filepath.Base(path)] = len(rows)
	}
	return summary
}

// Rows returns the data rows of videoName's partition keyed by column name.
func (s *CSVStore) Rows(videoName string) ([]map[string]string, error) {
	return readRows(s.PartitionPath(videoName))
}

func readRows(path string) ([]map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			row[col] = record[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
