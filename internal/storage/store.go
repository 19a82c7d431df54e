package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/mdgps/internal/algorithm"
	"github.com/san-kum/mdgps/internal/metrics"
)

const (
	metadataFile = "metadata.json"
	snapshotFile = "snapshot.json"
	historyFile  = "history.csv"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	Seed       int64     `json:"seed"`
	Conditions int       `json:"conditions"`
	T          int       `json:"t"`
	DX         int       `json:"dx"`
	DU         int       `json:"du"`
	Iterations int       `json:"iterations"`
	StepRule   string    `json:"step_rule"`
	StepScope  string    `json:"step_scope"`
	StepMult   []float64 `json:"step_mult"`
}

// Save writes a new run directory and returns its id. meta.ID and
// meta.Timestamp are filled in.
func (s *Store) Save(meta RunMetadata, snap *algorithm.Snapshot, records []metrics.Record) (string, error) {
	meta.ID = uuid.NewString()
	meta.Timestamp = time.Now()
	runDir := filepath.Join(s.baseDir, meta.ID)

	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, metadataFile), meta); err != nil {
		return "", err
	}
	if snap != nil {
		if err := writeJSON(filepath.Join(runDir, snapshotFile), snap); err != nil {
			return "", err
		}
	}
	if err := writeHistory(filepath.Join(runDir, historyFile), records); err != nil {
		return "", err
	}
	return meta.ID, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeHistory(path string, records []metrics.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{"iteration", "condition"}, metrics.Fields...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{strconv.Itoa(r.Iteration), strconv.Itoa(r.Condition)}
		for _, name := range metrics.Fields {
			v, err := r.Field(name)
			if err != nil {
				return err
			}
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// List returns every readable run, oldest first.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.Before(runs[j].Timestamp) })
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, metadataFile))
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) LoadSnapshot(runID string) (*algorithm.Snapshot, error) {
	f, err := os.Open(filepath.Join(s.baseDir, runID, snapshotFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return algorithm.DecodeSnapshot(f)
}

func (s *Store) LoadHistory(runID string) ([]metrics.Record, error) {
	f, err := os.Open(filepath.Join(s.baseDir, runID, historyFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return []metrics.Record{}, nil
	}

	header := rows[0]
	records := make([]metrics.Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		var rec metrics.Record
		for j, col := range header {
			switch col {
			case "iteration":
				rec.Iteration, err = strconv.Atoi(row[j])
			case "condition":
				rec.Condition, err = strconv.Atoi(row[j])
			default:
				var v float64
				if v, err = strconv.ParseFloat(row[j], 64); err == nil {
					err = rec.SetField(col, v)
				}
			}
			if err != nil {
				return nil, fmt.Errorf("history row %d, column %s: %w", i+1, col, err)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
