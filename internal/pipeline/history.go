package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/stvlynn/easyreceipt/internal/document"
)

const runsBucket = "runs"

// ErrRunNotFound is returned by History.Get for an unknown run id
var ErrRunNotFound = errors.New("run not found")

// Operation names what a run did
type Operation string

const (
	OperationProcess Operation = "process"
	OperationSubmit  Operation = "submit"
)

// Transition is one state change of a run
type Transition struct {
	State     State              `json:"state"`
	At        time.Time          `json:"at"`
	ErrorKind document.ErrorKind `json:"error_kind,omitempty"`
}

// Run is the metadata recorded for one Process or Submit call. Field values
// of the record are never stored.
type Run struct {
	ID            string             `json:"id"`
	Kind          document.Kind      `json:"kind"`
	Operation     Operation          `json:"operation"`
	State         State              `json:"state"`
	ErrorKind     document.ErrorKind `json:"error_kind,omitempty"`
	Transitions   []Transition       `json:"transitions"`
	FileID        string             `json:"file_id,omitempty"`
	WorkflowRunID string             `json:"workflow_run_id,omitempty"`
	ElapsedTime   float64            `json:"elapsed_time,omitempty"`
	TotalTokens   int                `json:"total_tokens,omitempty"`
	TotalSteps    int                `json:"total_steps,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
}

// History records finished runs
type History interface {
	// Append stores a finished run, replacing any run with the same id
	Append(run *Run) error

	// Get retrieves a run by id
	Get(id string) (*Run, error)

	// List returns all runs, most recent first
	List() ([]*Run, error)

	// Close releases the underlying store
	Close() error
}

// BoltHistory implements History using BoltDB
type BoltHistory struct {
	db *bbolt.DB
}

// NewBoltHistory opens or creates the history database at path
func NewBoltHistory(path string) (*BoltHistory, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(runsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltHistory{db: db}, nil
}

func (b *BoltHistory) Append(run *Run) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshaling run: %w", err)
		}
		return tx.Bucket([]byte(runsBucket)).Put([]byte(run.ID), data)
	})
}

func (b *BoltHistory) Get(id string) (*Run, error) {
	var run *Run
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(runsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (b *BoltHistory) List() ([]*Run, error) {
	runs := make([]*Run, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(runsBucket)).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("unmarshaling run %s: %w", k, err)
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// keys are random uuids, so order by start time
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

func (b *BoltHistory) Close() error {
	return b.db.Close()
}

// NopHistory discards runs. It is used when no history path is configured.
type NopHistory struct{}

func (NopHistory) Append(*Run) error { return nil }

func (NopHistory) Get(id string) (*Run, error) {
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

func (NopHistory) List() ([]*Run, error) { return []*Run{}, nil }

func (NopHistory) Close() error { return nil }
