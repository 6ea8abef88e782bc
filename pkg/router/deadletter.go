package router

import (
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/errors"
)

// DeadLetterEntry records a commit that exhausted its retries. Entries
// are append-only JSON lines, tagged with the failing backend so an
// operator can replay the affected subset.
type DeadLetterEntry struct {
	IngestID string                 `json:"ingest_id"`
	Backend  string                 `json:"backend"`
	Reason   string                 `json:"reason"`
	Error    string                 `json:"error"`
	Attempts int                    `json:"attempts"`
	Fields   map[string]interface{} `json:"fields"`
	FailedAt time.Time              `json:"failed_at"`
}

// DeadLetterLog is a durable append-only log of failed commits.
type DeadLetterLog struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *zap.Logger
}

// OpenDeadLetterLog opens (or creates) the log in append mode.
func OpenDeadLetterLog(path string, logger *zap.Logger) (*DeadLetterLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to open dead-letter log")
	}
	return &DeadLetterLog{
		file:   f,
		path:   path,
		logger: logger.With(zap.String("component", "dead_letter")),
	}, nil
}

// Append writes one entry and syncs it to disk before returning; a
// dead-lettered record is never silently dropped.
func (l *DeadLetterLog) Append(entry *DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode dead-letter entry")
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to append dead-letter entry")
	}
	if err := l.file.Sync(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to sync dead-letter log")
	}

	l.logger.Warn("commit dead-lettered",
		zap.String("ingest_id", entry.IngestID),
		zap.String("backend", entry.Backend),
		zap.String("reason", entry.Reason),
		zap.Int("fields", len(entry.Fields)))
	return nil
}

// Close closes the underlying file.
func (l *DeadLetterLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
