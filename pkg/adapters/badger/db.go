package badger

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/lattice/internal/logging"
	backend "github.com/dgraph-io/badger/v3"
)

// Key layout. NUL separates the parts so one run ID can never prefix another.
const (
	eventPrefix = "event\x00"
	lastPrefix  = "last\x00"
	runPrefix   = "run\x00"
)

func eventKeyPrefix(runID string) []byte {
	return []byte(eventPrefix + runID + "\x00")
}

func eventKey(runID string, seq int64) []byte {
	k := eventKeyPrefix(runID)
	return binary.BigEndian.AppendUint64(k, uint64(seq))
}

func lastKey(runID string) []byte {
	return []byte(lastPrefix + runID)
}

func runKey(runID string) []byte {
	return []byte(runPrefix + runID)
}

// Open opens (or creates) a badger database in dir.
func Open(dir string, logger *slog.Logger) (*backend.DB, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	opts := backend.DefaultOptions(dir)
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger")}
	db, err := backend.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return db, nil
}

// OpenInMemory opens a database that lives only as long as the process.
func OpenInMemory() (*backend.DB, error) {
	opts := backend.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return backend.Open(opts)
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}
