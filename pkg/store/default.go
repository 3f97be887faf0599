package store

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// DBEnv names the environment variable selecting the default store's
// database file.
const DBEnv = "SYMEXPR_DB"

var (
	defaultMu    sync.Mutex
	defaultStore Store
	defaultPath  string
)

// Init opens the process-wide store for path (see Open) on first use and
// returns it. Later calls return the same store; asking for a different path
// once it is open is an error.
func Init(path string) (Store, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultStore != nil {
		if path != defaultPath {
			return nil, fmt.Errorf("default store already opened for %s", describePath(defaultPath))
		}
		return defaultStore, nil
	}

	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	defaultStore, defaultPath = s, path
	zap.L().Info("Opened expression store", zap.String("store", describePath(path)))
	return s, nil
}

// Default returns the process-wide store. If Init has not run, it opens one
// from SYMEXPR_DB: a SQLite store when it names a database file, an
// in-memory store otherwise.
func Default() (Store, error) {
	defaultMu.Lock()
	s := defaultStore
	defaultMu.Unlock()
	if s != nil {
		return s, nil
	}
	return Init(os.Getenv(DBEnv))
}

// Open returns a store for path: SQLite when path is set, memory otherwise.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return OpenSQLite(path)
}

func describePath(path string) string {
	if path == "" {
		return "memory"
	}
	return path
}
