package stats

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// usageLog mirrors recorded events into a plain text file, one line each.
type usageLog struct {
	file *os.File
	mu   sync.Mutex
}

func newUsageLog(path string, log *slog.Logger) *usageLog {
	if path == "" {
		return nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path provided via config.
	if err != nil {
		log.Error("failed to open usage log file", "file", path, "error", err)
		return nil
	}
	return &usageLog{file: file}
}

func (u *usageLog) write(events []Event) {
	if u == nil || u.file == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, e := range events {
		client := e.SourceAddress
		if client == "" {
			client = "-"
		}
		_, _ = fmt.Fprintf(u.file, "%s client=%s outcome=%s name=%s\n",
			e.Timestamp.UTC().Format(time.RFC3339),
			client,
			e.Outcome,
			e.Domain,
		)
	}
}

func (u *usageLog) close() error {
	if u == nil || u.file == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.file.Close()
}
