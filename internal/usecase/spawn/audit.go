package spawn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"switchboard/internal/domain"
	"switchboard/internal/infra/tracer"
)

// AuditLog is the append-only record of every lifecycle and gate decision.
// The in-memory slice is authoritative; an optional writer receives a JSONL
// mirror of each entry.
type AuditLog struct {
	mu      sync.Mutex
	entries []domain.SpawnAuditEntry
	index   map[string][]int // spawnID -> positions in entries
	mirror  io.Writer
	logger  *slog.Logger
	now     func() time.Time
}

// NewAuditLog creates an empty log. mirror may be nil.
func NewAuditLog(mirror io.Writer, logger *slog.Logger) *AuditLog {
	return &AuditLog{
		index:  make(map[string][]int),
		mirror: mirror,
		logger: logger,
		now:    time.Now,
	}
}

// OpenAuditFile opens path for appending audit JSONL, creating it with 0600
// permissions.
func OpenAuditFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return f, nil
}

// Append stamps and stores one entry, then returns the stored copy. Writes are
// serialized so entries never interleave. A failing mirror is logged; the
// in-memory entry is kept regardless.
func (l *AuditLog) Append(ctx context.Context, spawnID string, action domain.AuditAction, actor, details string) domain.SpawnAuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	entry := domain.SpawnAuditEntry{
		EntryID:   newID(now),
		SpawnID:   spawnID,
		Action:    action,
		Actor:     actor,
		Details:   details,
		Timestamp: now,
	}
	l.index[spawnID] = append(l.index[spawnID], len(l.entries))
	l.entries = append(l.entries, entry)

	if l.mirror != nil {
		if data, err := json.Marshal(entry); err == nil {
			if _, err := l.mirror.Write(append(data, '\n')); err != nil {
				l.logger.Error("audit mirror write failed", "spawn_id", spawnID, "error", err)
			}
		}
	}

	tracer.AddEvent(ctx, "audit."+string(action),
		tracer.StringAttr("audit.spawn_id", spawnID),
		tracer.StringAttr("audit.actor", actor),
		tracer.StringAttr("audit.details", details),
	)
	return entry
}

// Trail returns the entries for one spawn in append order.
func (l *AuditLog) Trail(spawnID string) []domain.SpawnAuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	positions := l.index[spawnID]
	out := make([]domain.SpawnAuditEntry, len(positions))
	for i, p := range positions {
		out[i] = l.entries[p]
	}
	return out
}

// All returns a copy of the full log.
func (l *AuditLog) All() []domain.SpawnAuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Len returns the number of entries.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// newID draws from the process-wide monotonic entropy so ids minted in the
// same millisecond stay unique and ordered.
func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
