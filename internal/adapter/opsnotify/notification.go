// Package opsnotify announces spawn lifecycle changes to external operations
// systems (Redis pub/sub, Kafka) so dashboards and exporters can follow the
// live roster.
package opsnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/infra/config"
)

// Notification kinds.
const (
	KindRegister   = "register"
	KindDeregister = "deregister"
)

// Notification is the JSON message every sink publishes.
type Notification struct {
	Kind        string             `json:"kind"`
	SpawnID     string             `json:"spawnId"`
	Handle      string             `json:"handle"`
	SpawnType   string             `json:"spawnType"`
	RoleType    string             `json:"roleType"`
	PMOOffice   string             `json:"pmoOffice"`
	Environment string             `json:"environment"`
	RequestedBy string             `json:"requestedBy"`
	Status      domain.SpawnStatus `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

func newNotification(kind string, rec domain.SpawnRecord, reason string) Notification {
	return Notification{
		Kind:        kind,
		SpawnID:     rec.SpawnID,
		Handle:      rec.Handle,
		SpawnType:   rec.SpawnType,
		RoleType:    rec.RoleCard.RoleType,
		PMOOffice:   rec.RoleCard.PMOOffice,
		Environment: rec.Environment,
		RequestedBy: rec.RequestedBy,
		Status:      rec.Status,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
}

func (n Notification) encode() ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode ops notification: %w", err)
	}
	return data, nil
}

// withTimeout bounds one sink call. A zero timeout leaves ctx unchanged.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// New builds the registrar selected by cfg.Sink.
func New(cfg config.OpsConfig, logger *slog.Logger) (domain.OpsRegistrar, error) {
	switch cfg.Sink {
	case "", "noop":
		return NewNoop(logger), nil
	case "redis":
		return NewRedisRegistrar(NewGoRedisClient(cfg.Redis), cfg.Redis.Channel, cfg.Redis.RosterKey, cfg.Timeout, logger), nil
	case "kafka":
		return NewKafkaRegistrar(NewKafkaWriter(cfg.Kafka), cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown ops sink %q", domain.ErrInvalidInput, cfg.Sink)
	}
}

// Noop records nothing and always succeeds.
type Noop struct {
	logger *slog.Logger
}

// NewNoop creates a registrar that only logs.
func NewNoop(logger *slog.Logger) *Noop { return &Noop{logger: logger} }

func (n *Noop) Register(_ context.Context, rec domain.SpawnRecord) error {
	n.logger.Debug("ops register (noop)", "spawn_id", rec.SpawnID, "handle", rec.Handle)
	return nil
}

func (n *Noop) Deregister(_ context.Context, rec domain.SpawnRecord, reason string) error {
	n.logger.Debug("ops deregister (noop)", "spawn_id", rec.SpawnID, "reason", reason)
	return nil
}

func (n *Noop) Close() error { return nil }

var (
	_ domain.OpsRegistrar = (*Noop)(nil)
	_ domain.OpsRegistrar = (*RedisRegistrar)(nil)
	_ domain.OpsRegistrar = (*KafkaRegistrar)(nil)
)
