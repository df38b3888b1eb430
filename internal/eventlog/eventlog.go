// Package eventlog is the append-only audit trail of circulation and catalog changes.
// Events are appended inside the caller's transaction so they commit or roll back with
// the state change they describe.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	AggregateCopy   = "copy"
	AggregateMember = "member"
	AggregateBook   = "book"

	CopyIssued        = "CopyIssued"
	CopyReturned      = "CopyReturned"
	FineCharged       = "FineCharged"
	MembershipCharged = "MembershipCharged"
	CartItemAdded     = "CartItemAdded"
	CartItemRemoved   = "CartItemRemoved"
	CartCheckedOut    = "CartCheckedOut"
	BookAdded         = "BookAdded"
	CopiesAdded       = "CopiesAdded"
	MemberRegistered  = "MemberRegistered"
)

const defaultStreamLimit = 100

var ErrEmptyEventType = errors.New("event type must not be empty")

// Event is one audit record.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// NewEvent encodes payload and stamps the event with occurredAt.
func NewEvent(aggregateType string, aggregateID uuid.UUID, eventType string, payload any, occurredAt time.Time) (Event, error) {
	if eventType == "" {
		return Event{}, ErrEmptyEventType
	}
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     data,
		CreatedAt:     occurredAt.UTC(),
	}, nil
}

type eventRow struct {
	ID            int64     `db:"id"`
	AggregateID   uuid.UUID `db:"aggregate_id"`
	AggregateType string    `db:"aggregate_type"`
	EventType     string    `db:"event_type"`
	EventData     []byte    `db:"event_data"`
	CreatedAt     time.Time `db:"created_at"`
}

func fromRows(rows []eventRow) []Event {
	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, Event{
			ID:            r.ID,
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			EventType:     r.EventType,
			EventData:     json.RawMessage(r.EventData),
			CreatedAt:     r.CreatedAt,
		})
	}
	return events
}

// Decode unmarshals the event payload into dst.
func (e Event) Decode(dst any) error {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(e.EventData, dst)
}

// Log reads and writes the events table.
type Log struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewLog(db *sqlx.DB) *Log {
	return &Log{
		db:     db,
		tracer: otel.Tracer("shelfsync/eventlog"),
	}
}

// Append inserts events using ext, which is normally the caller's open transaction.
func (l *Log) Append(ctx context.Context, ext sqlx.ExtContext, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	ctx, span := l.tracer.Start(ctx, "eventlog.append",
		trace.WithAttributes(attribute.Int("event.count", len(events))),
	)
	defer span.End()

	const query = `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	for i := range events {
		e := &events[i]
		if e.EventType == "" {
			return ErrEmptyEventType
		}
		if err := ext.QueryRowxContext(ctx, query,
			e.AggregateID, e.AggregateType, e.EventType, []byte(e.EventData), e.CreatedAt,
		).Scan(&e.ID); err != nil {
			span.RecordError(err)
			return fmt.Errorf("insert event %s: %w", e.EventType, err)
		}
		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", e.ID),
			attribute.String("event.type", e.EventType),
		))
	}
	return nil
}

// Stream returns up to limit events with an id greater than afterID, oldest first.
func (l *Log) Stream(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.stream",
		trace.WithAttributes(
			attribute.Int64("after.id", afterID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if limit <= 0 {
		limit = defaultStreamLimit
	}

	var rows []eventRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, created_at
		FROM events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("stream events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.streamed", len(rows)))
	return fromRows(rows), nil
}

// LoadAggregate returns every event recorded for one aggregate, oldest first.
func (l *Log) LoadAggregate(ctx context.Context, aggregateID uuid.UUID) ([]Event, error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.load_aggregate",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	var rows []eventRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, created_at
		FROM events
		WHERE aggregate_id = $1
		ORDER BY id ASC
	`, aggregateID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load aggregate events: %w", err)
	}
	return fromRows(rows), nil
}
