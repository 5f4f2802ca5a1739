package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/watch"
)

//go:embed migrations/*.sql
var migrations embed.FS

const pgChangesChannel = "carpool_changes"

// PostgresStore keeps ride documents in a JSONB column with status and host
// columns kept alongside for queries. Writes announce themselves with
// pg_notify; a pq.Listener turns the notifications back into change events.
type PostgresStore struct {
	db       *sqlx.DB
	listener *pq.Listener
	hub      *watch.Hub
	logger   *slog.Logger
	now      func() time.Time
}

type rideRow struct {
	ID      string `db:"id"`
	Doc     []byte `db:"doc"`
	Version int64  `db:"version"`
}

type messageRow struct {
	ID        string    `db:"id"`
	ThreadID  string    `db:"thread_id"`
	Sender    string    `db:"sender"`
	Body      string    `db:"body"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

type typingRow struct {
	ThreadID  string    `db:"thread_id"`
	UserID    string    `db:"user_id"`
	IsTyping  bool      `db:"is_typing"`
	UpdatedAt time.Time `db:"updated_at"`
}

type ratingRow struct {
	ID        string    `db:"id"`
	HostID    string    `db:"host_id"`
	RiderID   string    `db:"rider_id"`
	Rating    int       `db:"rating"`
	CreatedAt time.Time `db:"created_at"`
}

func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	logger = logging.OrDefault(logger)
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	p := &PostgresStore{
		db:     db,
		hub:    watch.NewHub(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	p.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("postgres_listener_event", "event", int(ev), "error", err)
		}
	})
	if err := p.listener.Listen(pgChangesChannel); err != nil {
		_ = p.listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("postgres listen: %w", err)
	}
	go p.forwardChanges()
	return p, nil
}

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		p.logger.Info("migration_applied", "file", name)
	}
	return nil
}

func (p *PostgresStore) forwardChanges() {
	for n := range p.listener.Notify {
		// nil after a reconnect; state may have changed while we were away
		if n == nil {
			continue
		}
		ev, err := decodeChange(n.Extra)
		if err != nil {
			p.logger.Warn("postgres_change_decode_failed", "error", err)
			continue
		}
		p.hub.Publish(ev)
	}
}

func decodeChange(payload string) (watch.Event, error) {
	var ev watch.Event
	err := json.Unmarshal([]byte(payload), &ev)
	return ev, err
}

func (p *PostgresStore) Listen(fn func(watch.Event)) func() { return p.hub.Listen(fn) }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error {
	return errors.Join(p.listener.Close(), p.db.Close())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func notify(ctx context.Context, e execer, collection, key string) error {
	b, _ := json.Marshal(watch.Event{Collection: collection, Key: key})
	_, err := e.ExecContext(ctx, `SELECT pg_notify($1, $2)`, pgChangesChannel, string(b))
	return err
}

func decodeRide(row rideRow) (*models.Ride, error) {
	var r models.Ride
	if err := json.Unmarshal(row.Doc, &r); err != nil {
		return nil, fmt.Errorf("decode ride %s: %w", row.ID, err)
	}
	r.ID = row.ID
	r.Version = row.Version
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var row rideRow
	err := p.db.GetContext(ctx, &row, `SELECT id, doc, version FROM rides WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRide(row)
}

func (p *PostgresStore) ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	return p.selectRides(ctx, `SELECT id, doc, version FROM rides WHERE status = $1 ORDER BY created_at, id`, string(status))
}

func (p *PostgresStore) ListRidesByHost(ctx context.Context, hostID string) ([]*models.Ride, error) {
	return p.selectRides(ctx, `SELECT id, doc, version FROM rides WHERE host_id = $1 ORDER BY created_at, id`, hostID)
}

func (p *PostgresStore) selectRides(ctx context.Context, q string, arg string) ([]*models.Ride, error) {
	var rows []rideRow
	if err := p.db.SelectContext(ctx, &rows, q, arg); err != nil {
		return nil, err
	}
	out := make([]*models.Ride, 0, len(rows))
	for _, row := range rows {
		r, err := decodeRide(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// MergeRide inserts an empty document when the ride is missing, then locks
// the row and applies the change to it, so concurrent first writers serialise
// on the same row instead of overwriting each other.
func (p *PostgresStore) MergeRide(ctx context.Context, id string, apply func(r *models.Ride)) (*models.Ride, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := p.now()
	seed, err := json.Marshal(&models.Ride{ID: id, CreatedAt: now})
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rides (id, doc, version, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (id) DO NOTHING`,
		id, seed, now); err != nil {
		return nil, err
	}

	var row rideRow
	if err := tx.GetContext(ctx, &row, `SELECT id, doc, version FROM rides WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, err
	}
	ride, err := decodeRide(row)
	if err != nil {
		return nil, err
	}

	apply(ride)
	ride.ID = id
	ride.Version = row.Version + 1
	ride.UpdatedAt = now
	doc, err := json.Marshal(ride)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE rides SET status = $2, host_id = $3, doc = $4, version = $5, updated_at = $6
		WHERE id = $1`,
		id, string(ride.Status), ride.HostID, doc, ride.Version, now); err != nil {
		return nil, err
	}
	if err := notify(ctx, tx, CollectionRides, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ride, nil
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	next := r.Clone()
	next.Version++
	next.UpdatedAt = p.now()
	doc, err := json.Marshal(next)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE rides SET status = $1, host_id = $2, doc = $3, version = $4, updated_at = $5
		WHERE id = $6 AND version = $7`,
		string(next.Status), next.HostID, doc, next.Version, next.UpdatedAt, r.ID, r.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, r.ID); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	if err := notify(ctx, tx, CollectionRides, r.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.Version = next.Version
	r.UpdatedAt = next.UpdatedAt
	return nil
}

func (p *PostgresStore) AddMessage(ctx context.Context, m *models.Message) error {
	return p.inTx(ctx, CollectionMessages, m.ThreadID, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO messages (id, thread_id, sender, body, status, created_at)
			VALUES (:id, :thread_id, :sender, :body, :status, :created_at)`, toMessageRow(*m))
		return err
	})
}

func (p *PostgresStore) ListThread(ctx context.Context, threadID string) ([]models.Message, error) {
	var rows []messageRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, thread_id, sender, body, status, created_at
		FROM messages WHERE thread_id = $1 ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (p *PostgresStore) SetMessageStatus(ctx context.Context, id string, status models.MessageStatus) error {
	var thread string
	err := p.db.GetContext(ctx, &thread, `UPDATE messages SET status = $1 WHERE id = $2 RETURNING thread_id`, string(status), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return notify(ctx, p.db, CollectionMessages, thread)
}

func (p *PostgresStore) SetTyping(ctx context.Context, t models.Typing) error {
	return p.inTx(ctx, CollectionTyping, t.ThreadID, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO thread_typing (thread_id, user_id, is_typing, updated_at)
			VALUES (:thread_id, :user_id, :is_typing, :updated_at)
			ON CONFLICT (thread_id, user_id) DO UPDATE SET
				is_typing = EXCLUDED.is_typing,
				updated_at = EXCLUDED.updated_at`, typingRow(t))
		return err
	})
}

func (p *PostgresStore) ListTyping(ctx context.Context, threadID string) ([]models.Typing, error) {
	var rows []typingRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT thread_id, user_id, is_typing, updated_at
		FROM thread_typing WHERE thread_id = $1 ORDER BY user_id`, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Typing, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Typing(row))
	}
	return out, nil
}

func (p *PostgresStore) AddRating(ctx context.Context, r *models.Rating) error {
	return p.inTx(ctx, CollectionRatings, r.HostID, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO ratings (id, host_id, rider_id, rating, created_at)
			VALUES (:id, :host_id, :rider_id, :rating, :created_at)`, ratingRow(*r))
		return err
	})
}

func (p *PostgresStore) ListHostRatings(ctx context.Context, hostID string) ([]models.Rating, error) {
	var rows []ratingRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, host_id, rider_id, rating, created_at
		FROM ratings WHERE host_id = $1 ORDER BY created_at, id`, hostID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Rating, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Rating(row))
	}
	return out, nil
}

// inTx runs fn and announces the change in the same transaction, so
// listeners never hear about a write that rolled back.
func (p *PostgresStore) inTx(ctx context.Context, collection, key string, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := notify(ctx, tx, collection, key); err != nil {
		return err
	}
	return tx.Commit()
}

func toMessageRow(m models.Message) messageRow {
	return messageRow{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Sender:    m.From,
		Body:      m.Text,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt,
	}
}

func (row messageRow) toModel() models.Message {
	return models.Message{
		ID:        row.ID,
		ThreadID:  row.ThreadID,
		From:      row.Sender,
		Text:      row.Body,
		Status:    models.MessageStatus(row.Status),
		CreatedAt: row.CreatedAt,
	}
}
