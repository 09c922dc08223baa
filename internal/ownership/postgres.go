package ownership

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/common/logger"
)

// DefaultChannel is the NOTIFY channel of ownership changes.
const DefaultChannel = "session_ownership_changed"

const (
	defaultResyncInterval = 30 * time.Second
	reconnectDelay        = 2 * time.Second
)

var channelRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

const selectRowsSQL = `SELECT session_id, device_id, organization_id, cwd
FROM session_ownership
WHERE organization_id = $1
ORDER BY session_id`

// schemaSQL creates the table and a trigger that notifies the channel with
// the affected organization id.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS session_ownership (
	session_id      TEXT PRIMARY KEY,
	device_id       TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	cwd             TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS session_ownership_org_idx ON session_ownership (organization_id);

CREATE OR REPLACE FUNCTION notify_session_ownership() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('%[1]s', OLD.organization_id);
	ELSE
		PERFORM pg_notify('%[1]s', NEW.organization_id);
		IF TG_OP = 'UPDATE' AND OLD.organization_id <> NEW.organization_id THEN
			PERFORM pg_notify('%[1]s', OLD.organization_id);
		END IF;
	END IF;
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS session_ownership_notify ON session_ownership;
CREATE TRIGGER session_ownership_notify
	AFTER INSERT OR UPDATE OR DELETE ON session_ownership
	FOR EACH ROW EXECUTE FUNCTION notify_session_ownership();
`

// PostgresOptions configures a Postgres feed.
type PostgresOptions struct {
	Channel        string
	ResyncInterval time.Duration
}

// Postgres follows the session_ownership table through LISTEN/NOTIFY. Every
// notification and every resync tick re-queries the organization's full row
// set, so missed notifications heal on the next tick.
type Postgres struct {
	pool    *pgxpool.Pool
	channel string
	resync  time.Duration
	logger  *logger.Logger
}

// NewPostgres creates a feed over pool.
func NewPostgres(pool *pgxpool.Pool, opts PostgresOptions, log *logger.Logger) (*Postgres, error) {
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	if !channelRe.MatchString(channel) {
		return nil, fmt.Errorf("invalid notify channel %q", channel)
	}
	resync := opts.ResyncInterval
	if resync <= 0 {
		resync = defaultResyncInterval
	}
	return &Postgres{
		pool:    pool,
		channel: channel,
		resync:  resync,
		logger:  log.WithFields(zap.String("component", "ownership-postgres")),
	}, nil
}

// SchemaSQL returns the bootstrap statements for the configured channel.
func (p *Postgres) SchemaSQL() string {
	return fmt.Sprintf(schemaSQL, p.channel)
}

// EnsureSchema creates the table, notify function and trigger.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, p.SchemaSQL()); err != nil {
		return fmt.Errorf("failed to ensure ownership schema: %w", err)
	}
	p.logger.Info("ownership schema ensured", zap.String("channel", p.channel))
	return nil
}

// Snapshot returns the organization's rows.
func (p *Postgres) Snapshot(ctx context.Context, organizationID string) ([]Row, error) {
	rows, err := p.pool.Query(ctx, selectRowsSQL, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ownership: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[Row])
	if err != nil {
		return nil, fmt.Errorf("failed to scan ownership: %w", err)
	}
	return out, nil
}

// Watch implements Feed.
func (p *Postgres) Watch(ctx context.Context, organizationID string, onChange func([]Row)) (Watch, error) {
	conn, err := p.listen(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := p.Snapshot(ctx, organizationID)
	if err != nil {
		conn.Release()
		return nil, err
	}
	onChange(rows)

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &pgWatch{cancel: cancel, done: make(chan struct{})}
	go p.loop(wctx, w, conn, organizationID, onChange)
	return w, nil
}

func (p *Postgres) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{p.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", p.channel, err)
	}
	return conn, nil
}

func (p *Postgres) loop(ctx context.Context, w *pgWatch, conn *pgxpool.Conn, orgID string, onChange func([]Row)) {
	defer close(w.done)
	defer func() {
		if conn != nil {
			// The connection goes back to the pool, so stop listening first.
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
			conn.Release()
		}
	}()

	log := p.logger.WithFields(zap.String("organization_id", orgID))
	for {
		if conn == nil {
			var err error
			if conn, err = p.listen(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("failed to re-listen for ownership changes", zap.Error(err))
				select {
				case <-time.After(reconnectDelay):
					continue
				case <-ctx.Done():
					return
				}
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, p.resync)
		n, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()

		switch {
		case ctx.Err() != nil:
			return
		case pgconn.Timeout(err):
			// Resync tick.
		case err != nil:
			log.Warn("ownership listen connection lost", zap.Error(err))
			conn.Release()
			conn = nil
			// Rows may have changed while disconnected; resync below.
		case n.Payload != "" && n.Payload != orgID:
			continue
		}

		rows, err := p.Snapshot(ctx, orgID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("failed to refresh ownership snapshot", zap.Error(err))
			continue
		}
		onChange(rows)
	}
}

type pgWatch struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops the watch and waits for its goroutine.
func (w *pgWatch) Close() error {
	w.once.Do(w.cancel)
	<-w.done
	return nil
}
