package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"depot-notify/internal/models"
)

// Stream delivers change events for one monitored table. Recv blocks until
// the next event, a liveness tick, or an error. A (nil, nil) return is a
// liveness tick: the link is healthy but no actionable event arrived.
type Stream interface {
	Recv(ctx context.Context) (*models.ChangeEvent, error)
	Close()
}

// Source establishes a live subscription for one table. A nil stream with a
// nil error is a malformed acknowledgment and is treated as a subscribe
// failure by the watcher.
type Source interface {
	Subscribe(ctx context.Context) (Stream, error)
}

// SyncerConfig configures a binlog subscription for one table.
type SyncerConfig struct {
	Host     string
	Port     uint16
	User     string
	Password string
	Flavor   string
	ServerID uint32

	Schema string
	Table  string

	// HeartbeatPeriod makes the master emit heartbeat events on an idle
	// link, which the watcher uses for health checks.
	HeartbeatPeriod time.Duration
}

// SyncerSource subscribes to the MySQL binlog and filters row events down to
// a single table. The db handle is used to find the current master position
// and as a column-name fallback when the binlog does not carry column
// metadata.
type SyncerSource struct {
	cfg    SyncerConfig
	db     *sql.DB
	logger *logrus.Logger
}

// NewSyncerSource creates a binlog source for one table.
func NewSyncerSource(cfg SyncerConfig, db *sql.DB, logger *logrus.Logger) *SyncerSource {
	if cfg.Flavor == "" {
		cfg.Flavor = "mysql"
	}
	return &SyncerSource{cfg: cfg, db: db, logger: logger}
}

func (s *SyncerSource) Subscribe(ctx context.Context) (Stream, error) {
	pos, err := s.masterPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve master position: %w", err)
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:        s.cfg.ServerID,
		Flavor:          s.cfg.Flavor,
		Host:            s.cfg.Host,
		Port:            s.cfg.Port,
		User:            s.cfg.User,
		Password:        s.cfg.Password,
		HeartbeatPeriod: s.cfg.HeartbeatPeriod,
	})

	streamer, err := syncer.StartSync(pos)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}

	s.logger.Infof("Subscribed to binlog for %s.%s from %s:%d", s.cfg.Schema, s.cfg.Table, pos.Name, pos.Pos)

	return &binlogStream{
		source:   s,
		syncer:   syncer,
		streamer: streamer,
		columns:  make(map[uint64][]string),
	}, nil
}

// masterPosition reads the current binlog position so the subscription
// starts from now. Catch-up for anything older is the reconciler's job.
func (s *SyncerSource) masterPosition(ctx context.Context) (mysql.Position, error) {
	rows, err := s.db.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return mysql.Position{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return mysql.Position{}, err
	}
	if !rows.Next() {
		return mysql.Position{}, fmt.Errorf("binary logging appears disabled: SHOW MASTER STATUS returned no rows")
	}

	// Column count varies across server versions; only the first two matter.
	values := make([]interface{}, len(cols))
	var name string
	var pos uint32
	values[0] = &name
	values[1] = &pos
	for i := 2; i < len(cols); i++ {
		values[i] = new(sql.RawBytes)
	}
	if err := rows.Scan(values...); err != nil {
		return mysql.Position{}, err
	}
	return mysql.Position{Name: name, Pos: pos}, nil
}

// columnNames fetches column names from INFORMATION_SCHEMA, for servers
// where binlog_row_metadata does not include them.
func (s *SyncerSource) columnNames(schema, table string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query column names: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return columns, nil
}

type binlogStream struct {
	source   *SyncerSource
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	columns  map[uint64][]string // table ID -> column names
	pending  []*models.ChangeEvent
}

func (b *binlogStream) Recv(ctx context.Context) (*models.ChangeEvent, error) {
	if len(b.pending) > 0 {
		ev := b.pending[0]
		b.pending = b.pending[1:]
		return ev, nil
	}

	for {
		event, err := b.streamer.GetEvent(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get binlog event: %w", err)
		}

		switch e := event.Event.(type) {
		case *replication.TableMapEvent:
			b.cacheTableMap(e)

		case *replication.RowsEvent:
			if !b.matches(e) {
				continue
			}
			kind, ok := rowEventKind(event.Header.EventType)
			if !ok {
				continue
			}
			b.pending = b.mapRows(e, kind)
			if len(b.pending) == 0 {
				continue
			}
			ev := b.pending[0]
			b.pending = b.pending[1:]
			return ev, nil

		case *replication.RotateEvent:
			b.source.logger.Debugf("Binlog rotated to %s", string(e.NextLogName))

		default:
			if event.Header.EventType == replication.HEARTBEAT_EVENT {
				return nil, nil
			}
		}
	}
}

func (b *binlogStream) Close() {
	b.syncer.Close()
}

func (b *binlogStream) matches(e *replication.RowsEvent) bool {
	return string(e.Table.Schema) == b.source.cfg.Schema &&
		string(e.Table.Table) == b.source.cfg.Table
}

func (b *binlogStream) cacheTableMap(e *replication.TableMapEvent) {
	if string(e.Schema) != b.source.cfg.Schema || string(e.Table) != b.source.cfg.Table {
		return
	}
	if _, ok := b.columns[e.TableID]; ok {
		return
	}
	names := make([]string, 0, len(e.ColumnName))
	for _, n := range e.ColumnName {
		names = append(names, string(n))
	}
	if len(names) == 0 {
		fetched, err := b.source.columnNames(string(e.Schema), string(e.Table))
		if err != nil {
			b.source.logger.Warnf("Column name lookup failed for %s.%s: %v", e.Schema, e.Table, err)
			return
		}
		names = fetched
	}
	b.columns[e.TableID] = names
}

// mapRows converts a rows event into change events, one per affected row.
// UPDATE events carry (old, new) pairs; only the new image is kept.
func (b *binlogStream) mapRows(e *replication.RowsEvent, kind models.EventKind) []*models.ChangeEvent {
	columns, ok := b.columns[e.TableID]
	if !ok || len(columns) == 0 {
		b.source.logger.Warnf("No column metadata for table ID %d, dropping rows event", e.TableID)
		return nil
	}

	rows := e.Rows
	if kind == models.KindUpdate {
		updated := make([][]interface{}, 0, len(rows)/2)
		for i := 1; i < len(rows); i += 2 {
			updated = append(updated, rows[i])
		}
		rows = updated
	}

	events := make([]*models.ChangeEvent, 0, len(rows))
	now := time.Now()
	for _, row := range rows {
		rowMap := make(map[string]interface{}, len(columns))
		for i := 0; i < len(row) && i < len(columns); i++ {
			rowMap[columns[i]] = normalize(row[i])
		}
		events = append(events, &models.ChangeEvent{
			Table:      b.source.cfg.Table,
			Kind:       kind,
			Row:        rowMap,
			Source:     models.SourceLive,
			ReceivedAt: now,
		})
	}
	return events
}

func rowEventKind(t replication.EventType) (models.EventKind, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return models.KindInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return models.KindUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return models.KindDelete, true
	default:
		return "", false
	}
}

// normalize converts binlog byte slices to strings so the validator and
// downstream JSON encoding see text columns as text.
func normalize(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
