package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"waterbender/internal/schedule"
	logx "waterbender/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store over database/sql. Queries are written with '?'
// placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, log: log, dialect: d, now: time.Now}
}

// rebind converts '?' placeholders to '$n' for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

const scheduleColumns = `id, type, datetime, weekday, repeat_interval, duration, keep_after_run, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (schedule.Schedule, error) {
	var (
		s                          schedule.Schedule
		typ, status                string
		datetime, weekday, repeatN sql.NullString
		createdMS                  sql.NullInt64
	)
	if err := r.Scan(&s.ID, &typ, &datetime, &weekday, &repeatN, &s.Duration, &s.KeepAfterRun, &status, &createdMS); err != nil {
		return schedule.Schedule{}, err
	}
	s.Type = schedule.Type(typ)
	s.Status = schedule.Status(status)
	s.Datetime = datetime.String
	s.Weekday = weekday.String
	s.RepeatInterval = schedule.Interval(repeatN.String)
	if createdMS.Valid && createdMS.Int64 > 0 {
		s.CreatedAt = time.UnixMilli(createdMS.Int64)
	}
	return s, nil
}

func (s *sqlStore) querySchedules(ctx context.Context, op, q string, args ...any) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func (s *sqlStore) ListActive(ctx context.Context) ([]schedule.Schedule, error) {
	return s.querySchedules(ctx, "list active",
		`SELECT `+scheduleColumns+` FROM irrigation_schedule WHERE status = ? ORDER BY id`,
		string(schedule.StatusActive))
}

func (s *sqlStore) List(ctx context.Context, opt ListOptions) ([]schedule.Schedule, error) {
	limit := opt.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := max(opt.Offset, 0)
	if opt.Status != "" {
		return s.querySchedules(ctx, "list",
			`SELECT `+scheduleColumns+` FROM irrigation_schedule WHERE status = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
			string(opt.Status), limit, offset)
	}
	return s.querySchedules(ctx, "list",
		`SELECT `+scheduleColumns+` FROM irrigation_schedule ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit, offset)
}

func (s *sqlStore) Get(ctx context.Context, id int64) (schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+scheduleColumns+` FROM irrigation_schedule WHERE id = ?`), id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, ErrNotFound
	}
	if err != nil {
		return schedule.Schedule{}, unavailable("get", err)
	}
	return sc, nil
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) insertOne(ctx context.Context, ex execer, sc schedule.Schedule) (int64, error) {
	if sc.Status == "" {
		sc.Status = schedule.StatusActive
	}
	created := sc.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	var id int64
	err := ex.QueryRowContext(ctx, s.rebind(
		`INSERT INTO irrigation_schedule(type, datetime, weekday, repeat_interval, duration, keep_after_run, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?) RETURNING id`),
		string(sc.Type), nullStr(sc.Datetime), nullStr(sc.Weekday), nullStr(string(sc.RepeatInterval)),
		sc.Duration, sc.KeepAfterRun, string(sc.Status), created.UnixMilli(),
	).Scan(&id)
	return id, err
}

func (s *sqlStore) Insert(ctx context.Context, sc schedule.Schedule) (int64, error) {
	id, err := s.insertOne(ctx, s.db, sc)
	if err != nil {
		return 0, unavailable("insert", err)
	}
	return id, nil
}

func (s *sqlStore) InsertBatch(ctx context.Context, rows []schedule.Schedule) ([]int64, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("insert batch", err)
	}
	ids := make([]int64, 0, len(rows))
	for _, sc := range rows {
		id, err := s.insertOne(ctx, tx, sc)
		if err != nil {
			_ = tx.Rollback()
			return nil, unavailable("insert batch", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("insert batch", err)
	}
	return ids, nil
}

func (s *sqlStore) DeleteByID(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM irrigation_schedule WHERE id = ?`), id)
	if err != nil {
		return unavailable("delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `DELETE FROM irrigation_schedule WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return 0, unavailable("delete batch", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("delete batch", err)
	}
	return n, nil
}

func (s *sqlStore) SetStatus(ctx context.Context, id int64, status schedule.Status) error {
	if !status.Valid() {
		return errors.Newf("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE irrigation_schedule SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return unavailable("set status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) AppendHistory(ctx context.Context, h schedule.HistoryRecord) (int64, error) {
	if h.RecordedAt.IsZero() {
		h.RecordedAt = s.now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO irrigation_history(status, mode, soil, rain, temperature, humidity, weather_condition, wind_speed, location, recorded_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		h.Status, h.Mode, nullFloat(h.Soil), nullFloat(h.Rain), nullFloat(h.Temperature), nullFloat(h.Humidity),
		nullStr(h.WeatherCondition), nullFloat(h.WindSpeed), nullStr(h.Location), h.RecordedAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, unavailable("append history", err)
	}
	return id, nil
}

func (s *sqlStore) ListHistory(ctx context.Context, limit int) ([]schedule.HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, status, mode, soil, rain, temperature, humidity, weather_condition, wind_speed, location, recorded_at
		 FROM irrigation_history ORDER BY recorded_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, unavailable("list history", err)
	}
	defer rows.Close()

	var out []schedule.HistoryRecord
	for rows.Next() {
		var (
			h                           schedule.HistoryRecord
			soil, rain, temp, hum, wind sql.NullFloat64
			cond, loc                   sql.NullString
			recordedMS                  int64
		)
		if err := rows.Scan(&h.ID, &h.Status, &h.Mode, &soil, &rain, &temp, &hum, &cond, &wind, &loc, &recordedMS); err != nil {
			return nil, unavailable("list history", err)
		}
		h.Soil, h.Rain, h.Temperature, h.Humidity, h.WindSpeed = floatPtr(soil), floatPtr(rain), floatPtr(temp), floatPtr(hum), floatPtr(wind)
		h.WeatherCondition, h.Location = cond.String, loc.String
		h.RecordedAt = time.UnixMilli(recordedMS)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list history", err)
	}
	return out, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.db.PingContext(ctx))
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
