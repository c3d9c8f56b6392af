// Package planboard provides database-backed planboard stores.
package planboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
)

const schema = `
CREATE TABLE IF NOT EXISTS ptu_container (
    period TEXT NOT NULL,
    grp TEXT NOT NULL,
    idx INTEGER NOT NULL,
    regime INTEGER NOT NULL,
    state INTEGER NOT NULL,
    PRIMARY KEY (period, grp, idx)
);
CREATE TABLE IF NOT EXISTS planboard_message (
    type INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    participant TEXT NOT NULL,
    period TEXT NOT NULL,
    grp TEXT NOT NULL,
    origin INTEGER NOT NULL,
    conversation_id TEXT NOT NULL,
    prognosis_type TEXT NOT NULL,
    substitute INTEGER NOT NULL,
    created INTEGER NOT NULL,
    expiration INTEGER NOT NULL,
    status INTEGER NOT NULL,
    PRIMARY KEY (type, seq, participant)
);
CREATE INDEX IF NOT EXISTS planboard_message_period ON planboard_message (period, type, status);
CREATE TABLE IF NOT EXISTS document_ptu (
    type INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    participant TEXT NOT NULL,
    idx INTEGER NOT NULL,
    power TEXT NOT NULL,
    price TEXT NOT NULL,
    disposition INTEGER NOT NULL,
    PRIMARY KEY (type, seq, participant, idx)
);
CREATE TABLE IF NOT EXISTS sequence_mark (
    type INTEGER NOT NULL,
    participant TEXT NOT NULL,
    period TEXT NOT NULL,
    grp TEXT NOT NULL,
    max_seq INTEGER NOT NULL,
    PRIMARY KEY (type, participant, period, grp)
);
CREATE TABLE IF NOT EXISTS grid_safety_analysis (
    period TEXT NOT NULL,
    point TEXT NOT NULL,
    generation INTEGER NOT NULL,
    created INTEGER NOT NULL,
    ptus TEXT NOT NULL,
    PRIMARY KEY (period, point)
);
CREATE TABLE IF NOT EXISTS settlement_ptu (
    period TEXT NOT NULL,
    pos INTEGER NOT NULL,
    record TEXT NOT NULL,
    PRIMARY KEY (period, pos)
);`

// SQLiteStore persists the planboard in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path and ensures the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; serializing on one connection keeps
	// read-modify-write units of work free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(planboard.Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *SQLiteStore) View(ctx context.Context, fn func(planboard.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLiteStore) run(ctx context.Context, readOnly bool, fn func(planboard.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx, readOnly: readOnly}); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			return fmt.Errorf("rollback: %v (cause: %w)", rerr, err)
		}
		return err
	}
	if readOnly {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	readOnly bool
}

func (t *sqlTx) exec(query string, args ...any) (sql.Result, error) {
	if t.readOnly {
		return nil, planboard.ErrReadOnly
	}
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *sqlTx) PTUContainers(period model.Period, group string) ([]model.PTUContainer, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT idx, regime, state FROM ptu_container WHERE period = ? AND grp = ? ORDER BY idx`,
		period.String(), group)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.PTUContainer
	for rows.Next() {
		c := model.PTUContainer{Period: period, ConnectionGroup: group}
		if err := rows.Scan(&c.Index, &c.Regime, &c.State); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *sqlTx) SavePTUContainers(cs []model.PTUContainer) error {
	for _, c := range cs {
		if _, err := t.exec(
			`INSERT INTO ptu_container (period, grp, idx, regime, state) VALUES (?, ?, ?, ?, ?)
             ON CONFLICT (period, grp, idx) DO UPDATE SET regime = excluded.regime, state = excluded.state`,
			c.Period.String(), c.ConnectionGroup, c.Index, int(c.Regime), int(c.State)); err != nil {
			return fmt.Errorf("save container %s/%s/%d: %w", c.Period, c.ConnectionGroup, c.Index, err)
		}
	}
	return nil
}

func (t *sqlTx) ConnectionGroups(period model.Period) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT DISTINCT grp FROM ptu_container WHERE period = ? ORDER BY grp`, period.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

const messageColumns = `type, seq, participant, period, grp, origin, conversation_id,
    prognosis_type, substitute, created, expiration, status`

func scanMessage(sc interface{ Scan(...any) error }) (model.PlanboardMessage, error) {
	var (
		m          model.PlanboardMessage
		period     string
		ptype      string
		substitute int
		created    int64
		expiration int64
	)
	if err := sc.Scan(&m.Type, &m.Sequence, &m.Participant, &period, &m.ConnectionGroup, &m.Origin,
		&m.ConversationID, &ptype, &substitute, &created, &expiration, &m.Status); err != nil {
		return m, err
	}
	p, err := model.ParsePeriod(period)
	if err != nil {
		return m, err
	}
	m.Period = p
	m.PrognosisType = model.PrognosisType(ptype)
	m.Substitute = substitute != 0
	m.Created = fromUnixNano(created)
	m.Expiration = fromUnixNano(expiration)
	return m, nil
}

func (t *sqlTx) FindMessage(key model.MessageKey) (model.PlanboardMessage, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+messageColumns+` FROM planboard_message WHERE type = ? AND seq = ? AND participant = ?`,
		int(key.Type), key.Sequence, key.Participant)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("message %s: %w", key, planboard.ErrNotFound)
	}
	return m, err
}

func (t *sqlTx) Document(key model.MessageKey) (model.Document, error) {
	m, err := t.FindMessage(key)
	if err != nil {
		return model.Document{}, err
	}
	ptus, err := t.ptus(key)
	if err != nil {
		return model.Document{}, err
	}
	return model.Document{Message: m, PTUs: ptus}, nil
}

func (t *sqlTx) ptus(key model.MessageKey) ([]model.PTUValue, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT idx, power, price, disposition FROM document_ptu
         WHERE type = ? AND seq = ? AND participant = ? ORDER BY idx`,
		int(key.Type), key.Sequence, key.Participant)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.PTUValue
	for rows.Next() {
		var (
			v            model.PTUValue
			power, price string
		)
		if err := rows.Scan(&v.Index, &power, &price, &v.Disposition); err != nil {
			return nil, err
		}
		if v.Power, err = model.ParseWatts(power); err != nil {
			return nil, err
		}
		if v.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		v.Duration = 1
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *sqlTx) SaveDocument(doc model.Document) error {
	m := doc.Message
	substitute := 0
	if m.Substitute {
		substitute = 1
	}
	if _, err := t.exec(
		`INSERT INTO planboard_message (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (type, seq, participant) DO UPDATE SET
            period = excluded.period, grp = excluded.grp, origin = excluded.origin,
            conversation_id = excluded.conversation_id, prognosis_type = excluded.prognosis_type,
            substitute = excluded.substitute, created = excluded.created,
            expiration = excluded.expiration, status = excluded.status`,
		int(m.Type), m.Sequence, m.Participant, m.Period.String(), m.ConnectionGroup, m.Origin,
		m.ConversationID, string(m.PrognosisType), substitute, toUnixNano(m.Created),
		toUnixNano(m.Expiration), int(m.Status)); err != nil {
		return fmt.Errorf("save message %s: %w", m.Key(), err)
	}
	if _, err := t.exec(`DELETE FROM document_ptu WHERE type = ? AND seq = ? AND participant = ?`,
		int(m.Type), m.Sequence, m.Participant); err != nil {
		return err
	}
	for _, v := range doc.PTUs {
		if _, err := t.exec(
			`INSERT INTO document_ptu (type, seq, participant, idx, power, price, disposition)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			int(m.Type), m.Sequence, m.Participant, v.Index, model.CopyPower(v.Power).String(),
			v.Price.String(), int(v.Disposition)); err != nil {
			return fmt.Errorf("save ptu %s/%d: %w", m.Key(), v.Index, err)
		}
	}
	return nil
}

func (t *sqlTx) SetStatus(key model.MessageKey, status model.DocumentStatus) error {
	res, err := t.exec(`UPDATE planboard_message SET status = ? WHERE type = ? AND seq = ? AND participant = ?`,
		int(status), int(key.Type), key.Sequence, key.Participant)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", key, planboard.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) Messages(q planboard.MessageQuery) ([]model.PlanboardMessage, error) {
	var (
		args  []any
		query = `SELECT ` + messageColumns + ` FROM planboard_message WHERE 1=1`
	)
	if q.Type != 0 {
		query += ` AND type = ?`
		args = append(args, int(q.Type))
	}
	if !q.Period.IsZero() {
		query += ` AND period = ?`
		args = append(args, q.Period.String())
	}
	if q.Participant != "" {
		query += ` AND participant = ?`
		args = append(args, q.Participant)
	}
	if q.Group != "" {
		query += ` AND grp = ?`
		args = append(args, q.Group)
	}
	if q.Origin != 0 {
		query += ` AND origin = ?`
		args = append(args, q.Origin)
	}
	if len(q.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(q.Statuses)-1) + `)`
		for _, s := range q.Statuses {
			args = append(args, int(s))
		}
	}
	query += ` ORDER BY seq, participant, type`
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.PlanboardMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *sqlTx) Documents(q planboard.MessageQuery) ([]model.Document, error) {
	msgs, err := t.Messages(q)
	if err != nil {
		return nil, err
	}
	out := make([]model.Document, 0, len(msgs))
	for _, m := range msgs {
		ptus, err := t.ptus(m.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, model.Document{Message: m, PTUs: ptus})
	}
	return out, nil
}

func (t *sqlTx) MaxSequence(k planboard.SequenceKey) (int64, error) {
	var v int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT max_seq FROM sequence_mark WHERE type = ? AND participant = ? AND period = ? AND grp = ?`,
		int(k.Type), k.Participant, k.Period.String(), k.Group).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (t *sqlTx) CompareAndSwapMaxSequence(k planboard.SequenceKey, old, next int64) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if old == 0 {
		res, err = t.exec(
			`INSERT INTO sequence_mark (type, participant, period, grp, max_seq) VALUES (?, ?, ?, ?, ?)
             ON CONFLICT (type, participant, period, grp) DO UPDATE SET max_seq = excluded.max_seq
             WHERE sequence_mark.max_seq = 0`,
			int(k.Type), k.Participant, k.Period.String(), k.Group, next)
	} else {
		res, err = t.exec(
			`UPDATE sequence_mark SET max_seq = ?
             WHERE type = ? AND participant = ? AND period = ? AND grp = ? AND max_seq = ?`,
			next, int(k.Type), k.Participant, k.Period.String(), k.Group, old)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *sqlTx) SaveAnalysis(a model.GridSafetyAnalysis) error {
	var current int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT generation FROM grid_safety_analysis WHERE period = ? AND point = ?`,
		a.Period.String(), a.CongestionPoint).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case current > a.Generation:
		return fmt.Errorf("analysis %s/%s generation %d < %d: %w",
			a.CongestionPoint, a.Period, a.Generation, current, planboard.ErrStaleWrite)
	}
	body, err := json.Marshal(a.PTUs)
	if err != nil {
		return err
	}
	_, err = t.exec(
		`INSERT INTO grid_safety_analysis (period, point, generation, created, ptus) VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (period, point) DO UPDATE SET generation = excluded.generation,
            created = excluded.created, ptus = excluded.ptus`,
		a.Period.String(), a.CongestionPoint, a.Generation, toUnixNano(a.Created), string(body))
	return err
}

func (t *sqlTx) Analysis(period model.Period, point string) (model.GridSafetyAnalysis, error) {
	var (
		a       = model.GridSafetyAnalysis{Period: period, CongestionPoint: point}
		created int64
		body    string
	)
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT generation, created, ptus FROM grid_safety_analysis WHERE period = ? AND point = ?`,
		period.String(), point).Scan(&a.Generation, &created, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("analysis %s/%s: %w", point, period, planboard.ErrNotFound)
	}
	if err != nil {
		return a, err
	}
	a.Created = fromUnixNano(created)
	if err := json.Unmarshal([]byte(body), &a.PTUs); err != nil {
		return a, fmt.Errorf("unmarshal analysis: %w", err)
	}
	return a, nil
}

func (t *sqlTx) SaveSettlements(period model.Period, rows []model.SettlementPTU) error {
	if _, err := t.exec(`DELETE FROM settlement_ptu WHERE period = ?`, period.String()); err != nil {
		return err
	}
	for i, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := t.exec(`INSERT INTO settlement_ptu (period, pos, record) VALUES (?, ?, ?)`,
			period.String(), i, string(b)); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) Settlements(period model.Period) ([]model.SettlementPTU, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT record FROM settlement_ptu WHERE period = ? ORDER BY pos`, period.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.SettlementPTU
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r model.SettlementPTU
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("unmarshal settlement: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *sqlTx) DeletePeriodsBefore(p model.Period) (planboard.CleanupResult, error) {
	var res planboard.CleanupResult
	before := p.String()
	count := func(dst *int, query string) error {
		r, err := t.exec(query, before)
		if err != nil {
			return err
		}
		n, err := r.RowsAffected()
		if err != nil {
			return err
		}
		*dst = int(n)
		return nil
	}
	steps := []struct {
		dst   *int
		query string
	}{
		{&res.PTURows, `DELETE FROM document_ptu WHERE (type, seq, participant) IN
            (SELECT type, seq, participant FROM planboard_message WHERE period < ?)`},
		{&res.Messages, `DELETE FROM planboard_message WHERE period < ?`},
		{&res.Containers, `DELETE FROM ptu_container WHERE period < ?`},
		{&res.Analyses, `DELETE FROM grid_safety_analysis WHERE period < ?`},
		{&res.Settlements, `DELETE FROM settlement_ptu WHERE period < ?`},
		{new(int), `DELETE FROM sequence_mark WHERE period < ?`},
	}
	for _, s := range steps {
		if err := count(s.dst, s.query); err != nil {
			return res, fmt.Errorf("retention: %w", err)
		}
	}
	return res, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var _ planboard.Store = (*SQLiteStore)(nil)
