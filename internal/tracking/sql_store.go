package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures the differences between the SQL backends.
type sqlDialect struct {
	name   string
	driver string
	// setup runs once per opened database, before the schema.
	setup       []string
	configure   func(db *sql.DB)
	placeholder func(n int) string
	// forUpdate is appended to the row read inside Patch.
	forUpdate string
	// noLimit is the LIMIT value that means unbounded.
	noLimit string
	// metadataHash renders an expression yielding the stored hash of a
	// metadata path, with pathArg bound to the path.
	metadataHash func(pathArg string) string
	metadataPath func(path string) string
}

var sqlColumns = []string{
	"message_id", "tenant_id", "provider_id", "provider_message_id", "type",
	"to_plain", "to_enc", "to_hash", "to_masked",
	"from_plain", "from_enc", "from_hash", "from_masked",
	"metadata_plain", "metadata_enc", "metadata_hashes",
	"requested_at", "scheduled_at", "status_updated_at",
	"sent_at", "delivered_at", "failed_at", "last_checked_at", "next_check_at",
	"status", "attempt_count", "last_error_code", "last_error_message", "raw",
	"crypto_kid", "crypto_version", "crypto_state",
	"retention_class", "retention_bucket_ym",
}

// lifecycleColumns are the only columns Patch writes.
var lifecycleColumns = []string{
	"status_updated_at", "sent_at", "delivered_at", "failed_at", "last_checked_at",
	"next_check_at", "status", "attempt_count", "last_error_code", "last_error_message", "raw",
}

const sqlSchema = `
	CREATE TABLE IF NOT EXISTS %s (
		message_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		provider_id TEXT NOT NULL DEFAULT '',
		provider_message_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		to_plain TEXT NOT NULL DEFAULT '',
		to_enc TEXT NOT NULL DEFAULT '',
		to_hash TEXT NOT NULL DEFAULT '',
		to_masked TEXT NOT NULL DEFAULT '',
		from_plain TEXT NOT NULL DEFAULT '',
		from_enc TEXT NOT NULL DEFAULT '',
		from_hash TEXT NOT NULL DEFAULT '',
		from_masked TEXT NOT NULL DEFAULT '',
		metadata_plain TEXT NOT NULL DEFAULT '',
		metadata_enc TEXT NOT NULL DEFAULT '',
		metadata_hashes TEXT NOT NULL DEFAULT '',
		requested_at BIGINT NOT NULL,
		scheduled_at BIGINT,
		status_updated_at BIGINT NOT NULL,
		sent_at BIGINT,
		delivered_at BIGINT,
		failed_at BIGINT,
		last_checked_at BIGINT,
		next_check_at BIGINT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error_code TEXT NOT NULL DEFAULT '',
		last_error_message TEXT NOT NULL DEFAULT '',
		raw TEXT NOT NULL DEFAULT '',
		crypto_kid TEXT NOT NULL DEFAULT '',
		crypto_version TEXT NOT NULL DEFAULT '',
		crypto_state TEXT NOT NULL DEFAULT '',
		retention_class TEXT NOT NULL DEFAULT '',
		retention_bucket_ym INTEGER NOT NULL DEFAULT 0
	)`

// sqlStore is the Store shared by the postgres and sqlite backends.
type sqlStore struct {
	dialect   sqlDialect
	dsn       string
	tableName string
	codec     recordCodec
	openDB    sqlOpenFunc
	timeout   time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	ready bool
	db    *sql.DB
}

var (
	_ Store         = (*sqlStore)(nil)
	_ RecordQuerier = (*sqlStore)(nil)
)

func newSQLStore(dialect sqlDialect, dsn string, opts StoreOptions) (*sqlStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: %s dsn is required", ErrInvalidInput, dialect.name)
	}
	codec := newRecordCodec(opts)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &sqlStore{
		dialect:   dialect,
		dsn:       dsn,
		tableName: codec.table,
		codec:     codec,
		openDB:    sql.Open,
		timeout:   sqlOperationTimeout,
		logger:    logger.With(slog.String("component", "tracking_store"), slog.String("backend", dialect.name)),
	}, nil
}

// Init opens the database and creates the schema. Only success is
// remembered, so a failed Init can be retried.
func (s *sqlStore) Init(ctx context.Context) error {
	_, err := s.ensureReady(ctx)
	return err
}

func (s *sqlStore) ensureReady(ctx context.Context) (*sql.DB, error) {
	if s == nil {
		return nil, ErrStoreNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return s.db, nil
	}
	db, err := s.openDB(s.dialect.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.dialect.name, err)
	}
	if s.dialect.configure != nil {
		s.dialect.configure(db)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	statements := append([]string(nil), s.dialect.setup...)
	table := quoteIdentifier(s.tableName)
	statements = append(statements,
		fmt.Sprintf(sqlSchema, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (status, next_check_at)", quoteIdentifier(s.tableName+"_due_idx"), table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (to_hash)", quoteIdentifier(s.tableName+"_to_hash_idx"), table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (from_hash)", quoteIdentifier(s.tableName+"_from_hash_idx"), table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (requested_at)", quoteIdentifier(s.tableName+"_requested_at_idx"), table),
	)
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init %s store: %w", s.dialect.name, err)
		}
	}
	s.db = db
	s.ready = true
	s.logger.Info("tracking store ready", slog.String("table", s.tableName))
	return db, nil
}

func (s *sqlStore) Upsert(ctx context.Context, record TrackingRecord) error {
	row, err := s.codec.encode(ctx, record)
	if err != nil {
		return err
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	values, err := rowValues(row)
	if err != nil {
		return err
	}
	placeholders := make([]string, len(sqlColumns))
	updates := make([]string, 0, len(sqlColumns)-1)
	for i, col := range sqlColumns {
		placeholders[i] = s.dialect.placeholder(i + 1)
		if col != "message_id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
		ON CONFLICT (message_id)
		DO UPDATE SET %s`,
		quoteIdentifier(s.tableName),
		strings.Join(sqlColumns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("upsert %s: %w", row.MessageID, err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, messageID string) (*TrackingRecord, error) {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE message_id = %s",
		strings.Join(sqlColumns, ", "), quoteIdentifier(s.tableName), s.dialect.placeholder(1))
	row, err := scanRow(db.QueryRowContext(ctx, query, strings.TrimSpace(messageID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := s.codec.decode(ctx, row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sqlStore) ListDue(ctx context.Context, now time.Time, limit int) ([]TrackingRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	w := &whereBuilder{dialect: s.dialect}
	terminal := make([]string, len(terminalStatuses))
	for i, status := range terminalStatuses {
		terminal[i] = string(status)
	}
	w.notIn("status", terminal)
	w.add("next_check_at <= %s", now.UnixMilli())
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY next_check_at ASC, message_id ASC LIMIT %s",
		strings.Join(sqlColumns, ", "), quoteIdentifier(s.tableName), w.sql(), w.arg(limit))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.queryRows(ctx, db, query, w.args)
	if err != nil {
		return nil, err
	}
	return s.codec.decodeAll(ctx, rows)
}

func (s *sqlStore) Patch(ctx context.Context, messageID string, patch RecordPatch) error {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE message_id = %s%s",
		strings.Join(sqlColumns, ", "), quoteIdentifier(s.tableName), s.dialect.placeholder(1), s.dialect.forUpdate)
	row, err := scanRow(tx.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	row = patchRow(row, patch)

	sets := make([]string, len(lifecycleColumns))
	for i, col := range lifecycleColumns {
		sets[i] = fmt.Sprintf("%s = %s", col, s.dialect.placeholder(i+1))
	}
	update := fmt.Sprintf("UPDATE %s SET %s WHERE message_id = %s",
		quoteIdentifier(s.tableName), strings.Join(sets, ", "), s.dialect.placeholder(len(lifecycleColumns)+1))
	args := append(lifecycleValues(row), messageID)
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return fmt.Errorf("patch %s: %w", messageID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *sqlStore) ListRecords(ctx context.Context, opts ListOptions) ([]TrackingRecord, error) {
	opts, err := normalizeListOptions(opts)
	if err != nil {
		return nil, err
	}
	if opts.Filter, err = s.codec.prepareFilter(ctx, opts.Filter); err != nil {
		return nil, err
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	w := &whereBuilder{dialect: s.dialect}
	w.filter(opts.Filter)

	orderCol := "requested_at"
	if opts.OrderBy == OrderStatusUpdatedAt {
		orderCol = "status_updated_at"
	}
	direction := "ASC"
	if opts.Descending {
		direction = "DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s %s, message_id %s",
		strings.Join(sqlColumns, ", "), quoteIdentifier(s.tableName), w.sql(), orderCol, direction, direction)
	switch {
	case opts.Limit > 0:
		query += " LIMIT " + w.arg(opts.Limit)
	case opts.Offset > 0:
		query += " LIMIT " + s.dialect.noLimit
	}
	if opts.Offset > 0 {
		query += " OFFSET " + w.arg(opts.Offset)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.queryRows(ctx, db, query, w.args)
	if err != nil {
		return nil, err
	}
	return s.codec.decodeAll(ctx, rows)
}

func (s *sqlStore) CountRecords(ctx context.Context, filter Filter) (int, error) {
	filter, err := s.codec.prepareFilter(ctx, filter)
	if err != nil {
		return 0, err
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return 0, err
	}
	w := &whereBuilder{dialect: s.dialect}
	w.filter(filter)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", quoteIdentifier(s.tableName), w.sql())

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var count int
	if err := db.QueryRowContext(ctx, query, w.args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *sqlStore) CountBy(ctx context.Context, filter Filter, groupBy []GroupField) ([]GroupCount, error) {
	if err := validateGroupBy(groupBy); err != nil {
		return nil, err
	}
	filter, err := s.codec.prepareFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(groupBy))
	for i, field := range groupBy {
		cols[i] = groupColumn(field)
	}
	w := &whereBuilder{dialect: s.dialect}
	w.filter(filter)
	grouped := strings.Join(cols, ", ")
	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM %s%s GROUP BY %s",
		grouped, quoteIdentifier(s.tableName), w.sql(), grouped)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]GroupCount, 0)
	for rows.Next() {
		values := make([]string, len(groupBy))
		dest := make([]any, 0, len(groupBy)+1)
		for i := range values {
			dest = append(dest, &values[i])
		}
		var count int
		dest = append(dest, &count)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		key := make(map[GroupField]string, len(groupBy))
		for i, field := range groupBy {
			key[field] = values[i]
		}
		out = append(out, GroupCount{Key: key, Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortGroups(out, groupBy)
	return out, nil
}

func (s *sqlStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.ready = false
	return err
}

func (s *sqlStore) queryRows(ctx context.Context, db *sql.DB, query string, args []any) ([]storedRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]storedRecord, 0)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(scanner rowScanner) (storedRecord, error) {
	var (
		row                                           storedRecord
		hashes                                        string
		scheduled, sent, delivered, failed, lastCheck sql.NullInt64
	)
	err := scanner.Scan(
		&row.MessageID, &row.TenantID, &row.ProviderID, &row.ProviderMessageID, &row.Type,
		&row.ToPlain, &row.ToEnc, &row.ToHash, &row.ToMasked,
		&row.FromPlain, &row.FromEnc, &row.FromHash, &row.FromMasked,
		&row.MetadataPlain, &row.MetadataEnc, &hashes,
		&row.RequestedAt, &scheduled, &row.StatusUpdatedAt,
		&sent, &delivered, &failed, &lastCheck, &row.NextCheckAt,
		&row.Status, &row.AttemptCount, &row.LastErrorCode, &row.LastErrorMessage, &row.Raw,
		&row.CryptoKid, &row.CryptoVersion, &row.CryptoState,
		&row.RetentionClass, &row.RetentionBucketYM,
	)
	if err != nil {
		return storedRecord{}, err
	}
	if hashes != "" {
		if err := json.Unmarshal([]byte(hashes), &row.MetadataHashes); err != nil {
			return storedRecord{}, fmt.Errorf("decode metadata hashes of %s: %w", row.MessageID, err)
		}
	}
	row.ScheduledAt = nullMillis(scheduled)
	row.SentAt = nullMillis(sent)
	row.DeliveredAt = nullMillis(delivered)
	row.FailedAt = nullMillis(failed)
	row.LastCheckedAt = nullMillis(lastCheck)
	return row, nil
}

func rowValues(row storedRecord) ([]any, error) {
	hashes := ""
	if len(row.MetadataHashes) > 0 {
		encoded, err := json.Marshal(row.MetadataHashes)
		if err != nil {
			return nil, err
		}
		hashes = string(encoded)
	}
	return []any{
		row.MessageID, row.TenantID, row.ProviderID, row.ProviderMessageID, row.Type,
		row.ToPlain, row.ToEnc, row.ToHash, row.ToMasked,
		row.FromPlain, row.FromEnc, row.FromHash, row.FromMasked,
		row.MetadataPlain, row.MetadataEnc, hashes,
		row.RequestedAt, sqlMillis(row.ScheduledAt), row.StatusUpdatedAt,
		sqlMillis(row.SentAt), sqlMillis(row.DeliveredAt), sqlMillis(row.FailedAt), sqlMillis(row.LastCheckedAt), row.NextCheckAt,
		row.Status, row.AttemptCount, row.LastErrorCode, row.LastErrorMessage, row.Raw,
		row.CryptoKid, row.CryptoVersion, row.CryptoState,
		row.RetentionClass, row.RetentionBucketYM,
	}, nil
}

func lifecycleValues(row storedRecord) []any {
	return []any{
		row.StatusUpdatedAt, sqlMillis(row.SentAt), sqlMillis(row.DeliveredAt), sqlMillis(row.FailedAt),
		sqlMillis(row.LastCheckedAt), row.NextCheckAt, row.Status, row.AttemptCount,
		row.LastErrorCode, row.LastErrorMessage, row.Raw,
	}
}

func nullMillis(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	ms := v.Int64
	return &ms
}

func sqlMillis(ms *int64) sql.NullInt64 {
	if ms == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ms, Valid: true}
}

func groupColumn(field GroupField) string {
	switch field {
	case GroupProviderID:
		return "provider_id"
	case GroupType:
		return "type"
	default:
		return "status"
	}
}

type whereBuilder struct {
	dialect sqlDialect
	clauses []string
	args    []any
}

func (w *whereBuilder) arg(v any) string {
	w.args = append(w.args, v)
	return w.dialect.placeholder(len(w.args))
}

func (w *whereBuilder) add(format string, v any) {
	w.clauses = append(w.clauses, fmt.Sprintf(format, w.arg(v)))
}

func (w *whereBuilder) in(col string, values []string) {
	if len(values) == 0 {
		return
	}
	w.clauses = append(w.clauses, fmt.Sprintf("%s IN (%s)", col, w.list(values)))
}

func (w *whereBuilder) notIn(col string, values []string) {
	if len(values) == 0 {
		return
	}
	w.clauses = append(w.clauses, fmt.Sprintf("%s NOT IN (%s)", col, w.list(values)))
}

func (w *whereBuilder) list(values []string) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = w.arg(v)
	}
	return strings.Join(placeholders, ", ")
}

func (w *whereBuilder) filter(f Filter) {
	w.in("message_id", f.MessageIDs)
	w.in("tenant_id", f.TenantIDs)
	w.in("provider_id", f.ProviderIDs)
	w.in("type", f.Types)
	statuses := make([]string, len(f.Statuses))
	for i, status := range f.Statuses {
		statuses[i] = string(status)
	}
	w.in("status", statuses)
	states := make([]string, len(f.CryptoStates))
	for i, state := range f.CryptoStates {
		states[i] = string(state)
	}
	w.in("crypto_state", states)
	w.in("to_plain", f.To)
	w.in("from_plain", f.From)
	w.in("to_hash", f.ToHash)
	w.in("from_hash", f.FromHash)

	paths := make([]string, 0, len(f.MetadataHashes))
	for path := range f.MetadataHashes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		expr := w.dialect.metadataHash(w.arg(w.dialect.metadataPath(path)))
		w.add(expr+" = %s", f.MetadataHashes[path])
	}
	if f.RequestedFrom != nil {
		w.add("requested_at >= %s", f.RequestedFrom.UnixMilli())
	}
	if f.RequestedTo != nil {
		w.add("requested_at < %s", f.RequestedTo.UnixMilli())
	}
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
