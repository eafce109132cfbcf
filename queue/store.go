// Package queue implements the SQL-backed guaranteed-delivery log: enqueue,
// claim-based batch fetch, acknowledge, reject and the retention sweeps.
// Everything is scoped by cluster_id so multiple clusters can share a store.
package queue

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/klauspost/compress/s2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/rs/zerolog/log"

	_ "github.com/mattn/go-sqlite3"

	"github.com/packrat-mq/packrat/pubsub"
	"github.com/packrat-mq/packrat/telemetry"
)

// DefaultBatchSize is the platform constant used when a caller does not
// specify how many messages to fetch per call.
const DefaultBatchSize = 100

const (
	// Cuckoo filter sizing for the enqueue duplicate fast path.
	// capacity = bucketSize x numBuckets = 4 x 250000 = 1M entries.
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32
	cuckooNumBuckets      = 250000
)

// Options tunes a Store.
type Options struct {
	BusyTimeoutMS     int
	ClaimLease        time.Duration // How long fetched rows stay invisible to other fetchers
	CompressThreshold int           // Payloads above this size are stored s2-compressed (0 = never)
}

// Store is the durable queue backed by SQLite. One write connection keeps
// SQLite's writer lock uncontended inside the process; reads go through a
// small pool. Claim leases make concurrent fetches from separate processes
// disjoint without holding a DB transaction across the subscriber call.
type Store struct {
	writeDB   *sql.DB
	readDB    *sql.DB
	path      string
	clusterID string
	opts      Options
	dialect   goqu.DialectWrapper

	// seen is a fast negative check for duplicate (sub_key, msg_id) pairs
	// at the enqueue boundary. Positives are verified against the table
	// because cuckoo filters can report false positives.
	seenMu sync.Mutex
	seen   *cuckoo.Filter
}

// NewStore opens (and if needed initializes) the queue store at path.
func NewStore(path, clusterID string, opts Options) (*Store, error) {
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 30 * time.Second
	}

	isMemoryDB := strings.Contains(path, ":memory:")

	writeDSN := path
	if !isMemoryDB {
		writeDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", opts.BusyTimeoutMS)
	}
	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDSN := path
	if !isMemoryDB {
		readDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d", opts.BusyTimeoutMS)
	}
	readDB, err := sql.Open("sqlite3", readDSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open queue read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(0)

	if isMemoryDB {
		// A second handle on :memory: would see a different database.
		readDB.Close()
		readDB = writeDB
	} else {
		for _, db := range []*sql.DB{writeDB, readDB} {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA temp_store=MEMORY",
			} {
				if _, err := db.Exec(pragma); err != nil {
					writeDB.Close()
					readDB.Close()
					return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
				}
			}
		}
	}

	for _, schema := range Schemas() {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			if readDB != writeDB {
				readDB.Close()
			}
			return nil, fmt.Errorf("failed to create queue schema: %w", err)
		}
	}

	return &Store{
		writeDB:   writeDB,
		readDB:    readDB,
		path:      path,
		clusterID: clusterID,
		opts:      opts,
		dialect:   goqu.Dialect("sqlite3"),
		seen:      cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize, cuckooNumBuckets, cuckoo.TableTypePacked),
	}, nil
}

// Close closes the underlying database connections.
func (s *Store) Close() error {
	var writeErr, readErr error
	if s.writeDB != nil {
		writeErr = s.writeDB.Close()
	}
	if s.readDB != nil && s.readDB != s.writeDB {
		readErr = s.readDB.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

func seenKey(subKey, msgID string) []byte {
	return []byte(subKey + "\x00" + msgID)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Enqueue appends one durable row per subscription for the message. The base
// message row is written once per (cluster, topic, msg_id); queue rows are
// idempotent under msg_id retry -- a duplicate (sub_key, msg_id) is ignored
// at this boundary, never deduplicated later. Returns the number of queue
// entries actually created.
func (s *Store) Enqueue(msg *pubsub.Message, subKeys []string) (int, error) {
	data := msg.Data
	compressed := 0
	if s.opts.CompressThreshold > 0 && len(data) > s.opts.CompressThreshold {
		data = s2.Encode(nil, data)
		compressed = 1
	}

	// Fast path: a pair the filter has definitely not seen skips the
	// existence probe below. Filter positives still hit the table.
	fresh := make([]string, 0, len(subKeys))
	for _, subKey := range subKeys {
		s.seenMu.Lock()
		maybeSeen := s.seen.Contain(seenKey(subKey, msg.MsgID))
		s.seenMu.Unlock()
		if maybeSeen {
			exists, err := s.queueRowExists(subKey, msg.MsgID)
			if err != nil {
				return 0, err
			}
			if exists {
				telemetry.EnqueueTotal.With("duplicate").Inc()
				continue
			}
		}
		fresh = append(fresh, subKey)
	}
	if len(fresh) == 0 && len(subKeys) > 0 {
		return 0, nil
	}

	tx, err := s.writeDB.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	insertMsg, args, err := s.dialect.Insert("pubsub_message").Rows(goqu.Record{
		"cluster_id":      s.clusterID,
		"topic_name":      msg.TopicName,
		"msg_id":          msg.MsgID,
		"correl_id":       msg.CorrelID,
		"in_reply_to":     msg.InReplyTo,
		"priority":        msg.Priority,
		"mime_type":       msg.MimeType,
		"ext_client_id":   msg.ExtClientID,
		"pub_time":        nanos(msg.PubTime),
		"recv_time":       nanos(msg.RecvTime),
		"expiration":      msg.ExpirationSec,
		"expiration_time": nanos(msg.ExpirationTime()),
		"size":            msg.Size,
		"data":            data,
		"is_compressed":   compressed,
		"is_in_sub_queue": boolInt(len(subKeys) > 0),
	}).OnConflict(goqu.DoNothing()).Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build message insert: %w", err)
	}
	if _, err := tx.Exec(insertMsg, args...); err != nil {
		return 0, fmt.Errorf("failed to insert message %s: %w", msg.MsgID, err)
	}

	created := 0
	now := time.Now().UTC()
	for _, subKey := range fresh {
		insertRow, args, err := s.dialect.Insert("pubsub_enqueued").Rows(goqu.Record{
			"cluster_id": s.clusterID,
			"sub_key":    subKey,
			"msg_id":     msg.MsgID,
			"topic_name": msg.TopicName,
			"created_at": nanos(now),
		}).OnConflict(goqu.DoNothing()).Prepared(true).ToSQL()
		if err != nil {
			return 0, fmt.Errorf("failed to build enqueue insert: %w", err)
		}
		res, err := tx.Exec(insertRow, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to enqueue %s for %s: %w", msg.MsgID, subKey, err)
		}
		affected, _ := res.RowsAffected()
		if affected > 0 {
			created++
			telemetry.EnqueueTotal.With("ok").Inc()
		} else {
			telemetry.EnqueueTotal.With("duplicate").Inc()
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	s.seenMu.Lock()
	for _, subKey := range fresh {
		s.seen.Add(seenKey(subKey, msg.MsgID))
	}
	s.seenMu.Unlock()

	return created, nil
}

func (s *Store) queueRowExists(subKey, msgID string) (bool, error) {
	query, args, err := s.dialect.From("pubsub_enqueued").
		Select(goqu.L("1")).
		Where(goqu.Ex{
			"cluster_id": s.clusterID,
			"sub_key":    subKey,
			"msg_id":     msgID,
		}).Prepared(true).ToSQL()
	if err != nil {
		return false, err
	}

	var one int
	err = s.readDB.QueryRow(query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe queue row: %w", err)
	}
	return true, nil
}

// notExpired keeps rows past their expiry out of delivery; the expired-row
// sweep removes them for good later.
func notExpired(now time.Time) goqu.Expression {
	return goqu.Or(
		goqu.Ex{"m.expiration_time": 0},
		goqu.I("m.expiration_time").Gt(nanos(now)),
	)
}

const messageColumns = `m.msg_id, m.correl_id, m.in_reply_to, m.topic_name, e.sub_key,
	m.priority, m.mime_type, m.ext_client_id, m.pub_time, m.recv_time,
	m.expiration, m.size, e.delivery_count, m.data, m.is_compressed`

func (s *Store) scanMessages(rows *sql.Rows) ([]*pubsub.Message, error) {
	var out []*pubsub.Message
	for rows.Next() {
		var (
			msg        pubsub.Message
			pubTime    int64
			recvTime   int64
			compressed int
		)
		if err := rows.Scan(
			&msg.MsgID, &msg.CorrelID, &msg.InReplyTo, &msg.TopicName, &msg.SubKey,
			&msg.Priority, &msg.MimeType, &msg.ExtClientID, &pubTime, &recvTime,
			&msg.ExpirationSec, &msg.Size, &msg.DeliveryCount, &msg.Data, &compressed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.PubTime = fromNanos(pubTime)
		msg.RecvTime = fromNanos(recvTime)
		if compressed == 1 {
			data, err := s2.Decode(nil, msg.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decompress message %s: %w", msg.MsgID, err)
			}
			msg.Data = data
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// FetchBatch returns up to batchSize undelivered messages across the given
// subscriptions and claims them for the caller. The claim (a lease recorded
// on each returned row inside one short write transaction) guarantees two
// processes racing for the same sub_key never receive the same row while
// the lease lasts; an unacknowledged row becomes fetchable again when its
// lease expires. ignoreIDs excludes messages already in flight in the
// calling task.
func (s *Store) FetchBatch(subKeys []string, lastRun time.Time, pubTimeMax time.Time, ignoreIDs []string, batchSize int) ([]*pubsub.Message, error) {
	if len(subKeys) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	now := time.Now().UTC()

	conds := []goqu.Expression{
		goqu.Ex{"e.cluster_id": s.clusterID},
		goqu.I("e.sub_key").In(toAnySlice(subKeys)...),
		goqu.Ex{"e.is_delivered": 0, "e.is_deleted": 0},
		goqu.I("e.claimed_until").Lte(nanos(now)),
		notExpired(now),
	}
	if !lastRun.IsZero() {
		// Incremental fetch: only messages published after the caller's
		// last-run marker. A zero marker asks for the full backlog.
		conds = append(conds, goqu.I("m.pub_time").Gt(nanos(lastRun)))
	}
	if !pubTimeMax.IsZero() {
		conds = append(conds, goqu.I("m.pub_time").Lte(nanos(pubTimeMax)))
	}
	if len(ignoreIDs) > 0 {
		conds = append(conds, goqu.I("e.msg_id").NotIn(toAnySlice(ignoreIDs)...))
	}

	query, args, err := s.dialect.From(goqu.T("pubsub_enqueued").As("e")).
		Join(goqu.T("pubsub_message").As("m"), goqu.On(
			goqu.I("m.cluster_id").Eq(goqu.I("e.cluster_id")),
			goqu.I("m.topic_name").Eq(goqu.I("e.topic_name")),
			goqu.I("m.msg_id").Eq(goqu.I("e.msg_id")),
		)).
		Select(goqu.L(messageColumns)).
		Where(conds...).
		Order(goqu.I("m.priority").Desc(), goqu.I("e.created_at").Asc(), goqu.I("e.msg_id").Asc()).
		Limit(uint(batchSize)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch query: %w", err)
	}

	// Select and claim in one immediate transaction, committed before the
	// caller touches the network. Holding locks across a slow subscriber
	// call would starve every other producer and task.
	tx, err := s.writeDB.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin fetch transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch batch: %w", err)
	}
	msgs, err := s.scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, tx.Commit()
	}

	claimUntil := nanos(now.Add(s.opts.ClaimLease))
	bySubKey := make(map[string][]string)
	for _, m := range msgs {
		bySubKey[m.SubKey] = append(bySubKey[m.SubKey], m.MsgID)
		m.DeliveryCount++ // reflect the attempt that starts now
	}
	for subKey, msgIDs := range bySubKey {
		claim, args, err := s.dialect.Update("pubsub_enqueued").Set(goqu.Record{
			"claimed_until":  claimUntil,
			"delivery_count": goqu.L("delivery_count + 1"),
		}).Where(
			goqu.Ex{"cluster_id": s.clusterID, "sub_key": subKey},
			goqu.I("msg_id").In(toAnySlice(msgIDs)...),
		).Prepared(true).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("failed to build claim update: %w", err)
		}
		if _, err := tx.Exec(claim, args...); err != nil {
			return nil, fmt.Errorf("failed to claim batch for %s: %w", subKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	log.Debug().
		Int("count", len(msgs)).
		Strs("sub_keys", subKeys).
		Time("last_run", lastRun).
		Msg("Fetched delivery batch")
	return msgs, nil
}

// FetchByID re-fetches specific messages for one subscription, used after a
// before_delivery hook decides which subset to actually deliver.
func (s *Store) FetchByID(subKey string, pubTimeMax time.Time, msgIDs []string) ([]*pubsub.Message, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}

	conds := []goqu.Expression{
		goqu.Ex{"e.cluster_id": s.clusterID, "e.sub_key": subKey},
		goqu.Ex{"e.is_delivered": 0, "e.is_deleted": 0},
		goqu.I("e.msg_id").In(toAnySlice(msgIDs)...),
		notExpired(time.Now().UTC()),
	}
	if !pubTimeMax.IsZero() {
		conds = append(conds, goqu.I("m.pub_time").Lte(nanos(pubTimeMax)))
	}

	query, args, err := s.dialect.From(goqu.T("pubsub_enqueued").As("e")).
		Join(goqu.T("pubsub_message").As("m"), goqu.On(
			goqu.I("m.cluster_id").Eq(goqu.I("e.cluster_id")),
			goqu.I("m.topic_name").Eq(goqu.I("e.topic_name")),
			goqu.I("m.msg_id").Eq(goqu.I("e.msg_id")),
		)).
		Select(goqu.L(messageColumns)).
		Where(conds...).
		Order(goqu.I("e.created_at").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch-by-id query: %w", err)
	}

	rows, err := s.readDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch by id: %w", err)
	}
	defer rows.Close()
	return s.scanMessages(rows)
}

// Acknowledge marks the given messages delivered with a server-supplied
// delivery timestamp. The update is all-or-nothing: if any listed message is
// missing or already delivered, nothing is marked.
func (s *Store) Acknowledge(subKey string, msgIDs []string, deliveryTime time.Time) error {
	if len(msgIDs) == 0 {
		return nil
	}
	if deliveryTime.IsZero() {
		deliveryTime = time.Now().UTC()
	}

	tx, err := s.writeDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin acknowledge transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.dialect.Update("pubsub_enqueued").Set(goqu.Record{
		"is_delivered":  1,
		"delivery_time": nanos(deliveryTime),
		"claimed_until": 0,
	}).Where(
		goqu.Ex{"cluster_id": s.clusterID, "sub_key": subKey, "is_delivered": 0},
		goqu.I("msg_id").In(toAnySlice(msgIDs)...),
	).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build acknowledge update: %w", err)
	}

	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to acknowledge: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected != int64(len(msgIDs)) {
		return fmt.Errorf("acknowledge for %s touched %d of %d rows, rolling back", subKey, affected, len(msgIDs))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit acknowledge: %w", err)
	}
	telemetry.AcknowledgeTotal.Add(float64(len(msgIDs)))
	return nil
}

// Reject releases the claim on the given messages so they are retried on a
// later cycle. The delivery attempt was already counted at fetch time.
func (s *Store) Reject(subKey string, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}

	query, args, err := s.dialect.Update("pubsub_enqueued").Set(goqu.Record{
		"claimed_until": 0,
	}).Where(
		goqu.Ex{"cluster_id": s.clusterID, "sub_key": subKey, "is_delivered": 0},
		goqu.I("msg_id").In(toAnySlice(msgIDs)...),
	).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build reject update: %w", err)
	}
	if _, err := s.writeDB.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to reject: %w", err)
	}
	return nil
}

// MarkDeleted flags queue rows for removal by the deleted-row sweep,
// without touching the base message.
func (s *Store) MarkDeleted(subKey string, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}

	query, args, err := s.dialect.Update("pubsub_enqueued").Set(goqu.Record{
		"is_deleted": 1,
	}).Where(
		goqu.Ex{"cluster_id": s.clusterID, "sub_key": subKey},
		goqu.I("msg_id").In(toAnySlice(msgIDs)...),
	).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build mark-deleted update: %w", err)
	}
	if _, err := s.writeDB.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to mark deleted: %w", err)
	}
	return nil
}

// QueueDepth returns the count of not-yet-delivered rows for a subscription.
func (s *Store) QueueDepth(subKey string) (int, error) {
	query, args, err := s.dialect.From("pubsub_enqueued").
		Select(goqu.COUNT("*")).
		Where(goqu.Ex{
			"cluster_id":   s.clusterID,
			"sub_key":      subKey,
			"is_delivered": 0,
			"is_deleted":   0,
		}).Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build depth query: %w", err)
	}

	var depth int
	if err := s.readDB.QueryRow(query, args...).Scan(&depth); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

// UpsertSubscription persists a subscription row, including the delivery
// server assignment producers consult for routing.
func (s *Store) UpsertSubscription(sub *pubsub.Subscription, serverName string) error {
	query, args, err := s.dialect.Insert("pubsub_subscription").Rows(goqu.Record{
		"cluster_id":     s.clusterID,
		"sub_key":        sub.SubKey,
		"topic_name":     sub.TopicName,
		"endpoint":       sub.Endpoint,
		"sec_name":       sub.SecName,
		"delivery_type":  string(sub.DeliveryType),
		"push_type":      string(sub.PushType),
		"rest_target":    sub.RestTarget,
		"service_target": sub.ServiceTarget,
		"has_gd":         boolInt(sub.HasGD),
		"is_wsx":         boolInt(sub.IsWSX),
		"server_name":    serverName,
		"created_at":     nanos(sub.CreatedAt),
	}).OnConflict(goqu.DoUpdate("cluster_id, sub_key", goqu.Record{
		"topic_name":  sub.TopicName,
		"server_name": serverName,
	})).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build subscription upsert: %w", err)
	}
	if _, err := s.writeDB.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to upsert subscription %s: %w", sub.SubKey, err)
	}
	return nil
}

// DeleteSubscription removes a subscription row and its queue entries.
func (s *Store) DeleteSubscription(subKey string) error {
	tx, err := s.writeDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin subscription delete: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"pubsub_subscription", "pubsub_enqueued"} {
		query, args, err := s.dialect.Delete(table).Where(goqu.Ex{
			"cluster_id": s.clusterID,
			"sub_key":    subKey,
		}).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build delete for %s: %w", table, err)
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// SetDeliveryServer records which process owns the live delivery task for a
// subscription.
func (s *Store) SetDeliveryServer(subKey, serverName string, isWSX bool) error {
	query, args, err := s.dialect.Update("pubsub_subscription").Set(goqu.Record{
		"server_name": serverName,
		"is_wsx":      boolInt(isWSX),
	}).Where(goqu.Ex{
		"cluster_id": s.clusterID,
		"sub_key":    subKey,
	}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build delivery server update: %w", err)
	}
	if _, err := s.writeDB.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to set delivery server: %w", err)
	}
	return nil
}

// GetDeliveryServer looks up the process currently owning a subscription's
// delivery task. Empty string means the task is not currently assigned.
func (s *Store) GetDeliveryServer(subKey string, isWSX bool) (string, error) {
	query, args, err := s.dialect.From("pubsub_subscription").
		Select("server_name").
		Where(goqu.Ex{
			"cluster_id": s.clusterID,
			"sub_key":    subKey,
			"is_wsx":     boolInt(isWSX),
		}).Prepared(true).ToSQL()
	if err != nil {
		return "", fmt.Errorf("failed to build delivery server query: %w", err)
	}

	var serverName string
	err = s.readDB.QueryRow(query, args...).Scan(&serverName)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read delivery server: %w", err)
	}
	return serverName, nil
}

// TopicRecord is a persisted topic definition.
type TopicRecord struct {
	Name   string
	Config pubsub.TopicConfig
}

// SubscriptionRecord pairs a persisted subscription with the server that
// owns its delivery task.
type SubscriptionRecord struct {
	Sub        *pubsub.Subscription
	ServerName string
}

// UpsertTopic persists a topic definition so the topology survives a process
// restart.
func (s *Store) UpsertTopic(name string, config pubsub.TopicConfig) error {
	query, args, err := s.dialect.Insert("pubsub_topic").Rows(goqu.Record{
		"cluster_id":           s.clusterID,
		"topic_name":           name,
		"hook_service_name":    config.HookServiceName,
		"delivery_interval_ms": config.DeliveryIntervalMS,
		"created_at":           nanos(time.Now().UTC()),
	}).OnConflict(goqu.DoUpdate("cluster_id, topic_name", goqu.Record{
		"hook_service_name":    config.HookServiceName,
		"delivery_interval_ms": config.DeliveryIntervalMS,
	})).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build topic upsert: %w", err)
	}
	if _, err := s.writeDB.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to upsert topic %s: %w", name, err)
	}
	return nil
}

// RenameTopic moves the persisted topic row and repoints its subscription
// rows in one transaction. In-flight message and queue rows keep the name
// they were published under so their joins stay intact.
func (s *Store) RenameTopic(oldName, newName string) error {
	tx, err := s.writeDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin topic rename: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"pubsub_topic", "pubsub_subscription"} {
		query, args, err := s.dialect.Update(table).Set(goqu.Record{
			"topic_name": newName,
		}).Where(goqu.Ex{
			"cluster_id": s.clusterID,
			"topic_name": oldName,
		}).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build rename for %s: %w", table, err)
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("failed to rename topic in %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// DeleteTopic removes the persisted topic row and its base messages. Queue
// entries and subscription rows go with their subscriptions through
// DeleteSubscription.
func (s *Store) DeleteTopic(name string) error {
	tx, err := s.writeDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin topic delete: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"pubsub_topic", "pubsub_message"} {
		query, args, err := s.dialect.Delete(table).Where(goqu.Ex{
			"cluster_id": s.clusterID,
			"topic_name": name,
		}).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build topic delete for %s: %w", table, err)
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("failed to delete topic from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// ListTopics returns every persisted topic for this cluster.
func (s *Store) ListTopics() ([]TopicRecord, error) {
	query, args, err := s.dialect.From("pubsub_topic").
		Select("topic_name", "hook_service_name", "delivery_interval_ms").
		Where(goqu.Ex{"cluster_id": s.clusterID}).
		Order(goqu.I("topic_name").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build topic list query: %w", err)
	}

	rows, err := s.readDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var out []TopicRecord
	for rows.Next() {
		var rec TopicRecord
		if err := rows.Scan(&rec.Name, &rec.Config.HookServiceName, &rec.Config.DeliveryIntervalMS); err != nil {
			return nil, fmt.Errorf("failed to scan topic row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListSubscriptions returns every persisted subscription with its delivery
// server assignment.
func (s *Store) ListSubscriptions() ([]SubscriptionRecord, error) {
	query, args, err := s.dialect.From("pubsub_subscription").
		Select("sub_key", "topic_name", "endpoint", "sec_name", "delivery_type",
			"push_type", "rest_target", "service_target", "has_gd", "is_wsx",
			"server_name", "created_at").
		Where(goqu.Ex{"cluster_id": s.clusterID}).
		Order(goqu.I("sub_key").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build subscription list query: %w", err)
	}

	rows, err := s.readDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []SubscriptionRecord
	for rows.Next() {
		var (
			sub       pubsub.Subscription
			hasGD     int
			isWSX     int
			createdAt int64
			server    string
		)
		if err := rows.Scan(
			&sub.SubKey, &sub.TopicName, &sub.Endpoint, &sub.SecName,
			&sub.DeliveryType, &sub.PushType, &sub.RestTarget, &sub.ServiceTarget,
			&hasGD, &isWSX, &server, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}
		sub.HasGD = hasGD == 1
		sub.IsWSX = isWSX == 1
		sub.CreatedAt = fromNanos(createdAt)
		out = append(out, SubscriptionRecord{Sub: &sub, ServerName: server})
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toAnySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
