// Package indexer persists ledger events into a SQL database so operators can
// query the history of grants, claims and transfers.
package indexer

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"github.com/jayteemoney/stacksvestor/core/events"
	"github.com/jayteemoney/stacksvestor/core/types"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultLimit = 100
	maxLimit     = 1000

	defaultSubscriberBuffer = 64
)

var ErrUnknownDriver = errors.New("indexer: unknown driver")

// EventRecord is the persisted form of one emitted event.
type EventRecord struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Seq         uint64 `gorm:"not null;index"`
	Fingerprint string `gorm:"size:64;not null;uniqueIndex"`
	Type        string `gorm:"size:64;not null;index"`
	Beneficiary string `gorm:"size:96;index"`
	Attributes  string `gorm:"type:text"`
	CreatedAt   time.Time
}

func (EventRecord) TableName() string { return "ledger_events" }

// Entry is a decoded event returned by List.
type Entry struct {
	ID          uint64            `json:"id"`
	Seq         uint64            `json:"seq"`
	Type        string            `json:"type"`
	Beneficiary string            `json:"beneficiary,omitempty"`
	Attributes  map[string]string `json:"attributes"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type        string
	Beneficiary string
	AfterID     uint64
	Limit       int
}

// Matches applies the filter to a single entry. Limit is ignored.
func (f Filter) Matches(entry Entry) bool {
	if entry.ID <= f.AfterID {
		return false
	}
	if t := strings.TrimSpace(f.Type); t != "" && entry.Type != t {
		return false
	}
	if b := strings.TrimSpace(f.Beneficiary); b != "" && entry.Beneficiary != b {
		return false
	}
	return true
}

// Metrics observes indexing outcomes.
type Metrics interface {
	ObserveEvent(eventType, outcome string)
}

// Store writes events to SQL and implements events.Emitter.
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics Metrics

	mu  sync.Mutex
	seq uint64

	subMu sync.Mutex
	subs  map[chan Entry]struct{}
}

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	return db, nil
}

// New migrates the schema and resumes the sequence counter from the highest
// stored event.
func New(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("indexer: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	var last EventRecord
	res := db.Order("seq desc").Limit(1).Find(&last)
	if res.Error != nil {
		return nil, fmt.Errorf("indexer: load sequence: %w", res.Error)
	}
	store := &Store{db: db, logger: log.With("component", "indexer")}
	if res.RowsAffected > 0 {
		store.seq = last.Seq + 1
	}
	return store, nil
}

func (s *Store) SetMetrics(m Metrics) { s.metrics = m }

// Emit implements events.Emitter. Persistence failures are logged and
// counted; they never propagate into the ledger.
func (s *Store) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		s.observe(evt.EventType(), "skipped")
		return
	}
	if err := s.Append(context.Background(), payload.Event()); err != nil {
		s.logger.Error("index event", "type", evt.EventType(), "error", err)
		s.observe(evt.EventType(), "error")
		return
	}
	s.observe(evt.EventType(), "ok")
}

// Append persists evt under the next sequence number. Re-inserting an
// identical event at the same sequence is a no-op.
func (s *Store) Append(ctx context.Context, evt *types.Event) error {
	if evt == nil || evt.Type == "" {
		return fmt.Errorf("indexer: event type required")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("indexer: encode attributes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := EventRecord{
		Seq:         s.seq,
		Fingerprint: Fingerprint(s.seq, evt),
		Type:        evt.Type,
		Beneficiary: beneficiaryOf(evt),
		Attributes:  string(attrs),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "fingerprint"}}, DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return fmt.Errorf("indexer: insert: %w", res.Error)
	}
	s.seq++
	if res.RowsAffected > 0 {
		s.publish(Entry{
			ID:          rec.ID,
			Seq:         rec.Seq,
			Type:        rec.Type,
			Beneficiary: rec.Beneficiary,
			Attributes:  evt.Attributes,
			CreatedAt:   rec.CreatedAt,
		})
	}
	return nil
}

// Subscribe registers a live feed of newly stored entries, in ID order. A
// subscriber that falls buffer entries behind is dropped and its channel
// closed; it can catch up with List from the last ID it received. The
// returned func unsubscribes and is safe to call more than once.
func (s *Store) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Entry, buffer)
	s.subMu.Lock()
	if s.subs == nil {
		s.subs = make(map[chan Entry]struct{})
	}
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() { s.unsubscribe(ch) }
}

func (s *Store) unsubscribe(ch chan Entry) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

// publish runs under s.mu so subscribers see entries in insertion order.
func (s *Store) publish(entry Entry) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		out := entry
		out.Attributes = make(map[string]string, len(entry.Attributes))
		for k, v := range entry.Attributes {
			out.Attributes[k] = v
		}
		select {
		case ch <- out:
		default:
			delete(s.subs, ch)
			close(ch)
			s.logger.Warn("dropped lagging event subscriber", "id", entry.ID)
		}
	}
}

// List returns events in insertion order.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	query := s.db.WithContext(ctx).Model(&EventRecord{}).Where("id > ?", filter.AfterID)
	if t := strings.TrimSpace(filter.Type); t != "" {
		query = query.Where("type = ?", t)
	}
	if b := strings.TrimSpace(filter.Beneficiary); b != "" {
		query = query.Where("beneficiary = ?", b)
	}
	var rows []EventRecord
	if err := query.Order("id asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("indexer: list: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry := Entry{
			ID:          row.ID,
			Seq:         row.Seq,
			Type:        row.Type,
			Beneficiary: row.Beneficiary,
			Attributes:  map[string]string{},
			CreatedAt:   row.CreatedAt,
		}
		if row.Attributes != "" {
			if err := json.Unmarshal([]byte(row.Attributes), &entry.Attributes); err != nil {
				return nil, fmt.Errorf("indexer: decode event %d: %w", row.ID, err)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Fingerprint hashes the sequence number, type and sorted attributes of an
// event with BLAKE3.
func Fingerprint(seq uint64, evt *types.Event) string {
	h := blake3.New(32, nil)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	h.Write([]byte(evt.Type))
	for _, key := range evt.Keys() {
		h.Write([]byte{0})
		h.Write([]byte(key))
		h.Write([]byte{'='})
		h.Write([]byte(evt.Attributes[key]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func beneficiaryOf(evt *types.Event) string {
	for _, key := range []string{"beneficiary", "recipient", "to"} {
		if v := evt.Attributes[key]; v != "" {
			return v
		}
	}
	return ""
}

func (s *Store) observe(eventType, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveEvent(eventType, outcome)
	}
}
