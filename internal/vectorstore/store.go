package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"encoding/json"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/sandboxhaven/agentd/internal/logging"
	"github.com/sandboxhaven/agentd/pkg/types"
)

// Collection names recognized by the memory manager.
const (
	CollectionTurns = "turns"
	CollectionCode  = "code"
)

var nonAlphanumericRe = regexp.MustCompile(`[^A-Za-z0-9]+`)

// sessionNamespace roots the deterministic uuids SanitizeName falls back to.
var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("agentd.session"))

// SanitizeName derives a storage-safe collection/session name by dropping
// non-alphanumeric characters, per the collection-naming rule in §3. A name
// built entirely of punctuation (sanitizing to the empty string) instead
// maps to a deterministic uuid derived from the original name, so two such
// sessions don't collide on the same on-disk file while still resolving to
// the same file on every call for the same input.
func SanitizeName(name string) string {
	clean := nonAlphanumericRe.ReplaceAllString(name, "")
	if clean != "" {
		return clean
	}
	id := uuid.NewSHA1(sessionNamespace, []byte(name))
	return strings.ReplaceAll(id.String(), "-", "")
}

// Store is a per-session-name collection store backed by one sqlite
// database file per session, following the "shared across processes,
// serialized through the store's own locking" rule: sqlite's own file
// locking plus an in-process mutex per open handle cover both cases.
type Store struct {
	dir      string
	embedder Embedder

	mu   sync.Mutex
	dbs  map[string]*sql.DB
}

// Open returns a Store rooted at dir (created if absent).
func Open(dir string, embedder Embedder) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "creating vector store directory", err)
	}
	return &Store{dir: dir, embedder: embedder, dbs: make(map[string]*sql.DB)}, nil
}

// Close closes every open database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) db(sessionName string) (*sql.DB, error) {
	sanitized := SanitizeName(sessionName)
	if sanitized == "" {
		return nil, apierr.New(apierr.InvalidArgument, "session name sanitizes to empty string")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[sanitized]; ok {
		return db, nil
	}

	path := filepath.Join(s.dir, sanitized+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "opening vector store db", err)
	}
	db.SetMaxOpenConns(1) // sqlite: serialize writers through one connection

	for _, collection := range []string{CollectionTurns, CollectionCode} {
		if _, err := db.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				embedding BLOB
			)`, collection)); err != nil {
			db.Close()
			return nil, apierr.Wrap(apierr.StoreError, "migrating vector store schema", err)
		}
	}

	s.dbs[sanitized] = db
	return db, nil
}

// AddRecord inserts rec into the named collection, computing and storing
// its embedding via the store's embedder.
func (s *Store) AddRecord(ctx context.Context, sessionName, collection string, rec types.MemoryRecord) error {
	db, err := s.db(sessionName)
	if err != nil {
		return err
	}

	vec, err := s.embedder.Embed(ctx, []string{rec.Content})
	if err != nil {
		return apierr.Wrap(apierr.StoreError, "embedding record", err)
	}
	embBytes, err := encodeVector(vec[0])
	if err != nil {
		return apierr.Wrap(apierr.StoreError, "encoding embedding", err)
	}

	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return apierr.Wrap(apierr.StoreError, "encoding metadata", err)
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (id, role, content, timestamp, metadata, embedding) VALUES (?, ?, ?, ?, ?, ?)`, collection),
		rec.ID, string(rec.Role), rec.Content, rec.Timestamp, string(metaJSON), embBytes)
	if err != nil {
		return apierr.Wrap(apierr.StoreError, "inserting record", err)
	}
	return nil
}

// GetAllRecords returns every record in the collection, sorted by
// timestamp ascending. Rows that fail to validate into a MemoryRecord are
// dropped; the dropped count is logged.
func (s *Store) GetAllRecords(ctx context.Context, sessionName, collection string) ([]types.MemoryRecord, error) {
	db, err := s.db(sessionName)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT id, role, content, timestamp, metadata FROM %s ORDER BY timestamp ASC`, collection))
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "querying records", err)
	}
	defer rows.Close()

	records, dropped := scanRecords(rows)
	if dropped > 0 {
		logging.Warn().Int("dropped", dropped).Str("collection", collection).Msg("vectorstore: dropped invalid records")
	}
	return records, nil
}

// Query runs a k-nearest-neighbor similarity search against text, returning
// at most min(k, count) results sorted by similarity descending, ties
// broken by timestamp.
func (s *Store) Query(ctx context.Context, sessionName, collection, text string, k int) ([]types.MemoryRecord, error) {
	db, err := s.db(sessionName)
	if err != nil {
		return nil, err
	}

	queryVecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "embedding query", err)
	}
	queryVec := queryVecs[0]

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT id, role, content, timestamp, metadata, embedding FROM %s`, collection))
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "querying records", err)
	}
	defer rows.Close()

	type scored struct {
		rec   types.MemoryRecord
		score float64
	}
	var candidates []scored
	dropped := 0
	for rows.Next() {
		var id, role, content, metaJSON string
		var ts int64
		var embBytes []byte
		if err := rows.Scan(&id, &role, &content, &ts, &metaJSON, &embBytes); err != nil {
			dropped++
			continue
		}
		rec, ok := toRecord(id, role, content, ts, metaJSON)
		if !ok {
			dropped++
			continue
		}
		vec, err := decodeVector(embBytes)
		if err != nil {
			dropped++
			continue
		}
		candidates = append(candidates, scored{rec: rec, score: cosineSimilarity(queryVec, vec)})
	}
	if dropped > 0 {
		logging.Warn().Int("dropped", dropped).Str("collection", collection).Msg("vectorstore: dropped invalid records during query")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].rec.Timestamp < candidates[j].rec.Timestamp
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	if k < 0 {
		k = 0
	}
	out := make([]types.MemoryRecord, k)
	for i := 0; i < k; i++ {
		out[i] = candidates[i].rec
	}
	return out, nil
}

// UpdateRecordsMetadata overwrites the metadata of the given record ids.
func (s *Store) UpdateRecordsMetadata(ctx context.Context, sessionName, collection string, ids []string, metas []map[string]string) error {
	if len(ids) != len(metas) {
		return apierr.New(apierr.InvalidArgument, "ids and metas must be the same length")
	}
	db, err := s.db(sessionName)
	if err != nil {
		return err
	}
	for i, id := range ids {
		metaJSON, err := json.Marshal(metas[i])
		if err != nil {
			return apierr.Wrap(apierr.StoreError, "encoding metadata", err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET metadata = ? WHERE id = ?`, collection), string(metaJSON), id); err != nil {
			return apierr.Wrap(apierr.StoreError, "updating metadata", err)
		}
	}
	return nil
}

// DeleteCollection drops every record in collection (the table itself is
// kept so a later AddRecord doesn't need to re-migrate).
func (s *Store) DeleteCollection(ctx context.Context, sessionName, collection string) error {
	db, err := s.db(sessionName)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, collection)); err != nil {
		return apierr.Wrap(apierr.StoreError, "deleting collection", err)
	}
	return nil
}

// DeleteSessionStore removes the entire on-disk database file for a
// session, used by delete_session to drop both collections at once.
func (s *Store) DeleteSessionStore(sessionName string) error {
	sanitized := SanitizeName(sessionName)

	s.mu.Lock()
	if db, ok := s.dbs[sanitized]; ok {
		db.Close()
		delete(s.dbs, sanitized)
	}
	s.mu.Unlock()

	path := filepath.Join(s.dir, sanitized+".db")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(apierr.StoreError, "deleting session store", err)
	}
	return nil
}

// ListSessionNames returns the sanitized names of every on-disk collection
// database under the store directory.
func (s *Store) ListSessionNames() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.StoreError, "listing session stores", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".db"))
	}
	return names, nil
}

func scanRecords(rows *sql.Rows) ([]types.MemoryRecord, int) {
	var records []types.MemoryRecord
	dropped := 0
	for rows.Next() {
		var id, role, content, metaJSON string
		var ts int64
		if err := rows.Scan(&id, &role, &content, &ts, &metaJSON); err != nil {
			dropped++
			continue
		}
		rec, ok := toRecord(id, role, content, ts, metaJSON)
		if !ok {
			dropped++
			continue
		}
		records = append(records, rec)
	}
	return records, dropped
}

func toRecord(id, role, content string, ts int64, metaJSON string) (types.MemoryRecord, bool) {
	if id == "" || role == "" {
		return types.MemoryRecord{}, false
	}
	var meta map[string]string
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return types.MemoryRecord{}, false
		}
	}
	return types.MemoryRecord{
		ID:        id,
		Role:      types.Role(role),
		Content:   content,
		Timestamp: ts,
		Metadata:  meta,
	}, true
}

func encodeVector(vec []float32) ([]byte, error) {
	return json.Marshal(vec)
}

func decodeVector(data []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// cosineSimilarity mirrors the similarity math used by the pgvector-backed
// store in haasonsaas-nexus, computed in Go over locally stored vectors
// instead of delegating to a database-side vector extension.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
