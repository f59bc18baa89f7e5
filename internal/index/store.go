package index

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/ragstarter/internal/chunking"
	"github.com/kalambet/ragstarter/internal/document"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dbFile is the database file name inside an index directory.
const dbFile = "index.db"

// store wraps the SQLite database of one index directory.
type store struct {
	db   *sql.DB
	path string
}

// openStore opens (or creates) the database in dir and runs pending
// migrations. Pass ":memory:" for an in-memory database.
func openStore(dir string, create bool) (*store, error) {
	dsn := ":memory:"
	path := ""
	if dir != ":memory:" {
		path = filepath.Join(dir, dbFile)
		if !create {
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrCorruptIndex, path, err)
			}
		} else if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
		dsn = path
	}

	// An existing index that fails to open or migrate is reported as corrupt.
	wrap := func(what string, err error) error {
		if !create {
			return fmt.Errorf("%w: %s: %v", ErrCorruptIndex, what, err)
		}
		return fmt.Errorf("%s: %w", what, err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("opening database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, wrap("pinging database", err)
	}

	// A single connection keeps ":memory:" databases shared and avoids
	// "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, wrap("setting busy timeout", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, wrap("enabling foreign keys", err)
	}

	s := &store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, wrap("running migrations", err)
	}
	return s, nil
}

func (s *store) close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that have not been recorded in
// schema_version, in file name order.
func (s *store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

func (s *store) schemaVersion() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// --- meta ---

func (s *store) setMeta(ctx context.Context, kv map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning meta transaction: %w", err)
	}
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			tx.Rollback()
			return fmt.Errorf("writing meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *store) meta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning meta: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- documents and chunks ---

// record is one embedded chunk ready to be written.
type record struct {
	ID         string
	DocumentID string
	Chunk      chunking.Chunk
	Embedding  []float32
}

func (s *store) insertDocuments(ctx context.Context, docs []document.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, path, title, extension, size, modified_at, text_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing document insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		sum := sha256.Sum256([]byte(d.Text))
		modified := ""
		if !d.Metadata.Modified.IsZero() {
			modified = d.Metadata.Modified.UTC().Format(time.RFC3339)
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.Path, d.Title, d.Metadata.Extension,
			d.Metadata.Size, modified, hex.EncodeToString(sum[:])); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting document %s: %w", d.Path, err)
		}
	}
	return tx.Commit()
}

func (s *store) insertChunks(ctx context.Context, records []record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, seq, heading, text, word_offset, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx, id, r.DocumentID, r.Chunk.Index, r.Chunk.Heading,
			r.Chunk.Text, r.Chunk.Offset, encodeFloat32s(r.Embedding)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %d of %s: %w", r.Chunk.Index, r.DocumentID, err)
		}
	}
	return tx.Commit()
}

func (s *store) counts(ctx context.Context) (docs, chunks int, err error) {
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&docs); err != nil {
		return 0, 0, fmt.Errorf("counting documents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&chunks); err != nil {
		return 0, 0, fmt.Errorf("counting chunks: %w", err)
	}
	return docs, chunks, nil
}

func (s *store) documents(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.path, d.title, d.size, COUNT(c.id)
		FROM documents d LEFT JOIN chunks c ON c.document_id = d.id
		GROUP BY d.id ORDER BY d.path`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentInfo
	for rows.Next() {
		var d DocumentInfo
		if err := rows.Scan(&d.ID, &d.Path, &d.Title, &d.Size, &d.Chunks); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// search runs a brute-force cosine scan over every chunk. Phase one reads
// only id and embedding to pick the top-K; phase two fetches the winners.
func (s *store) search(ctx context.Context, vector []float32, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	h := &idScoreHeap{}
	heap.Init(h)
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: decoding embedding for %s: %v", ErrCorruptIndex, id, err)
		}
		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	ids := make([]any, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(ids) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		ids[i] = item.ID
		scores[item.ID] = item.Score
	}

	full, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, d.path, d.title, c.seq, c.heading, c.text
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer full.Close()

	results := make([]Result, 0, len(ids))
	for full.Next() {
		var r Result
		if err := full.Scan(&r.ChunkID, &r.DocumentID, &r.DocumentPath, &r.DocumentTitle, &r.Seq, &r.Heading, &r.Text); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		r.Score = scores[r.ChunkID]
		results = append(results, r)
	}
	if err := full.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	// The IN query does not preserve order.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results, nil
}
