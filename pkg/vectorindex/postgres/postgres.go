// Package postgres provides a PostgreSQL + pgvector implementation of the
// per-class vector index.
//
// Each class collection is one table (class1..class12) with an HNSW cosine
// index over the embedding column. The pgvector extension must be available
// in the target database; [Migrate] installs it via CREATE EXTENSION IF NOT
// EXISTS.
//
// Usage:
//
//	idx, err := postgres.New(ctx, dsn, embedder)
//	if err != nil { … }
//	defer idx.Close()
//
//	cands, err := idx.Query(ctx, 10, "what is photosynthesis", 5)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/sage-edu/sage/pkg/provider/embeddings"
	"github.com/sage-edu/sage/pkg/vectorindex"
)

// ErrReadOnly is returned by write operations while the index is degraded to
// read-only mode. Queries keep working.
var ErrReadOnly = errors.New("vectorindex: store is read-only")

var _ vectorindex.Index = (*Store)(nil)

// Store is the PostgreSQL-backed vector index. It holds a single
// [pgxpool.Pool] shared across all class collections.
//
// All operations are safe for concurrent use. A write failure that looks like
// a permission or read-only-transaction error flips the store into read-only
// mode; the next successful IntegrityCheck clears it.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	readOnly atomic.Bool
}

// New creates a Store, establishes a connection pool to dsn, registers
// pgvector types on every connection, and runs [Migrate] to ensure all twelve
// class tables exist.
//
// The embedding dimension is taken from embedder.Dimensions(); it must be
// non-zero, which may require the embedding server to be reachable for the
// initial probe.
func New(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	dims := embedder.Dimensions()
	if dims == 0 {
		return nil, fmt.Errorf("vectorindex postgres: embedding dimension unknown for model %q", embedder.ModelID())
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorindex postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorindex postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectorindex postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectorindex postgres: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// classTableDDL returns the DDL for one class table with the embedding
// dimension baked into the column type.
func classTableDDL(classNum, dims int) string {
	table := vectorindex.CollectionName(classNum)
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id        UUID         PRIMARY KEY,
    content   TEXT         NOT NULL,
    subject   TEXT         NOT NULL DEFAULT '',
    doc_type  TEXT         NOT NULL DEFAULT '',
    chunk_id  TEXT         NOT NULL DEFAULT '',
    metadata  JSONB        NOT NULL DEFAULT '{}',
    embedding vector(%[2]d)
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_doc_type
    ON %[1]s (doc_type);

CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding
    ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, table, dims)
}

const ddlProbe = `
CREATE TABLE IF NOT EXISTS integrity_probe (
    id       INT          PRIMARY KEY,
    probed   TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the pgvector extension, all twelve class tables, and the
// integrity probe table. Idempotent and safe to run on every start.
//
// Changing the embedding dimension after the first migration requires a
// manual schema change plus re-ingestion.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	statements := []string{"CREATE EXTENSION IF NOT EXISTS vector;", ddlProbe}
	for n := vectorindex.MinClass; n <= vectorindex.MaxClass; n++ {
		statements = append(statements, classTableDDL(n, dims))
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("vectorindex migrate: %w", err)
		}
	}
	return nil
}

// OpenOrCreate implements vectorindex.Index. All class tables are created by
// Migrate, so this only re-asserts the one table (covers the case of a table
// dropped behind our back).
func (s *Store) OpenOrCreate(ctx context.Context, classNum int) error {
	if !vectorindex.ValidClass(classNum) {
		return fmt.Errorf("vectorindex: invalid class %d", classNum)
	}
	dims := s.embedder.Dimensions()
	if _, err := s.pool.Exec(ctx, classTableDDL(classNum, dims)); err != nil {
		return fmt.Errorf("vectorindex: open %s: %w", vectorindex.CollectionName(classNum), err)
	}
	return nil
}

// Count implements vectorindex.Index.
func (s *Store) Count(ctx context.Context, classNum int) (int, error) {
	if !vectorindex.ValidClass(classNum) {
		return 0, fmt.Errorf("vectorindex: invalid class %d", classNum)
	}
	var n int
	q := fmt.Sprintf("SELECT count(*) FROM %s", vectorindex.CollectionName(classNum))
	if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("vectorindex: count %s: %w", vectorindex.CollectionName(classNum), tagUnavailable(err))
	}
	return n, nil
}

// Query implements vectorindex.Index. The first pass excludes question-tagged
// documents at the SQL level; if that returns fewer than k rows the query is
// retried without the filter and question entries are skipped while
// collecting, so genuinely sparse collections still fill up to k.
func (s *Store) Query(ctx context.Context, classNum int, queryText string, k int) ([]vectorindex.Candidate, error) {
	if !vectorindex.ValidClass(classNum) {
		return nil, fmt.Errorf("vectorindex: invalid class %d", classNum)
	}
	if k <= 0 {
		return []vectorindex.Candidate{}, nil
	}

	vec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: embed query: %w", err)
	}
	queryVec := pgvector.NewVector(vec)

	cands, err := s.search(ctx, classNum, queryVec, k, true)
	if err != nil {
		return nil, err
	}
	if len(cands) < k {
		all, err := s.search(ctx, classNum, queryVec, k*2, false)
		if err != nil {
			return nil, err
		}
		cands = cands[:0]
		for _, c := range all {
			if strings.EqualFold(c.DocType, vectorindex.DocTypeQuestion) {
				continue
			}
			cands = append(cands, c)
			if len(cands) == k {
				break
			}
		}
	}
	return cands, nil
}

func (s *Store) search(ctx context.Context, classNum int, queryVec pgvector.Vector, limit int, excludeQuestions bool) ([]vectorindex.Candidate, error) {
	table := vectorindex.CollectionName(classNum)

	where := ""
	if excludeQuestions {
		where = fmt.Sprintf("WHERE doc_type <> '%s'", vectorindex.DocTypeQuestion)
	}
	q := fmt.Sprintf(`
		SELECT content, subject, doc_type, chunk_id, metadata,
		       embedding <=> $1 AS distance
		FROM   %s
		%s
		ORDER  BY distance
		LIMIT  $2`, table, where)

	rows, err := s.pool.Query(ctx, q, queryVec, limit)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: query %s: %w", table, tagUnavailable(err))
	}

	cands, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorindex.Candidate, error) {
		var c vectorindex.Candidate
		if err := row.Scan(&c.Content, &c.Subject, &c.DocType, &c.ChunkID, &c.Metadata, &c.Distance); err != nil {
			return vectorindex.Candidate{}, err
		}
		c.Similarity = vectorindex.Similarity(c.Distance)
		c.SourceClass = classNum
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: scan rows: %w", err)
	}
	if cands == nil {
		cands = []vectorindex.Candidate{}
	}
	return cands, nil
}

// Insert implements vectorindex.Index.
func (s *Store) Insert(ctx context.Context, classNum int, doc vectorindex.Document) (string, error) {
	if !vectorindex.ValidClass(classNum) {
		return "", fmt.Errorf("vectorindex: invalid class %d", classNum)
	}
	if s.readOnly.Load() {
		return "", ErrReadOnly
	}
	if strings.TrimSpace(doc.Content) == "" {
		return "", fmt.Errorf("vectorindex: empty document content")
	}

	vec, err := s.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return "", fmt.Errorf("vectorindex: embed document: %w", err)
	}

	id := uuid.NewString()
	meta := doc.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	q := fmt.Sprintf(`
		INSERT INTO %s (id, content, subject, doc_type, chunk_id, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, vectorindex.CollectionName(classNum))
	if _, err := s.pool.Exec(ctx, q, id, doc.Content, doc.Subject, doc.DocType, doc.ChunkID, meta, pgvector.NewVector(vec)); err != nil {
		s.noteWriteError(err)
		return "", fmt.Errorf("vectorindex: insert into %s: %w", vectorindex.CollectionName(classNum), err)
	}
	return id, nil
}

// BatchInsert implements vectorindex.Index. Each document fails or succeeds
// on its own; the first read-only degradation aborts the remainder.
func (s *Store) BatchInsert(ctx context.Context, classNum int, docs []vectorindex.Document) (vectorindex.BatchResult, error) {
	var res vectorindex.BatchResult
	if !vectorindex.ValidClass(classNum) {
		return res, fmt.Errorf("vectorindex: invalid class %d", classNum)
	}
	for i, doc := range docs {
		if s.readOnly.Load() {
			res.Errors = append(res.Errors, fmt.Errorf("document %d: %w", i, ErrReadOnly))
			break
		}
		id, err := s.Insert(ctx, classNum, doc)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("document %d: %w", i, err))
			continue
		}
		res.IDs = append(res.IDs, id)
	}
	return res, nil
}

// IntegrityCheck implements vectorindex.Index. The read probe queries one
// class table; the write probe upserts into the dedicated probe table so it
// never touches curriculum data. A successful write probe clears read-only
// mode.
func (s *Store) IntegrityCheck(ctx context.Context) (vectorindex.HealthState, error) {
	if err := s.pool.Ping(ctx); err != nil {
		return vectorindex.Corrupt, fmt.Errorf("vectorindex: ping: %w", err)
	}

	var one int
	readQ := fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", vectorindex.CollectionName(vectorindex.MinClass))
	if err := s.pool.QueryRow(ctx, readQ).Scan(&one); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return vectorindex.Corrupt, fmt.Errorf("vectorindex: read probe: %w", err)
	}

	const writeQ = `
		INSERT INTO integrity_probe (id, probed) VALUES (1, now())
		ON CONFLICT (id) DO UPDATE SET probed = EXCLUDED.probed`
	if _, err := s.pool.Exec(ctx, writeQ); err != nil {
		s.readOnly.Store(true)
		return vectorindex.ReadOnly, fmt.Errorf("vectorindex: write probe: %w", err)
	}

	s.readOnly.Store(false)
	return vectorindex.Healthy, nil
}

// Close implements vectorindex.Index.
func (s *Store) Close() {
	s.pool.Close()
}

// tagUnavailable joins [vectorindex.ErrUnavailable] onto connection-level
// failures. A server-side SQL error or a cancelled context passes through
// untouched.
func tagUnavailable(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return errors.Join(vectorindex.ErrUnavailable, err)
}

// noteWriteError flips the store into read-only mode when the failure
// indicates the database itself refuses writes, as opposed to a bad row.
func (s *Store) noteWriteError(err error) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return
	}
	switch pgErr.Code {
	case "25006", // read_only_sql_transaction
		"42501", // insufficient_privilege
		"53100": // disk_full
		s.readOnly.Store(true)
	}
}
