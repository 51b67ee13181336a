package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tablerst/storyteller/internal/apperrors"
	"github.com/tablerst/storyteller/internal/hashing"
	"github.com/tablerst/storyteller/internal/store"
)

// Options configures a single ingest run.
type Options struct {
	Path                 string
	Title                string
	Author               string
	Encoding             string // "auto" or a concrete codec name
	ChapterRegex         string
	FallbackChapterChars int
	ChunkSizeTokens      int
	ChunkOverlapTokens   int
	MinChunkTokens       int
	Cleanup              CleanupOptions
}

// Result reports what ingestion actually did, distinguishing a fresh
// ingest from the idempotent re-run path: ingesting the same file twice
// yields the same book_hash and zero new chapters/chunks.
type Result struct {
	BookID       int64
	BookHash     string
	NewChapters  int
	NewChunks    int
	AlreadyExist bool
}

// Service drives ingestion against the persistent store.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// Ingest loads, normalizes, splits into chapters and chunks, and
// persists the book idempotently keyed by book_hash/chapter_hash/
// chunk_hash.
func (s *Service) Ingest(ctx context.Context, opts Options) (*Result, error) {
	loaded, err := LoadTextAuto(opts.Path, orDefault(opts.Encoding, "auto"), opts.ChapterRegex)
	if err != nil {
		return nil, &apperrors.IngestError{Path: opts.Path, Detail: "read file", Err: err}
	}

	normalized := NormalizeText(loaded.Text, opts.Cleanup)
	if normalized == "" {
		return nil, &apperrors.IngestError{Path: opts.Path, Detail: "empty text after normalization"}
	}

	bookHash := hashing.BookHash(normalized)
	logger := s.logger.With("path", opts.Path, "book_hash", hashing.ShortDefault(bookHash),
		"encoding", loaded.Encoding, "autodetected", loaded.Autodetected)

	if existing, err := s.store.GetBookByHash(ctx, bookHash); err == nil {
		logger.Info("book already ingested, skipping")
		return &Result{BookID: existing.ID, BookHash: bookHash, AlreadyExist: true}, nil
	} else if err != store.ErrNotFound {
		return nil, &apperrors.StoreError{Op: "lookup book by hash", Err: err}
	}

	parsedChapters := ParseChapters(normalized, opts.ChapterRegex, orDefaultInt(opts.FallbackChapterChars, 20000))

	sess, err := s.store.Begin(ctx)
	if err != nil {
		return nil, &apperrors.StoreError{Op: "begin ingest session", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = sess.Rollback()
		}
	}()

	book, err := sess.InsertBook(ctx, store.Book{
		BookHash: bookHash, Title: opts.Title, Author: opts.Author, SourcePath: opts.Path,
	})
	if err != nil {
		return nil, &apperrors.StoreError{Op: "insert book", Err: err}
	}

	splitParams := fmt.Sprintf("%d:%d:%d", opts.ChunkSizeTokens, opts.ChunkOverlapTokens, opts.MinChunkTokens)

	var newChapters, newChunks int
	for _, pc := range parsedChapters {
		chapterHash := hashing.ChapterHash(bookHash, pc.Title, pc.Text)
		chapter, err := sess.InsertChapter(ctx, store.Chapter{
			BookID: book.ID, ChapterHash: chapterHash, Idx: pc.Idx, Title: pc.Title,
			Text: pc.Text, StartPos: pc.StartPos, EndPos: pc.EndPos,
		})
		if err != nil {
			return nil, &apperrors.StoreError{Op: "insert chapter", Err: err}
		}
		newChapters++

		chunks := SplitText(pc.Text, opts.ChunkSizeTokens, opts.ChunkOverlapTokens, opts.MinChunkTokens)
		for _, pcHunk := range chunks {
			chunkHash := hashing.ChunkHash(chapterHash, pcHunk.Text, splitParams)
			if _, err := sess.InsertChunk(ctx, book.ID, pc.Idx, store.Chunk{
				ChapterID: chapter.ID, ChunkHash: chunkHash, Idx: pcHunk.Idx, Text: pcHunk.Text,
				TokenCount: pcHunk.TokenCount, StartPos: pcHunk.StartPos, EndPos: pcHunk.EndPos,
			}); err != nil {
				return nil, &apperrors.StoreError{Op: "insert chunk", Err: err}
			}
			newChunks++
		}
	}

	if err := sess.Commit(); err != nil {
		return nil, &apperrors.StoreError{Op: "commit ingest session", Err: err}
	}
	committed = true

	logger.Info("ingested book", "chapters", newChapters, "chunks", newChunks)
	return &Result{BookID: book.ID, BookHash: bookHash, NewChapters: newChapters, NewChunks: newChunks}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
