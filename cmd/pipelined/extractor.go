package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docpipe/docpipe/internal/pipeline"
	"github.com/docpipe/docpipe/internal/session"
	"github.com/docpipe/docpipe/internal/worker"
)

// newExtractor returns the daemon's document processor. The real PDF/DOCX/
// OCR extractors are separate services integrated here; the built-in
// fallback emits a single metadata record per file so the pipeline can be
// exercised end to end without them.
func newExtractor(logger *slog.Logger) pipeline.DocumentProcessor {
	return &metadataExtractor{logger: logger}
}

type metadataExtractor struct {
	logger *slog.Logger
}

func (e *metadataExtractor) Extract(ctx context.Context, fileRef string, config map[string]any, report worker.ProgressFunc) ([]*session.Record, error) {
	report(10, "opening file")
	f, err := os.Open(fileRef)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat document: %w", err)
	}

	report(40, "hashing content")
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	report(100, "done")
	return []*session.Record{{
		FieldValues: map[string]any{
			"file_name": filepath.Base(fileRef),
			"file_size": info.Size(),
			"sha256":    hex.EncodeToString(h.Sum(nil)),
			"extension": filepath.Ext(fileRef),
		},
		ConfidenceScores: map[string]float64{
			"file_name": 1.0,
			"file_size": 1.0,
			"sha256":    1.0,
			"extension": 1.0,
		},
	}}, nil
}
