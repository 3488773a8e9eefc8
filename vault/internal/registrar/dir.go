package registrar

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type DirRequest struct {
	Dir         string
	CaseID      string
	Source      string
	Actor       string
	Concurrency int
}

// FileResult is the outcome for one file of a directory ingest.
type FileResult struct {
	Path   string
	Result IngestResult
	Err    error
}

// IngestDir ingests every regular file below req.Dir, skipping dot-files and
// dot-directories. Files are processed in parallel and one failure does not
// stop the rest; results come back sorted by path.
func (r *Registrar) IngestDir(ctx context.Context, req DirRequest) ([]FileResult, error) {
	var paths []string
	err := filepath.WalkDir(req.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != req.Dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", req.Dir, err)
	}
	sort.Strings(paths)

	limit := req.Concurrency
	if limit <= 0 {
		limit = 4
	}
	results := make([]FileResult, len(paths))
	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, path := range paths {
		g.Go(func() error {
			res, err := r.IngestFile(gctx, path, IngestRequest{
				CaseID: req.CaseID,
				Source: req.Source,
				Actor:  req.Actor,
			})
			results[i] = FileResult{Path: path, Result: res, Err: err}
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.log.Info("directory ingested",
		zap.String("dir", req.Dir),
		zap.String("case_id", req.CaseID),
		zap.Int("files", len(paths)),
		zap.Int("failed", failed))
	return results, nil
}
