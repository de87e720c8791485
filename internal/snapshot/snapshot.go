// Package snapshot keeps the body of every page judged blocked so
// escalation decisions can be audited after the fact.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
)

const (
	rootDir     = "blocked"
	contentType = "text/html; charset=utf-8"
	putTimeout  = 10 * time.Second
)

// BlobStore writes one object. Implemented by storage/local, storage/gcs
// and storage/memory.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Recorder implements crawler.Snapshotter.
type Recorder struct {
	store  BlobStore
	hasher crawler.Hasher
	clock  crawler.Clock
	loc    *time.Location
	logger *zap.Logger
}

// New builds a Recorder. Dates in object paths use loc.
func New(store BlobStore, hasher crawler.Hasher, clock crawler.Clock, loc *time.Location, logger *zap.Logger) (*Recorder, error) {
	if store == nil || hasher == nil || clock == nil {
		return nil, fmt.Errorf("snapshot recorder requires store, hasher and clock")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, hasher: hasher, clock: clock, loc: loc, logger: logger}, nil
}

// ObjectPath is blocked/<yyyy-mm-dd>/<tier>/<digest>.html.
func ObjectPath(day time.Time, tier crawler.Tier, digest string) string {
	return path.Join(rootDir, day.Format("2006-01-02"), string(tier), digest+".html")
}

// Snapshot stores page.Body. Failures are logged and otherwise ignored.
func (r *Recorder) Snapshot(ctx context.Context, tier crawler.Tier, page crawler.FetchResult, decision crawler.BlockDecision) {
	body := []byte(page.Body)
	digest, err := r.hasher.Hash(body)
	if err != nil {
		r.logger.Warn("hash blocked page failed", zap.String("url", page.RequestedURL), zap.Error(err))
		return
	}
	objectPath := ObjectPath(r.clock.Now().In(r.loc), tier, digest)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), putTimeout)
	defer cancel()
	uri, err := r.store.PutObject(ctx, objectPath, contentType, strings.NewReader(page.Body))
	if err != nil {
		r.logger.Warn("store blocked page failed",
			zap.String("url", page.RequestedURL),
			zap.String("path", objectPath),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("blocked page stored",
		zap.String("url", page.RequestedURL),
		zap.String("tier", string(tier)),
		zap.String("reason", decision.Reason),
		zap.Int("status", page.StatusCode),
		zap.String("uri", uri),
	)
}
