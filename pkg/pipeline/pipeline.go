// Package pipeline is the in-process bounded work unit: it walks the catalog
// of items missing a 3D asset, generates a model for each through the
// Trellis API and uploads the result, until the wall-clock budget truncates
// the run. It implements the same exit-code contract as an external script:
// 0 when the backlog is drained, 124 when the budget cut it short.
package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/zuolabs/trellis-runner/pkg/logging"
	"github.com/zuolabs/trellis-runner/pkg/metrics"
	"github.com/zuolabs/trellis-runner/pkg/models"
	"github.com/zuolabs/trellis-runner/pkg/retry"
)

// Item is one catalog entry awaiting a 3D asset.
type Item struct {
	ItemNo   string
	Category string
	Status   string
	ImageURL string
}

// ItemSource yields pending items and records their fate.
type ItemSource interface {
	// NextPending returns the next item needing an asset, or nil when the
	// backlog is drained.
	NextPending(ctx context.Context) (*Item, error)
	// MarkProcessed flags an item so it is not picked up again.
	MarkProcessed(ctx context.Context, itemNo string) error
	// RecordAsset stores the uploaded asset URL and flags the item done.
	RecordAsset(ctx context.Context, itemNo, assetURL string) error
}

// Generator produces a GLB file on local disk for an item image.
type Generator interface {
	Generate(ctx context.Context, imageURL string) (glbPath string, err error)
}

// ArtifactStore uploads a generated GLB and returns its public URL.
type ArtifactStore interface {
	Upload(ctx context.Context, itemNo, glbPath string) (url string, err error)
}

// Cleanup removes a local artifact once uploaded; split out so tests can
// observe it.
type Cleanup func(path string)

// GenerationUnit implements runner.WorkUnit over the generation pipeline.
type GenerationUnit struct {
	Source    ItemSource
	Generator Generator
	Store     ArtifactStore

	Budget  time.Duration
	Limit   int // max items this run, 0 = until drained or budget
	Retry   retry.Policy
	Log     *logging.Logger
	Metrics *metrics.Set
	Cleanup Cleanup
}

// Execute processes items until the backlog drains, the item limit is
// reached, or the budget elapses.
func (u *GenerationUnit) Execute(ctx context.Context) (int, error) {
	runCtx := ctx
	if u.Budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, u.Budget)
		defer cancel()
	}

	processed, failed := 0, 0
	for {
		if u.Limit > 0 && processed+failed >= u.Limit {
			u.logInfo("item limit reached", map[string]interface{}{"limit": u.Limit})
			break
		}
		if runCtx.Err() != nil {
			return u.codeForInterrupt(ctx, runCtx, processed, failed)
		}

		item, err := u.Source.NextPending(runCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return u.codeForInterrupt(ctx, runCtx, processed, failed)
			}
			u.logError("failed to fetch next pending item", err)
			return 1, nil
		}
		if item == nil {
			u.logInfo("no more items to process", nil)
			break
		}

		log := u.itemLogger(item)
		log.Info("processing item", map[string]interface{}{"category": item.Category})

		err = u.Retry.Do(runCtx, func() error {
			return u.processItem(runCtx, item)
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || runCtx.Err() != nil {
				return u.codeForInterrupt(ctx, runCtx, processed, failed)
			}
			failed++
			if u.Metrics != nil {
				u.Metrics.ItemsFailed.Inc()
			}
			log.Error("item failed after all attempts, marking processed", map[string]interface{}{"error": err.Error()})
			// A poisoned item is skipped in future runs rather than
			// blocking the backlog.
			if markErr := u.Source.MarkProcessed(runCtx, item.ItemNo); markErr != nil {
				log.Warn("failed to mark item processed", map[string]interface{}{"error": markErr.Error()})
			}
			continue
		}

		processed++
		if u.Metrics != nil {
			u.Metrics.ItemsProcessed.Inc()
		}
		log.Info("item processed")
	}

	u.logInfo("generation run finished", map[string]interface{}{
		"processed": processed,
		"failed":    failed,
	})
	return 0, nil
}

func (u *GenerationUnit) processItem(ctx context.Context, item *Item) error {
	glbPath, err := u.Generator.Generate(ctx, item.ImageURL)
	if err != nil {
		return err
	}
	if u.Cleanup != nil {
		defer u.Cleanup(glbPath)
	}

	assetURL, err := u.Store.Upload(ctx, item.ItemNo, glbPath)
	if err != nil {
		return err
	}
	return u.Source.RecordAsset(ctx, item.ItemNo, assetURL)
}

// codeForInterrupt distinguishes the budget deadline (a timeout outcome)
// from an outer cancellation (a controller teardown).
func (u *GenerationUnit) codeForInterrupt(outer, runCtx context.Context, processed, failed int) (int, error) {
	if outer.Err() != nil {
		return 130, outer.Err()
	}
	u.logInfo("budget elapsed mid-backlog", map[string]interface{}{
		"processed": processed,
		"failed":    failed,
	})
	return models.ExitCodeTimeout, nil
}

func (u *GenerationUnit) itemLogger(item *Item) *logging.Logger {
	if u.Log == nil {
		return noopLogger()
	}
	return u.Log.WithField("item", item.ItemNo)
}

func (u *GenerationUnit) logInfo(msg string, fields map[string]interface{}) {
	if u.Log != nil {
		u.Log.Info(msg, fields)
	}
}

func (u *GenerationUnit) logError(msg string, err error) {
	if u.Log != nil {
		u.Log.Error(msg, map[string]interface{}{"error": err.Error()})
	}
}

func noopLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(io.Discard)
	return l
}
