package volume

import (
	"context"

	"github.com/google/uuid"

	"llfsvolume/internal/events"
	"llfsvolume/internal/pagestore"
)

// JobResolutionPolicy decides, for a job whose PrepareJob record was found
// durable at recovery time but whose matching CommitJob/RollbackJob was
// not, whether to commit or roll it back. It resolves the open design
// question of how to treat jobs interrupted between their two append
// phases: the default policy commits only if every page the job references
// is already present and valid in cache, and rolls back otherwise.
type JobResolutionPolicy func(ctx context.Context, job events.PrepareJob, cache pagestore.PageCache) (commit bool, err error)

// DefaultJobResolutionPolicy implements the policy described above.
func DefaultJobResolutionPolicy(ctx context.Context, job events.PrepareJob, cache pagestore.PageCache) (bool, error) {
	for _, id := range job.NewPageIDs {
		if _, err := cache.GetPage(ctx, id); err != nil {
			return false, nil
		}
	}
	for id := range job.PageRefcountDelta {
		if _, err := cache.GetPage(ctx, id); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// Options tunes a single Volume.
type Options struct {
	Name           string
	UUID           *uuid.UUID
	MaxRefsPerPage uint32
}
