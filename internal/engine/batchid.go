package engine

import (
	"context"
	"fmt"
	"time"
)

// BatchIDLayout formats a batch id from its creation time. It is file-name
// safe and sorts lexically in time order.
const BatchIDLayout = "2006-01-02T15-04-05Z"

// maxBatchIDSuffix bounds the collision search within one second. Suffixes
// are zero-padded to three digits so ids of one second still sort in order.
const maxBatchIDSuffix = 1000

// NextBatchID returns the first id derived from now that exists reports as
// unused: the formatted timestamp, then the timestamp with -001, -002, ...
func NextBatchID(ctx context.Context, now time.Time, exists func(context.Context, string) (bool, error)) (string, error) {
	base := now.UTC().Format(BatchIDLayout)
	for n := 0; n < maxBatchIDSuffix; n++ {
		id := base
		if n > 0 {
			id = fmt.Sprintf("%s-%03d", base, n)
		}
		taken, err := exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("no free batch id for %s", base)
}
