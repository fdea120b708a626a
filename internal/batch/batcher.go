package batch

import (
	"errors"
	"fmt"

	"github.com/chorusproject/chorus/internal/manifest"
)

// DefaultMaxSize is the batch size used when an engine does not
// configure its own. Sized so the serialized input-key payload for one
// batch stays within the scheduler's parameter ceiling.
const DefaultMaxSize = 50

// ErrInvalidConfiguration is returned for a non-positive batch size
var ErrInvalidConfiguration = errors.New("invalid batch configuration")

// Batch is a contiguous, bounded slice of a manifest's work items, to
// be dispatched as one compute job for one engine.
type Batch struct {
	Index  int
	Engine string
	Items  []manifest.WorkItem
}

// Keys returns the storage keys of the batch's items in order
func (b Batch) Keys() []string {
	keys := make([]string, len(b.Items))
	for i, item := range b.Items {
		keys[i] = item.Key
	}
	return keys
}

// Partition splits items into ordered batches of at most maxSize for
// the given engine. The split is deterministic: the same items and
// maxSize always produce the same boundaries and indices, which retries
// and the aggregator both rely on. Empty input yields no batches.
func Partition(items []manifest.WorkItem, engine string, maxSize int) ([]Batch, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("%w: max batch size must be >= 1, got %d", ErrInvalidConfiguration, maxSize)
	}

	if len(items) == 0 {
		return nil, nil
	}

	batches := make([]Batch, 0, (len(items)+maxSize-1)/maxSize)
	for start := 0; start < len(items); start += maxSize {
		end := start + maxSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, Batch{
			Index:  len(batches),
			Engine: engine,
			Items:  items[start:end],
		})
	}

	return batches, nil
}
