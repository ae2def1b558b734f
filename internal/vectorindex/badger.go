package vectorindex

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/viterin/vek/vek32"
	"go.uber.org/zap"
)

var embeddingPrefix = []byte("emb:")

// Badger is an embedded index for single-node deployments. Queries scan
// every record, so it suits indexes up to a few hundred thousand entries.
type Badger struct {
	db     *badger.DB
	dims   int
	logger *zap.Logger
}

type storedRecord struct {
	Vector   []float32 `json:"vector"`
	Metadata Metadata  `json:"metadata"`
}

func OpenBadger(path string, dims int, logger *zap.Logger) (*Badger, error) {
	return openBadger(badger.DefaultOptions(path).WithLogger(nil), dims, logger)
}

func OpenBadgerInMemory(dims int, logger *zap.Logger) (*Badger, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), dims, logger)
}

func openBadger(opts badger.Options, dims int, logger *zap.Logger) (*Badger, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("invalid index dimensions %d", dims)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger index: %w", err)
	}
	return &Badger{db: db, dims: dims, logger: logger}, nil
}

func embeddingKey(id string) []byte {
	return append(slices.Clone(embeddingPrefix), id...)
}

func (b *Badger) Upsert(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("record without id")
		}
		if len(rec.Vector) != b.dims {
			return fmt.Errorf("%w: record %s has %d, index has %d", ErrDimension, rec.ID, len(rec.Vector), b.dims)
		}
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, rec := range records {
		value, err := json.Marshal(storedRecord{Vector: rec.Vector, Metadata: rec.Metadata})
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		if err := wb.Set(embeddingKey(rec.ID), value); err != nil {
			return fmt.Errorf("write record %s: %w", rec.ID, err)
		}
	}
	return wb.Flush()
}

func (b *Badger) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if len(vector) != b.dims {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimension, len(vector), b.dims)
	}
	if topK <= 0 {
		return nil, nil
	}

	var matches []Match
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = embeddingPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()

			var rec storedRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				b.logger.Warn("skipping unreadable index record",
					zap.ByteString("key", item.Key()),
					zap.Error(err),
				)
				continue
			}
			if !filter.Matches(rec.Metadata) || len(rec.Vector) != len(vector) {
				continue
			}

			matches = append(matches, Match{
				ID:       string(item.Key()[len(embeddingPrefix):]),
				Score:    cosineSimilarity(vector, rec.Vector),
				Metadata: rec.Metadata,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (b *Badger) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, id := range ids {
		if err := wb.Delete(embeddingKey(id)); err != nil {
			return fmt.Errorf("delete record %s: %w", id, err)
		}
	}
	return wb.Flush()
}

// Len counts stored records.
func (b *Badger) Len() (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = embeddingPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	// NaN for zero vectors
	result := vek32.CosineSimilarity(a, b)
	if math.IsNaN(float64(result)) {
		return 0
	}
	return result
}
