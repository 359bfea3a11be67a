package store

import (
	"context"

	"go.uber.org/zap"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/metrics"
)

// IndexLookup describes one secondary index read
type IndexLookup struct {
	Codec   *Codec
	Index   string
	Backend string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// ResolveIndex reads the rows behind the encoded row keys an index tuple
// points to. Keys whose row is missing are dangling and skipped. More than
// one live row is reported as IndexAmbiguous.
func ResolveIndex(ctx context.Context, l IndexLookup, candidates [][]byte, get func(context.Context, []byte) ([]byte, bool, error)) (rowKey, value []byte, found bool, err error) {
	table := l.Codec.Table().Name
	matches := 0
	for _, candidate := range candidates {
		v, ok, err := get(ctx, candidate)
		if err != nil {
			return nil, nil, false, err
		}
		if !ok {
			l.Metrics.RecordDanglingIndex(l.Backend, table)
			if l.Logger != nil {
				l.Logger.Warn("Index entry points to a missing row",
					zap.String("table", table),
					zap.String("index", l.Index))
			}
			continue
		}
		matches++
		rowKey, value = candidate, v
	}
	if matches > 1 {
		if l.Logger != nil {
			l.Logger.Warn("Index tuple matches several rows",
				zap.String("table", table),
				zap.String("index", l.Index),
				zap.Int("matches", matches))
		}
		return nil, nil, false, ferrors.IndexAmbiguous(table, l.Index, matches)
	}
	return rowKey, value, matches == 1, nil
}
