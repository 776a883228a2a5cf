package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// Archiver implements domain.Archiver. A closed market is written as three
// objects under archive/markets/{id}/: the market snapshot, its resolution
// record, and its trades and predictions as JSONL. Rows stay in the primary
// store.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	stores domain.Stores
}

// NewArchiver creates an Archiver reading from stores.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, stores domain.Stores) *Archiver {
	return &Archiver{writer: writer, reader: reader, stores: stores}
}

// ArchiveMarket uploads a closed market and returns the number of trades
// archived. A market already archived is skipped and reports zero.
func (a *Archiver) ArchiveMarket(ctx context.Context, marketID string) (int64, error) {
	m, err := a.stores.Markets.GetByID(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", marketID, err)
	}
	if m.State != domain.MarketStateClosed {
		return 0, fmt.Errorf("s3blob: archive %s market %s: %w", m.State, marketID, domain.ErrInvalidMarketState)
	}
	done, err := a.reader.Exists(ctx, marketPath(marketID, "market.json"))
	if err != nil {
		return 0, err
	}
	if done {
		return 0, nil
	}

	trades, err := a.stores.Trades.ListByMarket(ctx, marketID, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s trades: %w", marketID, err)
	}
	preds, err := a.stores.Predictions.ListByMarket(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s predictions: %w", marketID, err)
	}
	rec, err := a.stores.Resolutions.GetByMarket(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s resolution: %w", marketID, err)
	}

	if err := putJSONL(ctx, a.writer, marketPath(marketID, "trades.jsonl"), trades); err != nil {
		return 0, err
	}
	if err := putJSONL(ctx, a.writer, marketPath(marketID, "predictions.jsonl"), preds); err != nil {
		return 0, err
	}
	if err := a.putJSON(ctx, marketPath(marketID, "resolution.json"), rec); err != nil {
		return 0, err
	}
	// market.json goes last: its presence marks a complete archive
	if err := a.putJSON(ctx, marketPath(marketID, "market.json"), m); err != nil {
		return 0, err
	}

	count := int64(len(trades))
	if err := a.stores.Audit.Log(ctx, "archive.market", map[string]any{
		"market_id":   marketID,
		"trades":      count,
		"predictions": len(preds),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit: %w", marketID, err)
	}
	return count, nil
}

func (a *Archiver) putJSON(ctx context.Context, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("s3blob: marshal %s: %w", path, err)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(data), "application/json")
}

func putJSONL[T any](ctx context.Context, w domain.BlobWriter, path string, rows []T) error {
	data, err := marshalJSONL(rows)
	if err != nil {
		return fmt.Errorf("s3blob: marshal %s: %w", path, err)
	}
	return w.Put(ctx, path, bytes.NewReader(data), "application/x-ndjson")
}

func marketPath(marketID, name string) string {
	return fmt.Sprintf("archive/markets/%s/%s", marketID, name)
}

// marshalJSONL encodes records one compact JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
