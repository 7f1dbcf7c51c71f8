package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"coedit/internal/crdt"
	"coedit/internal/metrics"
	"coedit/internal/storage"
	"coedit/internal/utils"
)

// ContentType is recorded on every stored snapshot.
const ContentType = "application/octet-stream"

var (
	ErrLoad = errors.New("snapshot load failed")
	ErrSave = errors.New("snapshot save failed")
)

// Bridge moves whole-document snapshots between memory and the blob store.
type Bridge struct {
	store    storage.BlobStore
	compress bool
	log      *utils.Logger
	tracer   trace.Tracer
}

func NewBridge(store storage.BlobStore, compressSnapshots bool, log *utils.Logger) *Bridge {
	return &Bridge{
		store:    store,
		compress: compressSnapshots,
		log:      log,
		tracer:   otel.Tracer("coedit/persistence"),
	}
}

// Load returns the stored document, or an empty one when nothing was ever saved.
func (b *Bridge) Load(ctx context.Context, documentID string) (*crdt.Doc, error) {
	ctx, span := b.tracer.Start(ctx, "snapshot.load", trace.WithAttributes(attribute.String("document.id", documentID)))
	defer span.End()

	data, err := b.store.Get(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.SnapshotOps.WithLabelValues("load", metrics.ResultOK).Inc()
		b.log.Debug("no stored snapshot, starting empty document", "documentId", documentID)
		return crdt.NewDoc(), nil
	}
	if err != nil {
		return nil, b.fail(span, "load", fmt.Errorf("%w: %s: %w", ErrLoad, documentID, err))
	}

	raw, err := decompress(data)
	if err != nil {
		return nil, b.fail(span, "load", fmt.Errorf("%w: %s: %w", ErrLoad, documentID, err))
	}
	doc, err := crdt.DecodeState(raw)
	if err != nil {
		return nil, b.fail(span, "load", fmt.Errorf("%w: %s: %w", ErrLoad, documentID, err))
	}

	span.SetAttributes(attribute.Int("snapshot.bytes", len(data)), attribute.Int("snapshot.updates", doc.Len()))
	metrics.SnapshotOps.WithLabelValues("load", metrics.ResultOK).Inc()
	return doc, nil
}

// Save overwrites the stored snapshot with the full encoded state of doc.
func (b *Bridge) Save(ctx context.Context, documentID string, doc *crdt.Doc) error {
	ctx, span := b.tracer.Start(ctx, "snapshot.save", trace.WithAttributes(attribute.String("document.id", documentID)))
	defer span.End()

	data, err := doc.EncodeStateAsUpdate()
	if err != nil {
		return b.fail(span, "save", fmt.Errorf("%w: %s: %w", ErrSave, documentID, err))
	}
	if b.compress {
		data = compress(data)
	}
	if err := b.store.Put(ctx, documentID, data, ContentType); err != nil {
		return b.fail(span, "save", fmt.Errorf("%w: %s: %w", ErrSave, documentID, err))
	}

	span.SetAttributes(attribute.Int("snapshot.bytes", len(data)), attribute.Int("snapshot.updates", doc.Len()))
	metrics.SnapshotOps.WithLabelValues("save", metrics.ResultOK).Inc()
	metrics.SnapshotBytes.Observe(float64(len(data)))
	return nil
}

func (b *Bridge) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.SnapshotOps.WithLabelValues(op, metrics.ResultError).Inc()
	b.log.Error("snapshot "+op+" failed", "error", err)
	return err
}
