package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/resource-coordinator/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

// WriteExclusive delegates to the underlying backend if it implements
// ExclusiveBackend.
func (ib *InstrumentedBackend) WriteExclusive(ctx context.Context, key string, r io.Reader) error {
	eb, ok := ib.backend.(ExclusiveBackend)
	if !ok {
		return errors.New("backend does not support exclusive writes")
	}
	start := time.Now()
	cr := &countingReader{r: r}
	err := eb.WriteExclusive(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write_exclusive", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Size delegates to the underlying backend if it implements SizeAwareBackend.
func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	sb, ok := ib.backend.(SizeAwareBackend)
	if !ok {
		return 0, ErrNotFound
	}
	start := time.Now()
	size, err := sb.Size(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// Writer delegates to the underlying backend if it implements WriterBackend.
func (ib *InstrumentedBackend) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	wb, ok := ib.backend.(WriterBackend)
	if !ok {
		return nil, errors.New("backend does not support Writer")
	}
	start := time.Now()
	wc, err := wb.Writer(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "writer", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return wc, nil
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExists):
		return "exists"
	default:
		return "error"
	}
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Compile-time interface checks
var (
	_ Backend          = (*InstrumentedBackend)(nil)
	_ SizeAwareBackend = (*InstrumentedBackend)(nil)
	_ ExclusiveBackend = (*InstrumentedBackend)(nil)
)
