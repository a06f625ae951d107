// Package upload places ciphertext on the storage network. Blobs are
// grouped into fixed-size batches; a batch is durable once every blob in it
// is registered and certified. Batches run concurrently up to a limit and
// the total number of in-flight network calls is capped by a worker pool.
// A batch rejected because of node overload is retried as a whole.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-media/internal/progress"
	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	workerpool "github.com/i5heu/ouroboros-media/pkg/workerPool"
)

const (
	defaultBatchSize            = 25
	defaultMaxConcurrentBatches = 2
	defaultMaxInFlight          = 8
	defaultMaxAttempts          = 3
	defaultRetryDelay           = 2 * time.Second
)

// Config configures an Orchestrator.
type Config struct {
	Network interfaces.StorageNetwork

	// Pool is shared with other uploads when set; otherwise the
	// orchestrator owns a pool of MaxInFlight workers.
	Pool *workerpool.WorkerPool

	BatchSize            int
	MaxConcurrentBatches int
	MaxInFlight          int
	// MaxAttempts bounds tries per batch on node overload.
	MaxAttempts int
	RetryDelay  time.Duration

	Progress *progress.Reporter
	Logger   *slog.Logger
}

// Blob is one ciphertext or manifest to upload. Data is released after
// its batch is certified.
type Blob struct {
	Name string
	Data []byte
}

// BatchResult records how one batch went.
type BatchResult struct {
	Index    int
	Size     int
	Attempts int
	Cost     uint64
}

// Result of an upload. Addresses[i] belongs to the i-th input blob.
type Result struct {
	Addresses []string
	Cost      uint64
	Batches   []BatchResult
}

// Orchestrator uploads blobs in batches.
type Orchestrator struct {
	network     interfaces.StorageNetwork
	pool        *workerpool.WorkerPool
	ownsPool    bool
	batchSize   int
	maxBatches  int
	maxAttempts int
	retryDelay  time.Duration
	progress    *progress.Reporter
	log         *slog.Logger
}

// New creates an Orchestrator, applying defaults to zero config fields.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Network == nil {
		return nil, errors.New("upload: storage network is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = defaultMaxConcurrentBatches
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	o := &Orchestrator{
		network:     cfg.Network,
		pool:        cfg.Pool,
		batchSize:   cfg.BatchSize,
		maxBatches:  cfg.MaxConcurrentBatches,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		progress:    cfg.Progress,
		log:         cfg.Logger,
	}
	if o.pool == nil {
		o.pool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: cfg.MaxInFlight})
		o.ownsPool = true
	}
	return o, nil
}

// Close releases the worker pool if the orchestrator owns it.
func (o *Orchestrator) Close() {
	if o.ownsPool {
		o.pool.Close()
	}
}

// Upload registers and certifies every blob for epochs storage epochs,
// paid by signer. Any non-retryable failure, or overload persisting beyond
// MaxAttempts, aborts the whole upload. Already certified batches are not
// rolled back.
func (o *Orchestrator) Upload(
	ctx context.Context,
	blobs []*Blob,
	signer interfaces.Signer,
	epochs uint32,
) (*Result, error) {
	if signer == nil {
		return nil, errs.WithStage(errs.StageUploading, errors.New("upload: signer is required"))
	}
	res := &Result{Addresses: make([]string, len(blobs))}
	if len(blobs) == 0 {
		return res, nil
	}

	batches := split(blobs, o.batchSize)
	tick := o.progress.Counter(errs.StageUploading, len(batches), "batch certified")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxBatches)
	for i, batch := range batches {
		g.Go(func() error {
			addrs, br, err := o.runBatch(gctx, i, batch, signer, epochs)
			if err != nil {
				return err
			}

			mu.Lock()
			offset := i * o.batchSize
			copy(res.Addresses[offset:], addrs)
			res.Cost += br.Cost
			res.Batches = append(res.Batches, br)
			mu.Unlock()

			tick()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errs.WithStage(errs.StageUploading, err)
	}

	sort.Slice(res.Batches, func(a, b int) bool {
		return res.Batches[a].Index < res.Batches[b].Index
	})
	return res, nil
}

func (o *Orchestrator) runBatch(
	ctx context.Context,
	index int,
	batch []*Blob,
	signer interfaces.Signer,
	epochs uint32,
) ([]string, BatchResult, error) {
	br := BatchResult{Index: index, Size: len(batch)}
	for {
		br.Attempts++
		addrs, cost, err := o.attempt(ctx, batch, signer, epochs)
		if err == nil {
			br.Cost = cost
			for _, b := range batch {
				b.Data = nil
			}
			return addrs, br, nil
		}
		if !errors.Is(err, errs.ErrStorageNodeOverload) || br.Attempts >= o.maxAttempts {
			return nil, br, fmt.Errorf("batch %d after %d attempt(s): %w", index, br.Attempts, err)
		}

		o.log.Warn("storage node overloaded, retrying batch",
			"batch", index, "attempt", br.Attempts, "delay", o.retryDelay)
		select {
		case <-ctx.Done():
			return nil, br, ctx.Err()
		case <-time.After(o.retryDelay):
		}
	}
}

// attempt registers every blob of the batch, then certifies every handle.
func (o *Orchestrator) attempt(
	ctx context.Context,
	batch []*Blob,
	signer interfaces.Signer,
	epochs uint32,
) ([]string, uint64, error) {
	provisional := make([]interfaces.Provisional, len(batch))
	room := o.pool.CreateRoom()
	for i, b := range batch {
		err := room.NewTaskWaitForFreeSlot(ctx, func() error {
			p, err := o.network.Register(ctx, b.Data, epochs, signer)
			if err != nil {
				return fmt.Errorf("register %s: %w", b.Name, err)
			}
			provisional[i] = p
			return nil
		})
		if err != nil {
			_ = room.Wait()
			return nil, 0, err
		}
	}
	if err := room.Wait(); err != nil {
		return nil, 0, err
	}

	addrs := make([]string, len(batch))
	room = o.pool.CreateRoom()
	for i, b := range batch {
		err := room.NewTaskWaitForFreeSlot(ctx, func() error {
			addr, err := o.network.Certify(ctx, provisional[i].Handle, signer)
			if err != nil {
				return fmt.Errorf("certify %s: %w", b.Name, err)
			}
			addrs[i] = addr
			return nil
		})
		if err != nil {
			_ = room.Wait()
			return nil, 0, err
		}
	}
	if err := room.Wait(); err != nil {
		return nil, 0, err
	}

	var cost uint64
	for _, p := range provisional {
		cost += p.Cost
	}
	return addrs, cost, nil
}

func split(blobs []*Blob, size int) [][]*Blob {
	batches := make([][]*Blob, 0, (len(blobs)+size-1)/size)
	for start := 0; start < len(blobs); start += size {
		end := min(start+size, len(blobs))
		batches = append(batches, blobs[start:end])
	}
	return batches
}
