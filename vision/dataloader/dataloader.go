// Package dataloader streams preprocessed, augmented image batches from a
// dataset in an endless sequence of passes.
package dataloader

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-fer/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Batch is one step's worth of samples. Images are NCHW in [0, 1], OneHot is
// [Size, NumClasses].
type Batch struct {
	Images []float32
	OneHot []float32
	Labels []int32
	Paths  []string
	Size   int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	MaxCacheSize int // Maximum number of images to cache
	ImageSize    int
	NumClasses   int
	NumWorkers   int // Number of parallel workers for preprocessing
	Policy       preprocessing.Policy
	Seed         int64
	CacheManager *CacheManager // Optional shared cache manager
}

// DataLoader yields batches forever: when a pass over the dataset ends the
// next call starts a new one, reshuffling first when Shuffle is set.
// Without shuffling every pass visits the items in dataset order.
type DataLoader struct {
	dataset Dataset
	config  Config

	mu       sync.Mutex
	indices  []int
	position int
	epoch    int
	rng      *rand.Rand

	cacheManager *CacheManager
	processor    *preprocessing.ImageProcessor
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.NumClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", config.NumClasses)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.GOMAXPROCS(0)
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000 // Default cache size
	}
	if config.Policy == (preprocessing.Policy{}) {
		config.Policy = preprocessing.Evaluation()
	}

	// Use provided cache manager or create a new one
	cacheManager := config.CacheManager
	if cacheManager == nil {
		var err error
		cacheManager, err = NewCacheManager(config.MaxCacheSize)
		if err != nil {
			return nil, err
		}
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:      dataset,
		config:       config,
		indices:      indices,
		rng:          rand.New(rand.NewSource(config.Seed)),
		cacheManager: cacheManager,
		processor:    preprocessing.NewImageProcessor(config.ImageSize),
	}
	dl.shuffle()
	return dl, nil
}

func (dl *DataLoader) shuffle() {
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Reset restarts the pass from the beginning
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	dl.shuffle()
}

// Len returns the number of samples in one pass
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.config.BatchSize
}

// NumClasses returns the width of the one-hot labels
func (dl *DataLoader) NumClasses() int {
	return dl.config.NumClasses
}

// StepsPerEpoch returns the number of batches in one pass
func (dl *DataLoader) StepsPerEpoch() int {
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Epoch returns the number of completed passes
func (dl *DataLoader) Epoch() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.epoch
}

// Next returns the next batch. The last batch of a pass may be short; the
// call after it starts a new pass.
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	dl.mu.Lock()
	if dl.position >= len(dl.indices) {
		dl.position = 0
		dl.epoch++
		dl.shuffle()
	}
	end := dl.position + dl.config.BatchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	items := append([]int(nil), dl.indices[dl.position:end]...)
	dl.position = end

	var seeds []int64
	if dl.config.Policy.Random() {
		seeds = make([]int64, len(items))
		for i := range seeds {
			seeds[i] = dl.rng.Int63()
		}
	}
	dl.mu.Unlock()

	return dl.load(ctx, items, seeds)
}

// load prepares the items in parallel, keeping their order in the batch
func (dl *DataLoader) load(ctx context.Context, items []int, seeds []int64) (*Batch, error) {
	size := dl.config.ImageSize
	pixels := preprocessing.Channels * size * size
	classes := dl.config.NumClasses

	batch := &Batch{
		Images: make([]float32, len(items)*pixels),
		OneHot: make([]float32, len(items)*classes),
		Labels: make([]int32, len(items)),
		Paths:  make([]string, len(items)),
		Size:   len(items),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.config.NumWorkers)
	for i, idx := range items {
		i, idx := i, idx
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path, label, err := dl.dataset.GetItem(idx)
			if err != nil {
				return err
			}
			if label < 0 || label >= classes {
				return fmt.Errorf("item %d (%s) has label %d outside [0, %d)", idx, path, label, classes)
			}
			data, err := dl.loadImageWithCache(path)
			if err != nil {
				return err
			}

			var rng *rand.Rand
			if seeds != nil {
				rng = rand.New(rand.NewSource(seeds[i]))
			}
			out := dl.config.Policy.Apply(data, preprocessing.Channels, size, size, rng)

			copy(batch.Images[i*pixels:(i+1)*pixels], out)
			batch.OneHot[i*classes+label] = 1
			batch.Labels[i] = int32(label)
			batch.Paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "failed to load batch")
	}
	return batch, nil
}

// loadImageWithCache returns the resized, unaugmented image at imagePath
func (dl *DataLoader) loadImageWithCache(imagePath string) ([]float32, error) {
	// Check cache first
	if cachedData, exists := dl.cacheManager.Get(imagePath); exists {
		return cachedData, nil
	}

	processedImg, err := dl.processor.LoadFile(imagePath)
	if err != nil {
		return nil, err
	}

	// Cache the result
	dl.cacheManager.Put(imagePath, processedImg.Data)
	return processedImg.Data, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// Progress returns the current progress through the pass
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// ClearCache empties the image cache. A shared cache is emptied for every
// loader using it.
func (dl *DataLoader) ClearCache() {
	dl.cacheManager.Clear()
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
