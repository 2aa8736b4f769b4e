package dataloader

import (
	"github.com/tsawler/go-fer/vision/preprocessing"
)

// NewSplitLoaders creates the training and evaluation loaders for a pair of
// datasets. They share one image cache; the training loader shuffles and
// uses the training augmentation, the evaluation loader keeps dataset order
// and only rescales.
func NewSplitLoaders(trainDataset, evalDataset Dataset, config Config) (*DataLoader, *DataLoader, error) {
	// Use the total dataset size for cache size if not specified
	cacheSize := config.MaxCacheSize
	if cacheSize == 0 {
		cacheSize = trainDataset.Len() + evalDataset.Len()
	}

	sharedCache := config.CacheManager
	if sharedCache == nil {
		var err error
		if sharedCache, err = NewCacheManager(cacheSize); err != nil {
			return nil, nil, err
		}
	}

	trainConfig := config
	trainConfig.CacheManager = sharedCache
	trainConfig.Shuffle = true
	trainConfig.Policy = preprocessing.Training()
	trainLoader, err := NewDataLoader(trainDataset, trainConfig)
	if err != nil {
		return nil, nil, err
	}

	evalConfig := config
	evalConfig.CacheManager = sharedCache
	evalConfig.Shuffle = false
	evalConfig.Policy = preprocessing.Evaluation()
	evalLoader, err := NewDataLoader(evalDataset, evalConfig)
	if err != nil {
		return nil, nil, err
	}

	return trainLoader, evalLoader, nil
}

// NewEvalLoader creates a non-shuffled, rescale-only loader
func NewEvalLoader(dataset Dataset, config Config) (*DataLoader, error) {
	config.Shuffle = false
	config.Policy = preprocessing.Evaluation()
	return NewDataLoader(dataset, config)
}
