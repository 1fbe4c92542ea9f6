// Package dataset loads a directory of images, annotates them with the scores of a base classifier (the ground
// scores and classes the saliency weights are trained to keep) and serves them as a train.Dataset.
//
// Usage:
//
//	images, err := dataset.New(dir).ImageSize(224).BatchSize(32).Preprocessing(resnet50.Preprocess).Done()
//	err = images.Annotate(backend, model.BaseScores)
//	ds, err := images.Dataset()
package dataset

import (
	"image"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/saliencylab/hafnet/internal/workerspool"
	"k8s.io/klog/v2"
)

// Extensions of the image files loaded. Case is ignored.
var Extensions = []string{".jpg", ".jpeg", ".png"}

// Config for loading a directory of images. Create it with New, and finish with Done.
type Config struct {
	dir           string
	imageSize     int
	batchSize     int
	prefetch      int
	shuffle       bool
	preprocessing func(images *graph.Node) *graph.Node
}

// New starts the configuration of a dataset with the images in dir.
func New(dir string) *Config {
	return &Config{
		dir:       dir,
		imageSize: 224,
		batchSize: 32,
		prefetch:  4,
		shuffle:   true,
	}
}

// ImageSize of the square images served. Images are resized and center-cropped to it. Default is 224.
func (c *Config) ImageSize(size int) *Config {
	c.imageSize = size
	return c
}

// BatchSize served by the dataset. The last batch of an epoch may be smaller. Default is 32.
func (c *Config) BatchSize(size int) *Config {
	c.batchSize = size
	return c
}

// Prefetch sets the number of batches prepared in parallel with training. If 0 there is no prefetching.
// Default is 4.
func (c *Config) Prefetch(n int) *Config {
	c.prefetch = n
	return c
}

// Shuffle the examples at every epoch. Default is true.
func (c *Config) Shuffle(shuffle bool) *Config {
	c.shuffle = shuffle
	return c
}

// Preprocessing sets a graph function applied to the images (RGB, values from 0 to 255) before they are given to
// the network. It runs once, in Annotate.
func (c *Config) Preprocessing(fn func(images *graph.Node) *graph.Node) *Config {
	c.preprocessing = fn
	return c
}

// Done loads the image files of the directory.
func (c *Config) Done() (*Images, error) {
	if c.imageSize <= 0 || c.batchSize <= 0 {
		return nil, errors.Errorf("invalid image size %d or batch size %d", c.imageSize, c.batchSize)
	}
	names, originals, err := LoadFiles(c.dir, c.imageSize)
	if err != nil {
		return nil, err
	}
	if needed, total := InputsBytes(len(names), c.imageSize), memory.TotalMemory(); total > 0 && needed > total/2 {
		klog.Warningf("the %d images of %q take %s as float32 inputs, more than half of the system memory (%s)",
			len(names), c.dir, humanize.Bytes(needed), humanize.Bytes(total))
	}
	return &Images{
		config:    *c,
		Names:     names,
		Originals: originals,
		Inputs:    timages.ToTensor(dtypes.Float32).MaxValue(255).Batch(originals),
	}, nil
}

// InputsBytes is the memory taken by numImages network inputs of size x size RGB pixels, stored as float32.
func InputsBytes(numImages, size int) uint64 {
	return uint64(numImages) * uint64(size*size*3) * 4
}

// LoadFiles reads all the images in dir (see Extensions), sorted by file name, resized and center-cropped to
// size x size. Names are the file names without extension.
func LoadFiles(dir string, size int) (names []string, loaded []image.Image, err error) {
	dir, err = fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading images directory %q", dir)
	}
	var files []string
	for _, entry := range entries {
		ext := strings.ToLower(path.Ext(entry.Name()))
		if entry.IsDir() || !slices.Contains(Extensions, ext) {
			continue
		}
		files = append(files, entry.Name())
		names = append(names, strings.TrimSuffix(entry.Name(), path.Ext(entry.Name())))
	}
	loaded = make([]image.Image, len(files))
	err = workerspool.Map(workerspool.New(), len(files), func(ii int) error {
		filePath := path.Join(dir, files[ii])
		img, err := imaging.Open(filePath)
		if err != nil {
			return errors.Wrapf(err, "loading image %q", filePath)
		}
		loaded[ii] = imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(loaded) == 0 {
		return nil, nil, errors.Errorf("no images (%v) found in %q", Extensions, dir)
	}
	klog.V(1).Infof("loaded %d images from %s", len(loaded), dir)
	return names, loaded, nil
}

// Images loaded from a directory.
type Images struct {
	config  Config
	backend backends.Backend

	// Names of the images: their file names without extension.
	Names []string

	// Originals are the images resized to the configured size, as they are shown.
	Originals []image.Image

	// Inputs to the network, shaped [numImages, size, size, 3]. They are preprocessed by Annotate.
	Inputs *tensors.Tensor

	// GroundScores, shaped [numImages, numClasses], and GroundClasses (the argmax of the scores), shaped
	// [numImages], are set by Annotate.
	GroundScores, GroundClasses *tensors.Tensor
}

// NumImages loaded.
func (imgs *Images) NumImages() int { return len(imgs.Names) }

// ScoresFn returns the scores of a batch of network inputs.
type ScoresFn func(inputs *tensors.Tensor) (*tensors.Tensor, error)

// Annotate preprocesses the images, if a preprocessing was configured, and then sets their ground scores and
// classes with scoresFn, called once per batch.
func (imgs *Images) Annotate(backend backends.Backend, scoresFn ScoresFn) error {
	imgs.backend = backend
	if imgs.config.preprocessing != nil {
		preprocessed, err := graph.ExecOnce(backend, imgs.config.preprocessing, imgs.Inputs)
		if err != nil {
			return errors.WithMessage(err, "preprocessing images")
		}
		imgs.Inputs = preprocessed
	}

	numImages := imgs.NumImages()
	inputsDims := imgs.Inputs.Shape().Dimensions
	exampleSize := imgs.Inputs.Shape().Size() / numImages
	flatInputs := tensors.MustCopyFlatData[float32](imgs.Inputs)
	var scores []float32
	numClasses := 0
	for start := 0; start < numImages; start += imgs.config.batchSize {
		end := min(start+imgs.config.batchSize, numImages)
		batchDims := append([]int{end - start}, inputsDims[1:]...)
		batch := tensors.FromFlatDataAndDimensions(flatInputs[start*exampleSize:end*exampleSize], batchDims...)
		batchScores, err := scoresFn(batch)
		if err != nil {
			return errors.WithMessagef(err, "scoring images %d to %d", start, end-1)
		}
		if batchScores.Rank() != 2 || batchScores.Shape().Dim(0) != end-start {
			return errors.Errorf("scores of a batch of %d images shaped %s, wanted [%d, numClasses]",
				end-start, batchScores.Shape(), end-start)
		}
		numClasses = batchScores.Shape().Dim(1)
		scores = append(scores, tensors.MustCopyFlatData[float32](batchScores)...)
		_ = batchScores.FinalizeAll()
	}
	imgs.GroundScores = tensors.FromFlatDataAndDimensions(scores, numImages, numClasses)
	imgs.GroundClasses = tensors.FromValue(ArgMax(scores, numClasses))
	return nil
}

// ArgMax returns the index of the highest score of each row of the flat [numRows, numClasses] scores.
// Ties are resolved to the lowest index.
func ArgMax(scores []float32, numClasses int) []int32 {
	classes := make([]int32, len(scores)/numClasses)
	for row := range classes {
		rowScores := scores[row*numClasses : (row+1)*numClasses]
		best := 0
		for ii, score := range rowScores {
			if score > rowScores[best] {
				best = ii
			}
		}
		classes[row] = int32(best)
	}
	return classes
}

// Dataset returns a train.Dataset that yields batches of the annotated images: one input (the preprocessed images)
// and two labels (the ground scores and the ground classes). Each epoch ends with io.EOF, and the examples are
// reshuffled at each Reset, if so configured.
func (imgs *Images) Dataset() (*Dataset, error) {
	if imgs.GroundScores == nil {
		return nil, errors.New("images not annotated, call Annotate before Dataset")
	}
	inMemory, err := datasets.InMemoryFromData(imgs.backend, path.Base(imgs.config.dir)+"_images",
		[]any{imgs.Inputs}, []any{imgs.GroundScores, imgs.GroundClasses})
	if err != nil {
		return nil, errors.WithMessage(err, "creating in-memory dataset")
	}
	inMemory = inMemory.BatchSize(imgs.config.batchSize, false)
	if imgs.config.shuffle {
		inMemory = inMemory.Shuffle()
	}
	ds := &Dataset{
		Dataset:    inMemory,
		numBatches: (imgs.NumImages() + imgs.config.batchSize - 1) / imgs.config.batchSize,
	}
	if imgs.config.prefetch > 0 {
		ds.parallel = datasets.CustomParallel(inMemory).Parallelism(1).Buffer(imgs.config.prefetch).Start()
		ds.Dataset = ds.parallel
	}
	return ds, nil
}

// Dataset of annotated images, with a known number of batches per epoch.
type Dataset struct {
	train.Dataset
	numBatches int
	parallel   *datasets.ParallelDataset
}

// NumBatches per epoch.
func (ds *Dataset) NumBatches() int { return ds.numBatches }

// Done stops the prefetching goroutines, if any, and waits for them to finish. The dataset can't be used
// afterwards.
func (ds *Dataset) Done() {
	if ds.parallel != nil {
		ds.parallel.Done()
		ds.parallel = nil
	}
}
