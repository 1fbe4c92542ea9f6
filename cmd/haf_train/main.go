// haf_train trains the saliency weights of a pretrained ResNet50 on a directory of images, and saves the trained
// weights, the loss plot and the saliency maps of each image.
//
// The backend is selected with the GOMLX_BACKEND environment variable, e.g. GOMLX_BACKEND="xla:cuda".
package main

import (
	"flag"
	"fmt"
	"path"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/saliencylab/hafnet/pkg/dataset"
	"github.com/saliencylab/hafnet/pkg/haf"
	"github.com/saliencylab/hafnet/pkg/resnet50"
	"github.com/saliencylab/hafnet/pkg/saliency"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/haf", "Directory with the datasets (one sub-directory of images each) "+
		"and where the ResNet50 weights are downloaded.")
	flagDataset = flag.String("dataset", "imagenet_sample", "Name of the dataset: the images are read from <data>/<dataset>.")
	flagWeights = flag.String("weights", "~/work/haf/weights", "Directory where the trained saliency weights and "+
		"loss plots are saved, in a sub-directory named after the hyperparameters.")
	flagSaliencyMaps = flag.String("smaps", "~/work/haf/saliency_maps", "Directory where the saliency maps are saved, "+
		"in a sub-directory named after the hyperparameters.")
	flagLayers = flag.String("layers", resnet50.DefaultSaliencyPattern, "Comma separated regular expressions "+
		"matching the ResNet50 layers where saliency layers are inserted.")
	flagRestore = flag.Bool("restore", false, "Restore previously trained saliency weights instead of training. "+
		"If they can't be restored, they are trained.")

	// Hyperparameters: if given they override the ones in -set.
	flagEpochs    = flag.Int("epochs", 30, "Number of epochs to train.")
	flagLR        = flag.Float64("lr", 0.05, "Learning rate.")
	flagBatchSize = flag.Int("batch_size", 32, "Batch size.")
	flagLossSC    = flag.Bool("loss_sc", true, "Compare only the score of the ground class, instead of all scores.")
	flagAfter     = flag.Bool("after", true, "Insert saliency layers after the matched layers, instead of before.")
	flagReg       = flag.Float64("reg", 0.5, "L1 regularization factor of the saliency weights.")
)

// flagsToParams maps the hyperparameter flags to the context parameters they set.
var flagsToParams = map[string]func(ctx *context.Context){
	"epochs":     func(ctx *context.Context) { ctx.SetParam(haf.ParamEpochs, *flagEpochs) },
	"lr":         func(ctx *context.Context) { ctx.SetParam(optimizers.ParamLearningRate, *flagLR) },
	"batch_size": func(ctx *context.Context) { ctx.SetParam(haf.ParamBatchSize, *flagBatchSize) },
	"reg":        func(ctx *context.Context) { ctx.SetParam(haf.ParamRegularization, *flagReg) },
	"loss_sc": func(ctx *context.Context) {
		loss := haf.LossFull
		if *flagLossSC {
			loss = haf.LossScoreClass
		}
		ctx.SetParam(haf.ParamLoss, loss.String())
	},
	"after": func(ctx *context.Context) {
		position := saliency.Before
		if *flagAfter {
			position = saliency.After
		}
		ctx.SetParam(haf.ParamPosition, position.String())
	},
}

func main() {
	ctx := haf.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	flag.Visit(func(f *flag.Flag) {
		if setParam, found := flagsToParams[f.Name]; found {
			setParam(ctx)
			paramsSet = append(paramsSet, f.Name)
		}
	})
	if len(paramsSet) > 0 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	if err := run(ctx); err != nil {
		klog.Fatalf("haf_train failed: %+v", err)
	}
}

func run(ctx *context.Context) error {
	dataDir := must.M1(fsutil.ReplaceTildeInDir(*flagDataDir))
	cfg, err := haf.TrainConfigFromContext(ctx)
	if err != nil {
		return err
	}
	cfg.ProgressBar = true
	position, err := saliency.ParsePosition(context.GetParamOr(ctx, haf.ParamPosition, saliency.After.String()))
	if err != nil {
		return err
	}
	batchSize := context.GetParamOr(ctx, haf.ParamBatchSize, 32)
	runName := haf.RunName(*flagDataset, cfg.Epochs, cfg.LearningRate, batchSize, cfg.Loss, position, cfg.Regularization)
	weightsDir := path.Join(must.M1(fsutil.ReplaceTildeInDir(*flagWeights)), runName)
	saliencyMapsDir := path.Join(must.M1(fsutil.ReplaceTildeInDir(*flagSaliencyMaps)), runName)

	backend, err := backends.New()
	if err != nil {
		return err
	}
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	// Base model: ResNet50 with the pretrained ImageNet weights.
	if err := resnet50.DownloadAndUnpackWeights(dataDir); err != nil {
		return err
	}
	base := resnet50.New()
	if err := resnet50.LoadWeights(ctx, dataDir, base); err != nil {
		return err
	}
	model, err := haf.New(backend, ctx, base)
	if err != nil {
		return err
	}
	defer model.Finalize()
	model.FreezeBase()

	// Images annotated with the scores of the base model.
	fmt.Println("Loading images...")
	images, err := dataset.New(path.Join(dataDir, *flagDataset)).
		ImageSize(resnet50.ImageSize).
		BatchSize(batchSize).
		Prefetch(context.GetParamOr(ctx, haf.ParamPrefetch, 4)).
		Preprocessing(resnet50.Preprocess).
		Done()
	if err != nil {
		return err
	}
	if err := images.Annotate(backend, model.BaseScores); err != nil {
		return err
	}
	fmt.Printf("Loaded %d images.\n", images.NumImages())

	if err := model.InsertSaliencyLayers(strings.Split(*flagLayers, ","), position); err != nil {
		return err
	}
	fmt.Println(model.Insertion().Summary())

	restoreFailed := true
	if *flagRestore {
		restoreFailed = model.RestoreTrainableVariables(weightsDir)
		if !restoreFailed {
			fmt.Printf("Restored saliency weights from %s\n", weightsDir)
		}
	}
	if restoreFailed {
		ds, err := images.Dataset()
		if err != nil {
			return err
		}
		err = model.Train(ds, cfg)
		ds.Done()
		if err != nil {
			return err
		}
		if err := model.PlotLoss(weightsDir); err != nil {
			return err
		}
		fmt.Println(model.EpochLossesTable())
		if err := model.SaveTrainableVariables(weightsDir); err != nil {
			return err
		}
	}
	return model.SaveSaliencyMaps(images.Originals, images.Inputs, images.Names, saliencyMapsDir)
}
