package main

import (
	"context"
	"math/rand"
	"os"
	"sort"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"

	"github.com/nvr-ai/go-hoi/common"
	"github.com/nvr-ai/go-hoi/config"
	"github.com/nvr-ai/go-hoi/features"
	"github.com/nvr-ai/go-hoi/interaction"
	"github.com/nvr-ai/go-hoi/models"
	"github.com/nvr-ai/go-hoi/nn"
	"github.com/nvr-ai/go-hoi/profiler"
	"github.com/nvr-ai/go-hoi/util"
)

// Strides of the synthetic pyramid levels relative to the image.
const (
	roiStride    = 8
	globalStride = 32
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	logger, err := logs.NewLog()
	check(err)
	defer logger.Close()

	parser := argparse.NewParser("hoi", "Score human-object interactions over per-image detection files")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML configuration file (defaults to the built-in configuration)"})
	dataset := parser.Selector("", "dataset", []string{string(models.DatasetHICODet), string(models.DatasetVCOCO)},
		&argparse.Options{Help: "Dataset class layout, used without --config", Default: string(models.DatasetHICODet)})
	corrFile := parser.String("m", "correspondence", &argparse.Options{Help: "YAML object to interaction class mapping", Required: true})
	detDir := parser.String("d", "detections", &argparse.Options{Help: "Directory of per-image detection JSON files", Required: true})
	height := parser.Int("", "height", &argparse.Options{Help: "Image height when a file does not give one", Default: 480})
	width := parser.Int("", "width", &argparse.Options{Help: "Image width when a file does not give one", Default: 640})
	seed := parser.Int("s", "seed", &argparse.Options{Help: "Seed of the synthetic feature pyramid", Default: 1})
	top := parser.Int("n", "top", &argparse.Options{Help: "Predictions to log per image", Default: 5})
	err = parser.Parse(os.Args)
	if err != nil {
		logger.Errorf("%v", parser.Usage(err))
		os.Exit(1)
	}

	props, err := models.LookupDataset(models.Dataset(*dataset))
	check(err)
	cfg := config.ForDataset(props)
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			logger.Errorf("Failed to load config: %v", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	corr, err := models.LoadCorrespondence(*corrFile)
	if err != nil {
		logger.Errorf("Failed to load correspondence: %v", err)
		os.Exit(1)
	}

	files, err := util.LoadDetectionFiles(*detDir)
	if err != nil {
		logger.Errorf("Failed to load detections from '%v': %v", *detDir, err)
		os.Exit(1)
	}
	if len(files) == 0 {
		logger.Warnf("No detection files in '%v'", *detDir)
		return
	}

	batch := interaction.Batch{}
	for _, f := range files {
		d, err := f.Detections()
		if err != nil {
			logger.Errorf("Invalid detections: %v", err)
			os.Exit(1)
		}
		batch.Detections = append(batch.Detections, d)
		batch.Shapes = append(batch.Shapes, f.Shape(common.ImageShape{Height: *height, Width: *width}))
	}
	batch.Pyramid = syntheticPyramid(rand.New(rand.NewSource(int64(*seed))), cfg, batch.Shapes)

	prof := profiler.New(0)
	head, err := interaction.New(cfg, corr, nn.NewParams(), interaction.Options{Logger: logger, Profiler: prof})
	if err != nil {
		logger.Errorf("Failed to create the interaction head: %v", err)
		os.Exit(1)
	}

	out, err := head.Forward(context.Background(), batch, interaction.Eval)
	if err != nil {
		logger.Errorf("Forward pass failed: %v", err)
		os.Exit(1)
	}
	defer out.Close()

	for i, r := range out.Results {
		logResult(logger, files[i].Path, props.Name, r, *top)
	}
	prof.Emit(logger)
}

// syntheticPyramid stands in for a backbone: one random map per image at the
// pooling level and the global level.
func syntheticPyramid(rng *rand.Rand, cfg config.Config, shapes []common.ImageShape) features.Pyramid {
	roi := features.Level{Name: cfg.RoIFeatureLevel}
	global := features.Level{Name: cfg.GlobalFeatureLevel}
	for _, s := range shapes {
		roi.Maps = append(roi.Maps, randomMap(rng, cfg.OutChannels, s, roiStride))
		global.Maps = append(global.Maps, randomMap(rng, cfg.OutChannels, s, globalStride))
	}
	if roi.Name == global.Name {
		return features.Pyramid{Levels: []features.Level{roi}}
	}
	return features.Pyramid{Levels: []features.Level{roi, global}}
}

func randomMap(rng *rand.Rand, channels int, s common.ImageShape, stride int) features.Map {
	m := features.Map{
		Channels: channels,
		Height:   max(1, s.Height/stride),
		Width:    max(1, s.Width/stride),
	}
	m.Data = make([]float32, m.Channels*m.Height*m.Width)
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64())
	}
	return m
}

func logResult(logger logs.Log, path string, dataset models.Dataset, r interaction.Result, top int) {
	order := make([]int, len(r.Scores))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return r.Scores[order[a]] > r.Scores[order[b]]
	})
	if len(order) > top {
		order = order[:top]
	}

	logger.Infof("%v: %v pairs, %v scored entries", path, len(r.BoxesH), len(r.Scores))
	for _, e := range order {
		p := r.Index[e]
		logger.Infof("  human %v -> %v %v: interaction %v score %.4f (interactiveness %.4f)",
			r.BoxesH[p], models.LookupName(dataset, r.Object[p]), r.BoxesO[p],
			r.Prediction[e], r.Scores[e], r.Weights[p])
	}
}
