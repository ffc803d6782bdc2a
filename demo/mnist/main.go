// Command mnist trains a normalizing flow on MNIST digits
// and renders a sheet of samples from the model.
package main

import (
	"flag"
	"image"
	"image/color"
	"image/png"
	"log"
	"math"
	"os"

	"github.com/unixpickle/anyflow"
	"github.com/unixpickle/anyflow/anynll"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/mnist"
	"github.com/unixpickle/rip"
	"github.com/unixpickle/serializer"
)

var Creator anyvec.Creator

func main() {
	var flowFile string
	var sheetFile string
	var batchSize int
	var stepSize float64
	flag.StringVar(&flowFile, "out", "flow_out", "checkpoint file")
	flag.StringVar(&sheetFile, "samples", "samples.png", "sample sheet file")
	flag.IntVar(&batchSize, "batch", 64, "batch size")
	flag.Float64Var(&stepSize, "step", 0.001, "step size")
	flag.Parse()

	log.Println("Setting up...")

	// The flow's log-density ops require float64 vectors.
	Creator = anyvec64.DefaultCreator{}

	flow := loadOrCreateFlow(flowFile)

	t := &anynll.Trainer{
		Flow:    flow,
		Params:  flow.Parameters(),
		Average: true,
	}

	var iterNum int
	s := &anysgd.SGD{
		Fetcher:     t,
		Gradienter:  t,
		Transformer: &anysgd.Adam{},
		Samples:     trainingSamples(),
		Rater:       anysgd.ConstRater(stepSize),
		StatusFunc: func(b anysgd.Batch) {
			log.Printf("iter %d: bits/dim=%v", iterNum, t.LastCost)
			iterNum++
		},
		BatchSize: batchSize,
	}

	log.Println("Press ctrl+c once to stop...")
	s.Run(rip.NewRIP().Chan())

	log.Println("Saving flow...")
	data, err := serializer.SerializeAny(flow)
	if err != nil {
		essentials.Die(err)
	}
	if err := os.WriteFile(flowFile, data, 0644); err != nil {
		essentials.Die(err)
	}

	log.Println("Drawing samples...")
	if err := saveSampleSheet(sheetFile, flow, 8); err != nil {
		essentials.Die(err)
	}
}

func loadOrCreateFlow(path string) *anyflow.ImageFlow {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Println("Creating new flow...")
		return anyflow.NewSimpleFlow(Creator, 28, 28, 1, true)
	} else if err != nil {
		essentials.Die(err)
	}
	log.Println("Using existing flow.")
	var flow *anyflow.ImageFlow
	if err := serializer.DeserializeAny(data, &flow); err != nil {
		essentials.Die(err)
	}
	return flow
}

func trainingSamples() anynll.SliceSampleList {
	ds := mnist.LoadTrainingDataSet()
	res := make(anynll.SliceSampleList, len(ds.Samples))
	for i, x := range ds.Samples {
		data := make([]float64, len(x.Intensities))
		for j, v := range x.Intensities {
			data[j] = math.Round(v * 255)
		}
		res[i] = &anynll.Sample{
			Input: Creator.MakeVectorData(Creator.MakeNumericList(data)),
		}
	}
	return res
}

func saveSampleSheet(path string, flow *anyflow.ImageFlow, rows int) error {
	count := rows * rows
	data := flow.Sample(Creator, count).Data().([]float64)
	img := image.NewGray(image.Rect(0, 0, rows*flow.Width, rows*flow.Height))
	for i := 0; i < count; i++ {
		ox := (i % rows) * flow.Width
		oy := (i / rows) * flow.Height
		for y := 0; y < flow.Height; y++ {
			for x := 0; x < flow.Width; x++ {
				v := data[(i*flow.Height+y)*flow.Width+x]
				img.SetGray(ox+x, oy+y, color.Gray{Y: uint8(v)})
			}
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
