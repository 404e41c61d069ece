package training

import (
	"github.com/tsawler/repviz/tensor"
)

// Accuracy returns the fraction of rows whose argmax equals the label.
func Accuracy(output, labels *tensor.Tensor) float64 {
	if output.IsEmpty() || labels.IsEmpty() || output.Rows() != len(labels.Data) {
		return 0
	}
	correct := 0
	for i := 0; i < output.Rows(); i++ {
		if argmax(output.Row(i)) == int(labels.Data[i]) {
			correct++
		}
	}
	return float64(correct) / float64(output.Rows())
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
