package layers_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/repviz/layers"
)

func TestCompileComputesShapesAndParameters(t *testing.T) {
	model, err := layers.NewModelBuilder("ffn", []int{8, 4}).
		AddLayerNorm(1e-5, true, "0").
		AddDropout(0.1, "1").
		AddDense(16, true, "2").
		AddReLU("3").
		AddDense(3, false, "4").
		AddSoftmax("5").
		Compile()
	require.NoError(t, err)

	assert.True(t, model.Compiled)
	assert.Equal(t, []int{8, 3}, model.OutputShape)

	// LayerNorm 2*4, Dense 4*16+16, Dense 16*3
	assert.Equal(t, int64(8+80+48), model.TotalParameters)
	assert.Equal(t, []int{8, 16}, model.Layers[2].OutputShape)
	assert.Equal(t, 4, layers.GetIntParam(model.Layers[2].Parameters, "input_size", 0))
	assert.Contains(t, model.Summary(), "Total parameters: 136")
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *layers.ModelBuilder
	}{
		{"empty", layers.NewModelBuilder("m", []int{1, 2})},
		{"bad input shape", layers.NewModelBuilder("m", []int{2}).AddReLU("r")},
		{"dense without size", layers.NewModelBuilder("m", []int{1, 2}).AddDense(0, true, "d")},
		{"duplicate names", layers.NewModelBuilder("m", []int{1, 2}).AddReLU("a").AddTanh("a")},
		{"bad dropout", layers.NewModelBuilder("m", []int{1, 2}).AddDropout(1.5, "d")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Compile()
			assert.Error(t, err)
		})
	}
}

func TestLayerTypeFamily(t *testing.T) {
	assert.Equal(t, layers.FamilyLinear, layers.Dense.Family())
	assert.Equal(t, layers.FamilyActivation, layers.Softmax.Family())
	assert.Equal(t, layers.FamilyNormalization, layers.LayerNorm.Family())
	assert.Equal(t, layers.FamilyRegularization, layers.Dropout.Family())
	assert.Equal(t, layers.FamilyContainer, layers.Sequential.Family())
}

func TestParseLayerType(t *testing.T) {
	lt, err := layers.ParseLayerType("layernorm")
	require.NoError(t, err)
	assert.Equal(t, layers.LayerNorm, lt)

	_, err = layers.ParseLayerType("Conv9D")
	assert.Error(t, err)
}

func TestModelSpecJSONRoundTripKeepsParams(t *testing.T) {
	model, err := layers.NewModelBuilder("m", []int{2, 3}).AddDense(5, true, "fc").Compile()
	require.NoError(t, err)

	raw, err := json.Marshal(model)
	require.NoError(t, err)

	var decoded layers.ModelSpec
	require.NoError(t, json.Unmarshal(raw, &decoded))

	// JSON numbers decode as float64; the param helpers accept both.
	assert.Equal(t, 5, layers.GetIntParam(decoded.Layers[0].Parameters, "output_size", 0))
	assert.True(t, layers.GetBoolParam(decoded.Layers[0].Parameters, "use_bias", false))
}

func TestComplexityCountsMACsPerSample(t *testing.T) {
	model, err := layers.NewModelBuilder("ffn", []int{4, 3}).
		AddDense(5, true, "0").
		AddReLU("1").
		AddLayerNorm(1e-5, true, "2").
		AddDense(2, false, "3").
		AddDropout(0.1, "4").
		Compile()
	require.NoError(t, err)

	c, err := model.Complexity()
	require.NoError(t, err)

	macs := make(map[string]int64)
	for _, l := range c.Layers {
		macs[l.Name] = l.MACs
	}
	// 3*5 weights plus 5 biases, then one per feature, two for affine norm
	assert.Equal(t, map[string]int64{"0": 20, "1": 5, "2": 10, "3": 10, "4": 0}, macs)
	assert.Equal(t, int64(45), c.MACs)
	assert.Equal(t, int64(90), c.FLOPs)
	assert.Equal(t, model.TotalParameters, c.Params)
	assert.Equal(t, int64(40), c.Params)
	assert.Equal(t, 4, c.BatchSize)
	assert.InDelta(t, 90*4/1e12, c.TFLOPs, 1e-24)
}

func TestComplexitySurvivesJSON(t *testing.T) {
	model, err := layers.NewModelBuilder("m", []int{2, 4}).
		AddLayerNorm(1e-5, false, "n").
		AddDense(3, true, "d").
		Compile()
	require.NoError(t, err)

	data, err := json.Marshal(model)
	require.NoError(t, err)
	var decoded layers.ModelSpec
	require.NoError(t, json.Unmarshal(data, &decoded))

	want, err := model.Complexity()
	require.NoError(t, err)
	got, err := decoded.Complexity()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int64(4+15), got.MACs)
}

func TestComplexityRequiresCompiledModel(t *testing.T) {
	_, err := (&layers.ModelSpec{Name: "raw"}).Complexity()
	assert.Error(t, err)
}
