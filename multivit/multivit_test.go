package multivit

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multivit/adapters"
	"github.com/gomlx/multivit/trees"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, NewConfig().Validate())

	c := NewConfig()
	c.NumHeads = 7 // 768 % 7 != 0
	require.Error(t, c.Validate())

	c = NewConfig()
	c.DropPathRate = 1.0
	require.Error(t, c.Validate())

	c = NewConfig()
	c.NumGlobalTokens = -1
	require.Error(t, c.Validate())
}

func TestNewConfigFromCheckpoint(t *testing.T) {
	params := trees.New[*tensors.Tensor]()
	require.NoError(t, params.Set(trees.Path{"global_tokens"},
		tensors.FromShape(shapes.Make(dtypes.Float32, 1, 2, 384))))
	for _, layer := range []string{"layer_0", "layer_1", "layer_2"} {
		require.NoError(t, params.Set(trees.Path{"encoder", layer, "attn", "qkv", "weights"},
			tensors.FromShape(shapes.Make(dtypes.Float32, 384, 3*384))))
	}

	c, err := NewConfigFromCheckpoint(params)
	require.NoError(t, err)
	require.Equal(t, 384, c.DimTokens)
	require.Equal(t, 2, c.NumGlobalTokens)
	require.Equal(t, 3, c.NumLayers)
	require.Equal(t, dtypes.Float32, c.DType)
	require.NoError(t, c.Validate())

	empty := trees.New[*tensors.Tensor]()
	_, err = NewConfigFromCheckpoint(empty)
	require.Error(t, err)
}

func TestBuildInputInfo(t *testing.T) {
	info := buildInputInfo([]string{"depth", "rgb"},
		map[string]int{"rgb": 484, "depth": 484}, 1, 352, 352)
	require.Equal(t, 1, info.NumGlobalTokens)
	require.Equal(t, 968, info.NumTaskTokens)
	require.Equal(t, adapters.TokenRange{Start: 0, End: 484}, info.Tasks["depth"])
	require.Equal(t, adapters.TokenRange{Start: 484, End: 968}, info.Tasks["rgb"])
	require.Equal(t, []string{"depth", "rgb"}, info.Order)
	require.Equal(t, 352, info.ImageHeight)
	require.Equal(t, 352, info.ImageWidth)
}

// testBackend creates a backend, or skips the test when none is available.
func testBackend(t *testing.T) backends.Backend {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.New() })
	if err != nil {
		t.Skipf("no backend available: %v", err)
	}
	return backend
}

// smallModel builds a tiny RGB+depth model that runs quickly in tests.
func smallModel(t *testing.T, withDecoder bool) *MultiViT {
	config := NewConfig()
	config.DimTokens = 64
	config.NumLayers = 2
	config.NumHeads = 4
	config.NumGlobalTokens = 1

	inputs := map[string]adapters.InputAdapter{
		"rgb":   adapters.NewPatchedInput(3, 8, 32),
		"depth": adapters.NewPatchedInput(1, 8, 32),
	}
	var outputs map[string]adapters.OutputAdapter
	if withDecoder {
		decoder := adapters.NewConvNeXt(1, 8, "rgb", "depth")
		decoder.EmbedDim = 256
		decoder.Depth = 2
		outputs = map[string]adapters.OutputAdapter{"semseg": decoder}
	}
	model, err := New(testBackend(t), config, inputs, outputs)
	require.NoError(t, err)
	return model
}

func TestForward(t *testing.T) {
	model := smallModel(t, true)

	rgb := tensors.FromScalarAndDimensions(float32(0.5), 2, 3, 32, 32)
	depth := tensors.FromScalarAndDimensions(float32(0.5), 2, 1, 32, 32)
	outputs, err := model.Forward(map[string]*tensors.Tensor{"rgb": rgb, "depth": depth})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, []int{2, 1, 32, 32}, outputs["semseg"].Shape().Dimensions)

	_, err = model.Forward(map[string]*tensors.Tensor{"rgb": rgb})
	require.Error(t, err, "missing modalities must be rejected")

	_, err = model.Forward(map[string]*tensors.Tensor{"rgb": rgb, "thermal": depth})
	require.Error(t, err, "unknown modalities must be rejected")
}

func TestForwardAllLayers(t *testing.T) {
	model := smallModel(t, false)

	rgb := tensors.FromScalarAndDimensions(float32(0.5), 1, 3, 32, 32)
	depth := tensors.FromScalarAndDimensions(float32(0.5), 1, 1, 32, 32)
	layerOutputs, err := model.ForwardAllLayers(map[string]*tensors.Tensor{"rgb": rgb, "depth": depth})
	require.NoError(t, err)
	require.Len(t, layerOutputs, 2)
	// 1 global token + 16 tokens per modality.
	for _, tokens := range layerOutputs {
		require.Equal(t, []int{1, 33, 64}, tokens.Shape().Dimensions)
	}

	// Without output adapters, Forward returns the final token sequence.
	outputs, err := model.Forward(map[string]*tensors.Tensor{"rgb": rgb, "depth": depth})
	require.NoError(t, err)
	require.Equal(t, []int{1, 33, 64}, outputs["tokens"].Shape().Dimensions)
}

func TestForwardRGB(t *testing.T) {
	config := NewConfig()
	config.DimTokens = 64
	config.NumLayers = 1
	config.NumHeads = 4

	inputs := map[string]adapters.InputAdapter{
		"rgb": adapters.NewPatchedInput(3, 8, 32),
	}
	model, err := New(testBackend(t), config, inputs, nil)
	require.NoError(t, err)

	rgb := tensors.FromScalarAndDimensions(float32(0.5), 1, 3, 32, 32)
	outputs, err := model.ForwardRGB(rgb)
	require.NoError(t, err)
	require.Equal(t, []int{1, 17, 64}, outputs["tokens"].Shape().Dimensions)
}

func TestMismatchedImageSizes(t *testing.T) {
	model := smallModel(t, true)

	rgb := tensors.FromScalarAndDimensions(float32(0.5), 1, 3, 32, 32)
	depth := tensors.FromScalarAndDimensions(float32(0.5), 1, 1, 16, 16)
	_, err := model.Forward(map[string]*tensors.Tensor{"rgb": rgb, "depth": depth})
	require.Error(t, err, "modalities implying different full image sizes must be rejected")
}

func TestIndivisibleImageSize(t *testing.T) {
	model := smallModel(t, true)

	// 20 is not a multiple of the 8x8 patch.
	rgb := tensors.FromScalarAndDimensions(float32(0.5), 1, 3, 20, 20)
	depth := tensors.FromScalarAndDimensions(float32(0.5), 1, 1, 20, 20)
	_, err := model.Forward(map[string]*tensors.Tensor{"rgb": rgb, "depth": depth})
	require.Error(t, err)
}

func TestUnknownMainTask(t *testing.T) {
	config := NewConfig()
	config.DimTokens = 64
	config.NumLayers = 2
	config.NumHeads = 4

	inputs := map[string]adapters.InputAdapter{
		"rgb": adapters.NewPatchedInput(3, 8, 32),
	}
	decoder := adapters.NewConvNeXt(1, 8, "thermal")
	decoder.EmbedDim = 256
	decoder.Depth = 2
	outputs := map[string]adapters.OutputAdapter{"semseg": decoder}
	_, err := New(testBackend(t), config, inputs, outputs)
	require.ErrorContains(t, err, "thermal")
}

func TestNonNativeInputSize(t *testing.T) {
	model := smallModel(t, true)

	// Twice the size the adapters were built for: an 8x8 token grid, so
	// the 4x4 positional embedding grid is resampled at graph time.
	rgb := tensors.FromScalarAndDimensions(float32(0.5), 1, 3, 64, 64)
	depth := tensors.FromScalarAndDimensions(float32(0.5), 1, 1, 64, 64)
	outputs, err := model.Forward(map[string]*tensors.Tensor{"rgb": rgb, "depth": depth})
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 64, 64}, outputs["semseg"].Shape().Dimensions)
}

func TestReferenceModel(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size model forward is slow")
	}
	config := NewConfig()
	inputs := map[string]adapters.InputAdapter{
		"rgb":   adapters.NewPatchedInput(3, 16, 352),
		"depth": adapters.NewPatchedInput(1, 16, 352),
	}
	outputs := map[string]adapters.OutputAdapter{
		"semseg": adapters.NewConvNeXt(1, 16, "rgb", "depth"),
	}
	model, err := New(testBackend(t), config, inputs, outputs)
	require.NoError(t, err)

	rgb := tensors.FromScalarAndDimensions(float32(0.5), 1, 3, 352, 352)
	depth := tensors.FromScalarAndDimensions(float32(0.5), 1, 1, 352, 352)
	predictions, err := model.Forward(map[string]*tensors.Tensor{"rgb": rgb, "depth": depth})
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 352, 352}, predictions["semseg"].Shape().Dimensions)
}

func TestNoWeightDecay(t *testing.T) {
	model := smallModel(t, true)
	skip := model.NoWeightDecay()
	require.True(t, skip["global_tokens"])
	require.True(t, skip["input_adapters.rgb.pos_emb"])
	require.True(t, skip["input_adapters.depth.pos_emb"])
	require.Len(t, skip, 3)
}
