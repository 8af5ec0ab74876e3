package huggingface

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multivit/checkpoints"
	"github.com/gomlx/multivit/trees"
	"github.com/stretchr/testify/require"
)

func TestConvertName(t *testing.T) {
	for name, want := range map[string]trees.Path{
		"cls_token":                        {"global_tokens"},
		"input_adapters.rgb.pos_emb":       {"input_adapters", "rgb", "pos_emb"},
		"input_adapters.depth.proj.weight": {"input_adapters", "depth", "proj", "weights"},
		"input_adapters.depth.proj.bias":   {"input_adapters", "depth", "proj", "biases"},
		"blocks.0.norm1.weight":            {"encoder", "layer_0", "norm1", "scale"},
		"blocks.0.norm1.bias":              {"encoder", "layer_0", "norm1", "offset"},
		"blocks.11.attn.qkv.weight":        {"encoder", "layer_11", "attn", "qkv", "weights"},
		"blocks.11.attn.proj.bias":         {"encoder", "layer_11", "attn", "proj", "biases"},
		"blocks.3.mlp.fc1.weight":          {"encoder", "layer_3", "mlp", "fc1", "weights"},
		"blocks.3.mlp.fc2.bias":            {"encoder", "layer_3", "mlp", "fc2", "biases"},
	} {
		require.Equalf(t, want, convertName(name), "converting %q", name)
	}

	// Entries with no destination are dropped.
	for _, name := range []string{
		"head.weight",
		"head.bias",
		"norm.weight",
		"blocks.abc.norm1.weight",
		"blocks.0.attn.unknown.weight",
		"input_adapters.rgb",
	} {
		require.Nilf(t, convertName(name), "%q should have no destination", name)
	}
}

func TestReshapeConvKernel(t *testing.T) {
	// [outDim=2, channels=3, ph=2, pw=2] kernel filled with its own flat
	// index.
	kernel := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3, 2, 2))
	tensors.MutableFlatData(kernel, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(i)
		}
	})

	reshaped, err := reshapeConvKernel(kernel)
	require.NoError(t, err)
	require.Equal(t, []int{12, 2}, reshaped.Shape().Dimensions)
	tensors.ConstFlatData(reshaped, func(dst []float32) {
		for d := range 2 {
			for c := range 3 {
				for y := range 2 {
					for x := range 2 {
						src := float32(((d*3+c)*2+y)*2 + x)
						require.Equal(t, src, dst[((y*2+x)*3+c)*2+d])
					}
				}
			}
		}
	})

	ints := tensors.FromScalarAndDimensions(int32(1), 2, 3, 2, 2)
	_, err = reshapeConvKernel(ints)
	require.Error(t, err)
}

// TestPatchProjectionRestore walks a converted patch projection kernel all
// the way into a model variable: conv layout in, dense layout matched and
// restored by the checkpoint adapter.
func TestPatchProjectionRestore(t *testing.T) {
	kernel := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3, 2, 2))
	tensors.MutableFlatData(kernel, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(i)
		}
	})
	treePath := convertName("input_adapters.rgb.proj.weight")
	require.Equal(t, trees.Path{"input_adapters", "rgb", "proj", "weights"}, treePath)
	converted, err := reshapeConvKernel(kernel)
	require.NoError(t, err)
	params := trees.New[*tensors.Tensor]()
	require.NoError(t, params.Set(treePath, converted))

	ctx := context.New()
	v := ctx.In("input_adapters").In("rgb").In("proj").
		VariableWithValue("weights", tensors.FromScalarAndDimensions(float32(0), 12, 2))

	report, err := checkpoints.Apply(ctx, params, checkpoints.Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"input_adapters.rgb.proj.weights"}, report.Matched)
	require.Empty(t, report.Missing)
	tensors.ConstFlatData(converted, func(want []float32) {
		tensors.ConstFlatData(v.Value(), func(got []float32) {
			require.Equal(t, want, got)
		})
	})
}

func TestTranspose2D(t *testing.T) {
	kernel := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3))
	tensors.MutableFlatData(kernel, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(i)
		}
	})

	transposed, err := transpose2D(kernel)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, transposed.Shape().Dimensions)
	tensors.ConstFlatData(transposed, func(flat []float32) {
		require.Equal(t, []float32{0, 3, 1, 4, 2, 5}, flat)
	})

	ints := tensors.FromScalarAndDimensions(int32(1), 2, 2)
	_, err = transpose2D(ints)
	require.Error(t, err)
}
