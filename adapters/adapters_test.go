package adapters

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/require"
)

func TestPatchedInputInit(t *testing.T) {
	adapter := NewPatchedInput(3, 16, 352)
	require.NoError(t, adapter.Init(768))
	channels, height, width := adapter.InputShape()
	require.Equal(t, 3, channels)
	require.Equal(t, 352, height)
	require.Equal(t, 352, width)
	require.Equal(t, 1, adapter.Stride())

	require.Error(t, adapter.Init(770), "sin-cos embeddings need a dimension divisible by 4")
	require.Error(t, adapter.Init(0))

	learnable := NewPatchedInput(3, 16, 352).WithLearnablePosEmb()
	require.NoError(t, learnable.Init(770), "learnable embeddings have no divisibility requirement")
}

func TestPatchedInputStrideLevel(t *testing.T) {
	adapter := NewPatchedInput(1, 16, 352).WithStrideLevel(4)
	require.NoError(t, adapter.Init(768))

	// At 1/4 resolution the input is 88x88 and patches are 4x4, keeping
	// the token grid at 22x22.
	channels, height, width := adapter.InputShape()
	require.Equal(t, 1, channels)
	require.Equal(t, 88, height)
	require.Equal(t, 88, width)
	require.Equal(t, 4, adapter.Stride())
	require.Equal(t, 22, adapter.gridH)
	require.Equal(t, 22, adapter.gridW)

	// Stride beyond the patch size floors the patch at 1x1.
	deep := NewPatchedInput(1, 16, 352).WithStrideLevel(32)
	require.NoError(t, deep.Init(768))
	h, w := deep.effectivePatch()
	require.Equal(t, 1, h)
	require.Equal(t, 1, w)
}

func TestConvNeXtInit(t *testing.T) {
	decoder := NewConvNeXt(1, 16, "rgb", "depth")
	require.NoError(t, decoder.Init(768))
	require.Equal(t, 4, decoder.subGrid)
	require.Equal(t, 384, decoder.classDim)

	require.Error(t, decoder.Init(0))

	noTasks := NewConvNeXt(1, 16)
	require.Error(t, noTasks.Init(768))

	notSquare := NewConvNeXt(1, 16, "rgb")
	notSquare.PredsPerPatch = 12
	require.Error(t, notSquare.Init(768))

	notDivisible := NewConvNeXt(1, 16, "rgb")
	notDivisible.EmbedDim = 100
	require.Error(t, notDivisible.Init(768))

	badMode := NewConvNeXt(1, 16, "rgb")
	badMode.Interpolate = "area"
	require.Error(t, badMode.Init(768))
}

func TestEncodeBeforeInit(t *testing.T) {
	adapter := NewPatchedInput(3, 16, 352)
	err := exceptions.TryCatch[error](func() { adapter.Encode(nil, nil) })
	require.ErrorContains(t, err, "Init")
}

func TestDecodeBeforeInit(t *testing.T) {
	decoder := NewConvNeXt(1, 16, "rgb")
	err := exceptions.TryCatch[error](func() { decoder.Decode(nil, nil, nil) })
	require.ErrorContains(t, err, "Init")
}

func TestTokenRange(t *testing.T) {
	r := TokenRange{Start: 1, End: 485}
	require.Equal(t, 484, r.Len())
}
