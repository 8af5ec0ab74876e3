// Package checkpoints saves and restores model parameters, with support
// for partial (non-strict) restores: parameters are matched by name,
// positional embeddings with a different grid size are resampled to fit,
// and everything that did not match is reported back.
package checkpoints

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multivit/posembed"
	"github.com/gomlx/multivit/trees"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"k8s.io/klog/v2"
)

const fileVersion = 1

type fileEntry struct {
	Name  string `msgpack:"name"`
	DType string `msgpack:"dtype"`
	Dims  []int  `msgpack:"dims"`
	Data  []byte `msgpack:"data"`
}

type fileFormat struct {
	Version int         `msgpack:"version"`
	Entries []fileEntry `msgpack:"entries"`
}

// posEmbPattern matches positional embedding parameters, which are allowed
// to change grid size between checkpoints.
var posEmbPattern = regexp.MustCompile(`^input_adapters\.[^.]+\.pos_emb$`)

// Save writes all parameters of the tree to the given file, creating
// parent directories as needed.
func Save(params *trees.Tree[*tensors.Tensor], filePath string) error {
	file := fileFormat{Version: fileVersion}
	for path, param := range params.OrderedLeaves() {
		shape := param.Shape()
		if shape.DType != dtypes.Float32 {
			return errors.Errorf("checkpoints: only float32 parameters are supported, %q is %s",
				path.Join(), shape.DType)
		}
		data := make([]byte, shape.Size()*4)
		tensors.ConstFlatData(param, func(flat []float32) {
			for i, v := range flat {
				encodeFloat32(data[i*4:], v)
			}
		})
		file.Entries = append(file.Entries, fileEntry{
			Name:  path.Join(),
			DType: shape.DType.String(),
			Dims:  append([]int(nil), shape.Dimensions...),
			Data:  data,
		})
	}
	encoded, err := msgpack.Marshal(&file)
	if err != nil {
		return errors.Wrapf(err, "checkpoints: encoding %q", filePath)
	}
	if err = os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return errors.Wrapf(err, "checkpoints: creating directory for %q", filePath)
	}
	if err = os.WriteFile(filePath, encoded, 0644); err != nil {
		return errors.Wrapf(err, "checkpoints: writing %q", filePath)
	}
	klog.V(1).Infof("checkpoints: saved %d parameters to %s", len(file.Entries), filePath)
	return nil
}

// Load reads a parameter tree written by Save.
func Load(filePath string) (*trees.Tree[*tensors.Tensor], error) {
	encoded, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoints: reading %q", filePath)
	}
	var file fileFormat
	if err = msgpack.Unmarshal(encoded, &file); err != nil {
		return nil, errors.Wrapf(err, "checkpoints: decoding %q", filePath)
	}
	if file.Version != fileVersion {
		return nil, errors.Errorf("checkpoints: %q has version %d, want %d", filePath, file.Version, fileVersion)
	}
	params := trees.New[*tensors.Tensor]()
	for _, entry := range file.Entries {
		if entry.DType != dtypes.Float32.String() {
			return nil, errors.Errorf("checkpoints: parameter %q has dtype %s, only float32 is supported",
				entry.Name, entry.DType)
		}
		size := 1
		for _, dim := range entry.Dims {
			size *= dim
		}
		if len(entry.Data) != size*4 {
			return nil, errors.Errorf("checkpoints: parameter %q has %d bytes, want %d",
				entry.Name, len(entry.Data), size*4)
		}
		param := tensors.FromShape(shapes.Make(dtypes.Float32, entry.Dims...))
		tensors.MutableFlatData(param, func(flat []float32) {
			for i := range flat {
				flat[i] = decodeFloat32(entry.Data[i*4:])
			}
		})
		if err = params.Set(trees.SplitPath(entry.Name), param); err != nil {
			return nil, errors.WithMessagef(err, "checkpoints: parameter %q", entry.Name)
		}
	}
	return params, nil
}

// Options of a non-strict restore.
type Options struct {
	// SkipOutputAdapters drops every output_adapters.* parameter from the
	// checkpoint before matching, so a pre-trained encoder can be restored
	// under freshly initialized task heads.
	SkipOutputAdapters bool
}

// Report of a non-strict restore: which parameters matched, which were
// resampled to a new grid size, which model parameters stayed at their
// initialization and which checkpoint entries had no destination.
type Report struct {
	Matched    []string
	Resized    []string
	Missing    []string // in the model, not in the checkpoint
	Unexpected []string // in the checkpoint, not in the model
}

// Apply restores checkpoint parameters into the model context, matching by
// name. Positional embeddings whose grid size differs from the model's are
// bicubically resampled. Parameters present in only one side are reported,
// not errors. The checkpoint tree is not modified.
func Apply(ctx *context.Context, params *trees.Tree[*tensors.Tensor], options Options) (*Report, error) {
	report := &Report{}
	byName := make(map[string]*tensors.Tensor, params.NumLeaves())
	for path, param := range params.Leaves() {
		name := path.Join()
		if options.SkipOutputAdapters && strings.HasPrefix(name, "output_adapters.") {
			continue
		}
		byName[name] = param
	}

	var applyErr error
	ctx.EnumerateVariables(func(v *context.Variable) {
		if applyErr != nil {
			return
		}
		name := VariableName(v)
		param, found := byName[name]
		if !found {
			report.Missing = append(report.Missing, name)
			return
		}
		delete(byName, name)
		if sameShape(param.Shape(), v.Shape()) {
			v.SetValue(param.LocalClone())
			report.Matched = append(report.Matched, name)
			return
		}
		if posEmbPattern.MatchString(name) && param.Shape().Rank() == 4 && v.Shape().Rank() == 4 &&
			param.Shape().Dimensions[1] == v.Shape().Dimensions[1] {
			resized, err := posembed.Resample(param,
				v.Shape().Dimensions[2], v.Shape().Dimensions[3])
			if err != nil {
				applyErr = errors.WithMessagef(err, "checkpoints: resampling %q", name)
				return
			}
			v.SetValue(resized)
			klog.V(1).Infof("checkpoints: resampled %q from %s to %s", name, param.Shape(), v.Shape())
			report.Resized = append(report.Resized, name)
			return
		}
		applyErr = errors.Errorf("checkpoints: parameter %q has shape %s, model expects %s",
			name, param.Shape(), v.Shape())
	})
	if applyErr != nil {
		return nil, applyErr
	}
	for name := range byName {
		report.Unexpected = append(report.Unexpected, name)
	}
	sort.Strings(report.Matched)
	sort.Strings(report.Resized)
	sort.Strings(report.Missing)
	sort.Strings(report.Unexpected)
	klog.Infof("checkpoints: restored %d parameters (%d resized, %d missing, %d unexpected)",
		len(report.Matched)+len(report.Resized), len(report.Resized),
		len(report.Missing), len(report.Unexpected))
	return report, nil
}

// SaveContext snapshots all variables of the context into a parameter tree
// and saves it.
func SaveContext(ctx *context.Context, filePath string) error {
	params := trees.New[*tensors.Tensor]()
	var err error
	ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil {
			return
		}
		err = params.Set(trees.SplitPath(VariableName(v)), v.Value())
	})
	if err != nil {
		return errors.WithMessage(err, "checkpoints: collecting variables")
	}
	return Save(params, filePath)
}

// ParamGroup ties one trainable variable to the learning rate scale an
// external optimizer should apply to it.
type ParamGroup struct {
	Name    string
	Var     *context.Variable
	LRScale float64
}

// ParamGroupsOf lists every trainable variable of the context, sorted by
// name, with the scale implied by the restore report: parameters the
// restore left at their initialization get newScale, everything else 1.0.
func ParamGroupsOf(ctx *context.Context, report *Report, newScale float64) []ParamGroup {
	missing := make(map[string]bool, len(report.Missing))
	for _, name := range report.Missing {
		missing[name] = true
	}
	var groups []ParamGroup
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		name := VariableName(v)
		scale := 1.0
		if missing[name] {
			scale = newScale
		}
		groups = append(groups, ParamGroup{Name: name, Var: v, LRScale: scale})
	})
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups
}

// ParamGroups splits trained parameters into learning rate groups: the
// parameters a restore left at their initialization (Report.Missing) get
// newScale, everything else gets 1.0.
func ParamGroups(report *Report, newScale float64) map[string]float64 {
	groups := make(map[string]float64, len(report.Matched)+len(report.Resized)+len(report.Missing))
	for _, name := range report.Matched {
		groups[name] = 1.0
	}
	for _, name := range report.Resized {
		groups[name] = 1.0
	}
	for _, name := range report.Missing {
		groups[name] = newScale
	}
	return groups
}

// VariableName maps a context variable to its checkpoint name: the scope
// path joined with the variable name by dots, e.g. the variable "pos_emb"
// in scope "/input_adapters/rgb" becomes "input_adapters.rgb.pos_emb".
func VariableName(v *context.Variable) string {
	scope := strings.TrimPrefix(v.Scope(), context.ScopeSeparator)
	parts := strings.Split(scope, context.ScopeSeparator)
	parts = append(parts, v.Name())
	if parts[0] == "" {
		parts = parts[1:]
	}
	return strings.Join(parts, trees.Separator)
}

func sameShape(a, b shapes.Shape) bool {
	return a.DType == b.DType && slices.Equal(a.Dimensions, b.Dimensions)
}

func encodeFloat32(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
}

func decodeFloat32(src []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(src))
}
