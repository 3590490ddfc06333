package lazyload

import (
	"github.com/rs/zerolog"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/RuntimeRacer/KoboldAI-united/internal/checkpoint"
	"github.com/RuntimeRacer/KoboldAI-united/internal/placement"
)

// ProbeResult is what the storage inspection pass learned. It is returned
// to the orchestrator instead of being flipped on shared state; the caller
// merges it into the session.
type ProbeResult struct {
	// FP32Detected is set when any parameter with 2 or more dimensions is
	// stored as 32-bit float. Triggers the post-load fp16 conversion.
	FP32Detected bool
}

// Loader binds state-dict keys to lazy handles for one checkpoint.
type Loader struct {
	cp      checkpoint.Checkpoint
	files   map[string]*fileRef
	handles *orderedmap.OrderedMap[string, *Handle]
	Log     zerolog.Logger
}

// Bind creates one handle per state-dict key, routed to its target device.
// No storage is touched; keys whose storage location is unknown still get a
// handle and fail at materialization, not here.
func Bind(cp checkpoint.Checkpoint, stateKeys []string, deviceOf func(name string) placement.Device, log zerolog.Logger) *Loader {
	l := &Loader{
		cp:      cp,
		files:   make(map[string]*fileRef),
		handles: orderedmap.New[string, *Handle](),
		Log:     log,
	}
	for _, key := range stateKeys {
		h := &Handle{Name: key, Device: deviceOf(key)}
		if path, ok := cp.FileFor(key); ok {
			ref, exists := l.files[path]
			if !exists {
				ref = &fileRef{path: path}
				l.files[path] = ref
			}
			h.file = ref
		}
		l.handles.Set(key, h)
	}
	log.Debug().Int("handles", l.handles.Len()).Int("files", len(l.files)).Msg("lazy handles bound")
	return l
}

// Handle returns the handle bound to name.
func (l *Loader) Handle(name string) (*Handle, bool) {
	return l.handles.Get(name)
}

// Names returns the bound state-dict keys in bind order.
func (l *Loader) Names() []string {
	out := make([]string, 0, l.handles.Len())
	for pair := l.handles.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Handles returns the handles in bind order.
func (l *Loader) Handles() []*Handle {
	out := make([]*Handle, 0, l.handles.Len())
	for pair := l.handles.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Probe inspects the declared storage dtype of every bound parameter by
// reading weight file headers only. It records fp32 presence for tensors of
// 2 or more dimensions without altering any tensor.
func (l *Loader) Probe() (ProbeResult, error) {
	var res ProbeResult
	for pair := l.handles.Oldest(); pair != nil; pair = pair.Next() {
		h := pair.Value
		if h.file == nil {
			continue
		}
		tf, err := h.file.open()
		if err != nil {
			return res, ErrTensorUnavailable(h.Name + ": " + err.Error())
		}
		info, ok := tf.Lookup(h.Name)
		if !ok {
			continue
		}
		if info.Dtype == checkpoint.DtypeF32 && len(info.Shape) >= 2 {
			res.FP32Detected = true
		}
	}
	if res.FP32Detected {
		l.Log.Info().Msg("fp32 storage detected, checkpoint will be converted to fp16 after load")
	}
	return res, nil
}
