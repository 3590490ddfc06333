package checkpoint

import (
	"fmt"
	"os"
)

// ConvertFP16 rewrites every weight file of cp that still stores fp32
// tensors into fp16, in place. This runs once after a fetch when the load
// detected 32-bit floats, so subsequent loads read half-size files. Callers
// skip this when disk offload is active and the files are kept verbatim.
func ConvertFP16(cp Checkpoint) error {
	for _, path := range cp.WeightFiles {
		if err := convertFileFP16(path); err != nil {
			return ErrFilesystem(fmt.Sprintf("convert %s: %v", path, err))
		}
	}
	return nil
}

func convertFileFP16(path string) error {
	tf, err := OpenTensorFile(path)
	if err != nil {
		return err
	}
	infos := tf.Infos()
	any32 := false
	for _, info := range infos {
		if info.Dtype == DtypeF32 {
			any32 = true
			break
		}
	}
	if !any32 {
		return nil
	}

	entries := make([]TensorEntry, 0, len(infos))
	for _, info := range infos {
		raw, err := tf.ReadTensorData(info)
		if err != nil {
			return err
		}
		if info.Dtype == DtypeF32 {
			vals, err := DecodeFloat32(info.Dtype, raw)
			if err != nil {
				return err
			}
			entries = append(entries, TensorEntry{Name: info.Name, Dtype: DtypeF16, Shape: info.Shape, Data: EncodeF16(vals)})
			continue
		}
		entries = append(entries, TensorEntry{Name: info.Name, Dtype: info.Dtype, Shape: info.Shape, Data: raw})
	}

	tmp := path + ".half"
	if err := WriteTensorFile(tmp, entries); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
