package onnx

import (
	"fmt"
	"math"
	"strings"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is a dense row-major tensor holding either float32 or int64 data.
// Shape and data are copied on the way in and out, so a Tensor can be shared
// across goroutines once built.
type Tensor struct {
	dtype TensorDType
	shape []int64
	data  any
}

func NewTensor[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	dtype, err := dtypeFromSlice(data)
	if err != nil {
		return nil, err
	}
	if err := validateShapeAgainstData(shape, len(data)); err != nil {
		return nil, err
	}

	t := &Tensor{
		dtype: dtype,
		shape: append([]int64(nil), shape...),
	}
	switch dtype {
	case DTypeFloat32:
		converted := make([]float32, len(data))
		for i, v := range data {
			converted[i] = float32(v)
		}
		t.data = converted
	case DTypeInt64:
		converted := make([]int64, len(data))
		for i, v := range data {
			converted[i] = int64(v)
		}
		t.data = converted
	}
	return t, nil
}

// NewZeroTensor allocates a zero-filled tensor of the given kind and shape.
func NewZeroTensor(dtype TensorDType, shape []int64) (*Tensor, error) {
	count, err := elementCount(shape)
	if err != nil {
		return nil, err
	}

	switch dtype {
	case DTypeFloat32:
		return NewTensor(make([]float32, count), shape)
	case DTypeInt64:
		return NewTensor(make([]int64, count), shape)
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", dtype)
	}
}

func (t *Tensor) DType() TensorDType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

func (t *Tensor) Data() any {
	switch v := t.data.(type) {
	case []float32:
		return append([]float32(nil), v...)
	case []int64:
		return append([]int64(nil), v...)
	default:
		return nil
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v", t.dtype, t.shape)
}

func ExtractFloat32(t *Tensor) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("expected float32 tensor, got nil")
	}
	if t.dtype != DTypeFloat32 {
		return nil, fmt.Errorf("expected float32 tensor, got %s", t.dtype)
	}
	data, ok := t.data.([]float32)
	if !ok {
		return nil, fmt.Errorf("float32 tensor has unexpected backing type %T", t.data)
	}
	return append([]float32(nil), data...), nil
}

func ExtractInt64(t *Tensor) ([]int64, error) {
	if t == nil {
		return nil, fmt.Errorf("expected int64 tensor, got nil")
	}
	if t.dtype != DTypeInt64 {
		return nil, fmt.Errorf("expected int64 tensor, got %s", t.dtype)
	}
	data, ok := t.data.([]int64)
	if !ok {
		return nil, fmt.Errorf("int64 tensor has unexpected backing type %T", t.data)
	}
	return append([]int64(nil), data...), nil
}

// ArgMaxLastAxis reduces a float32 tensor of shape [..., V] to int64 indices
// of shape [...]. Ties resolve to the lowest index and NaN never wins.
func ArgMaxLastAxis(t *Tensor) (*Tensor, error) {
	if t.Rank() < 1 {
		return nil, fmt.Errorf("argmax: scalar tensor has no axis to reduce")
	}
	data, ok := t.data.([]float32)
	if !ok || t.dtype != DTypeFloat32 {
		return nil, fmt.Errorf("argmax: expected float32 tensor, got %s", t.dtype)
	}

	vocab := int(t.shape[len(t.shape)-1])
	rows := len(data) / vocab
	out := make([]int64, rows)
	for r := range rows {
		row := data[r*vocab : (r+1)*vocab]
		best := 0
		for i := 1; i < vocab; i++ {
			if row[i] > row[best] || (isNaN32(row[best]) && !isNaN32(row[i])) {
				best = i
			}
		}
		out[r] = int64(best)
	}

	return NewTensor(out, t.shape[:len(t.shape)-1])
}

// ConcatLastAxis joins two float32 tensors of shape [..., Da] and [..., Db]
// into [..., Da+Db]. All leading dimensions must match.
func ConcatLastAxis(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != b.Rank() || a.Rank() < 1 {
		return nil, fmt.Errorf("concat: rank mismatch: %v vs %v", a.shape, b.shape)
	}
	last := a.Rank() - 1
	for i := range last {
		if a.shape[i] != b.shape[i] {
			return nil, fmt.Errorf("concat: dim %d mismatch: %d vs %d", i, a.shape[i], b.shape[i])
		}
	}

	aData, err := ExtractFloat32(a)
	if err != nil {
		return nil, fmt.Errorf("concat: extract a: %w", err)
	}
	bData, err := ExtractFloat32(b)
	if err != nil {
		return nil, fmt.Errorf("concat: extract b: %w", err)
	}

	da, db := int(a.shape[last]), int(b.shape[last])
	rows := len(aData) / da
	combined := make([]float32, 0, len(aData)+len(bData))
	for r := range rows {
		combined = append(combined, aData[r*da:(r+1)*da]...)
		combined = append(combined, bData[r*db:(r+1)*db]...)
	}

	outShape := append([]int64(nil), a.shape...)
	outShape[last] = int64(da + db)
	return NewTensor(combined, outShape)
}

func isNaN32(v float32) bool {
	return v != v
}

func dtypeFromSlice[T ~int64 | ~float32](data []T) (TensorDType, error) {
	var zero T
	switch any(zero).(type) {
	case int64:
		return DTypeInt64, nil
	case float32:
		return DTypeFloat32, nil
	default:
		return "", fmt.Errorf("unsupported tensor data type %T", zero)
	}
}

// CanonicalDType maps manifest spellings such as "tensor(float)" onto a
// TensorDType.
func CanonicalDType(raw string) (TensorDType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "tensor(")
	normalized = strings.TrimSuffix(normalized, ")")
	switch normalized {
	case "float", "float32":
		return DTypeFloat32, nil
	case "int64", "long":
		return DTypeInt64, nil
	default:
		return "", fmt.Errorf("unsupported tensor dtype %q", raw)
	}
}

func validateShapeAgainstData(shape []int64, dataLen int) error {
	count, err := elementCount(shape)
	if err != nil {
		return err
	}
	if count != dataLen {
		return fmt.Errorf("shape %v expects %d elements, got %d", shape, count, dataLen)
	}
	return nil
}

func elementCount(shape []int64) (int, error) {
	if len(shape) == 0 {
		return 1, nil
	}
	count := int64(1)
	for i, dim := range shape {
		if dim < 1 {
			return 0, fmt.Errorf("shape[%d]=%d is not positive", i, dim)
		}
		if count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		count *= dim
	}
	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}
	return int(count), nil
}
