package model

import "fmt"

// Mat is a row-major float32 matrix.
type Mat struct {
	R, C int
	Data []float32
}

func NewMat(r, c int) Mat {
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps data without copying it.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r <= 0 || c <= 0 || len(data) != r*c {
		return Mat{}, fmt.Errorf("matrix %dx%d needs %d values, got %d", r, c, r*c, len(data))
	}
	return Mat{R: r, C: c, Data: data}, nil
}

func (m *Mat) Row(i int) []float32 {
	return m.Data[i*m.C : (i+1)*m.C]
}

// MatVec computes dst = w · x for a w of shape len(dst)×len(x).
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(dst) != w.R || len(x) != w.C {
		panic(fmt.Sprintf("matvec: %dx%d by %d into %d", w.R, w.C, len(x), len(dst)))
	}
	for r := range dst {
		dst[r] = dot(w.Row(r), x)
	}
}

func dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}

// Add accumulates src into dst.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}
