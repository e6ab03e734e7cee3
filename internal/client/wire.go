package client

// Matrix is a row-major matrix in a compute request.
type Matrix struct {
	Rows int       `cbor:"rows"`
	Cols int       `cbor:"cols"`
	Data []float64 `cbor:"data"`
}

// ComputeRequest is the CBOR body of POST /compute. Only the fields used by
// Op need to be set.
type ComputeRequest struct {
	Op     string    `cbor:"op"`
	Alpha  float64   `cbor:"alpha,omitempty"`
	Beta   float64   `cbor:"beta,omitempty"`
	X      []float64 `cbor:"x,omitempty"`
	Y      []float64 `cbor:"y,omitempty"`
	A      *Matrix   `cbor:"a,omitempty"`
	B      *Matrix   `cbor:"b,omitempty"`
	C      *Matrix   `cbor:"c,omitempty"`
	TransA bool      `cbor:"trans_a,omitempty"`
	TransB bool      `cbor:"trans_b,omitempty"`
}

// ComputeResponse carries the written operands by role name.
type ComputeResponse struct {
	Op        string               `cbor:"op"`
	Outputs   map[string][]float64 `cbor:"outputs,omitempty"`
	Transfers int                  `cbor:"transfers"`
	Error     string               `cbor:"error,omitempty"`
}
