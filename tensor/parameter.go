package tensor

// Parameter is a learnable tensor together with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
}

func NewParameter(name string, value *Tensor) *Parameter {
	grad, _ := Zeros(value.Shape)
	return &Parameter{
		Name:  name,
		Value: value,
		Grad:  grad,
	}
}

func (p *Parameter) ZeroGrad() {
	p.Grad.Fill(0)
}

// ZeroGrad resets the gradients of all parameters.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// CountParameters returns the total number of scalar parameters.
func CountParameters(params []*Parameter) int64 {
	var total int64
	for _, p := range params {
		total += int64(p.Value.NumElems)
	}
	return total
}
