package forecast

import (
	"math"
	"math/rand"
)

// lstmNet is a single-layer LSTM with a linear read-out of the final
// hidden state. Parameters live in one flat slice:
//
//	Wx [4H x In] | Wh [4H x H] | b [4H] | Wy [H] | by
//
// Gate blocks within each 4H group are ordered input, forget, cell, output.
type lstmNet struct {
	In     int       `json:"in"`
	Hidden int       `json:"hidden"`
	Params []float64 `json:"params"`
}

func lstmParamCount(in, hidden int) int {
	return 4*hidden*(in+hidden+1) + hidden + 1
}

func newLSTM(in, hidden int, rng *rand.Rand) *lstmNet {
	n := &lstmNet{In: in, Hidden: hidden, Params: make([]float64, lstmParamCount(in, hidden))}
	k := 1 / math.Sqrt(float64(hidden))
	for i := range n.Params {
		n.Params[i] = (rng.Float64()*2 - 1) * k
	}
	b := n.offB()
	for j := 0; j < hidden; j++ {
		n.Params[b+hidden+j] = 1
	}
	return n
}

func (n *lstmNet) offWh() int { return 4 * n.Hidden * n.In }
func (n *lstmNet) offB() int  { return n.offWh() + 4*n.Hidden*n.Hidden }
func (n *lstmNet) offWy() int { return n.offB() + 4*n.Hidden }
func (n *lstmNet) offBy() int { return n.offWy() + n.Hidden }

type lstmStep struct {
	x, hPrev, cPrev []float64
	i, f, g, o      []float64
	c, tc           []float64
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// forward runs the sequence and returns the output with the per-step
// activations needed for backpropagation.
func (n *lstmNet) forward(seq [][]float64) (float64, []lstmStep) {
	H, I, p := n.Hidden, n.In, n.Params
	wh, b := n.offWh(), n.offB()
	h := make([]float64, H)
	c := make([]float64, H)
	steps := make([]lstmStep, len(seq))

	z := make([]float64, 4*H)
	for t, x := range seq {
		for r := 0; r < 4*H; r++ {
			v := p[b+r]
			row := p[r*I : (r+1)*I]
			for k, xv := range x {
				v += row[k] * xv
			}
			rowH := p[wh+r*H : wh+(r+1)*H]
			for k, hv := range h {
				v += rowH[k] * hv
			}
			z[r] = v
		}
		st := lstmStep{
			x: x, hPrev: h, cPrev: c,
			i: make([]float64, H), f: make([]float64, H), g: make([]float64, H), o: make([]float64, H),
			c: make([]float64, H), tc: make([]float64, H),
		}
		hNext := make([]float64, H)
		for j := 0; j < H; j++ {
			st.i[j] = sigmoid(z[j])
			st.f[j] = sigmoid(z[H+j])
			st.g[j] = math.Tanh(z[2*H+j])
			st.o[j] = sigmoid(z[3*H+j])
			st.c[j] = st.f[j]*c[j] + st.i[j]*st.g[j]
			st.tc[j] = math.Tanh(st.c[j])
			hNext[j] = st.o[j] * st.tc[j]
		}
		steps[t] = st
		h, c = hNext, st.c
	}

	wy := n.offWy()
	y := p[n.offBy()]
	for j, hv := range h {
		y += p[wy+j] * hv
	}
	return y, steps
}

func (n *lstmNet) predict(seq [][]float64) float64 {
	y, _ := n.forward(seq)
	return y
}

// backward accumulates dL/dparams into grad given dL/dy.
func (n *lstmNet) backward(steps []lstmStep, dy float64, grad []float64) {
	H, I, p := n.Hidden, n.In, n.Params
	wh, b, wy := n.offWh(), n.offB(), n.offWy()
	T := len(steps)
	if T == 0 {
		return
	}

	last := steps[T-1]
	dh := make([]float64, H)
	for j := 0; j < H; j++ {
		hT := last.o[j] * last.tc[j]
		grad[wy+j] += dy * hT
		dh[j] = dy * p[wy+j]
	}
	grad[n.offBy()] += dy

	dc := make([]float64, H)
	dz := make([]float64, 4*H)
	for t := T - 1; t >= 0; t-- {
		st := steps[t]
		dcPrev := make([]float64, H)
		for j := 0; j < H; j++ {
			do := dh[j] * st.tc[j]
			dc[j] += dh[j] * st.o[j] * (1 - st.tc[j]*st.tc[j])
			di := dc[j] * st.g[j]
			dg := dc[j] * st.i[j]
			df := dc[j] * st.cPrev[j]
			dcPrev[j] = dc[j] * st.f[j]

			dz[j] = di * st.i[j] * (1 - st.i[j])
			dz[H+j] = df * st.f[j] * (1 - st.f[j])
			dz[2*H+j] = dg * (1 - st.g[j]*st.g[j])
			dz[3*H+j] = do * st.o[j] * (1 - st.o[j])
		}

		dhPrev := make([]float64, H)
		for r := 0; r < 4*H; r++ {
			d := dz[r]
			if d == 0 {
				continue
			}
			grad[b+r] += d
			for k, xv := range st.x {
				grad[r*I+k] += d * xv
			}
			for k, hv := range st.hPrev {
				grad[wh+r*H+k] += d * hv
				dhPrev[k] += p[wh+r*H+k] * d
			}
		}
		dh, dc = dhPrev, dcPrev
	}
}

// adam is the Adam optimizer over a flat parameter slice.
type adam struct {
	lr, beta1, beta2, eps float64
	m, v                  []float64
	t                     int
}

func newAdam(size int, lr float64) *adam {
	return &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8, m: make([]float64, size), v: make([]float64, size)}
}

func (a *adam) step(params, grad []float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		params[i] -= a.lr * (a.m[i] / c1) / (math.Sqrt(a.v[i]/c2) + a.eps)
	}
}

// clipNorm rescales grad so its L2 norm is at most limit.
func clipNorm(grad []float64, limit float64) {
	var ss float64
	for _, g := range grad {
		ss += g * g
	}
	norm := math.Sqrt(ss)
	if norm <= limit || norm == 0 {
		return
	}
	s := limit / norm
	for i := range grad {
		grad[i] *= s
	}
}
