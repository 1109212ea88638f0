// Package kalman implements the per-track state estimator: a discrete
// Kalman filter over a constant-velocity motion model with a 4-dimensional
// state [x, y, vx, vy] and position-only measurements.
package kalman

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	stateDim = 4
	measDim  = 2
)

// Params are the fixed model parameters of a Filter.
type Params struct {
	DT       float64 // seconds per frame
	ControlX float64 // unit acceleration applied along x on every predict
	ControlY float64 // unit acceleration applied along y on every predict
	StdAcc   float64 // process noise: std. dev. of unmodelled acceleration
	StdMeasX float64 // measurement noise std. dev. along x
	StdMeasY float64 // measurement noise std. dev. along y
}

// Validate reports whether p can build a well-posed filter.
func (p Params) Validate() error {
	switch {
	case !(p.DT > 0) || math.IsInf(p.DT, 0):
		return fmt.Errorf("dt must be positive and finite, got %v", p.DT)
	case !(p.StdAcc >= 0):
		return fmt.Errorf("std_acc must be non-negative, got %v", p.StdAcc)
	case !(p.StdMeasX > 0):
		return fmt.Errorf("std_meas_x must be positive, got %v", p.StdMeasX)
	case !(p.StdMeasY > 0):
		return fmt.Errorf("std_meas_y must be positive, got %v", p.StdMeasY)
	}
	return nil
}

// Filter is a constant-velocity Kalman filter for one tracked object.
// It is not safe for concurrent use.
type Filter struct {
	x *mat.VecDense // state [x y vx vy]
	p *mat.SymDense // error covariance

	a *mat.Dense    // state transition
	b *mat.Dense    // control input
	u *mat.VecDense // control vector
	h *mat.Dense    // measurement model
	q *mat.SymDense // process noise covariance
	r *mat.SymDense // measurement noise covariance
}

// NewFilter builds a filter whose state starts at (x0, y0) with zero
// velocity and identity covariance. It panics if p is not valid: malformed
// noise parameters are a configuration error, not a runtime condition.
func NewFilter(p Params, x0, y0 float64) *Filter {
	if err := p.Validate(); err != nil {
		panic("kalman: " + err.Error())
	}
	dt := p.DT
	dt2 := dt * dt
	dt3 := dt2 * dt
	dt4 := dt3 * dt

	a := mat.NewDense(stateDim, stateDim, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	b := mat.NewDense(stateDim, measDim, []float64{
		dt2 / 2, 0,
		0, dt2 / 2,
		dt, 0,
		0, dt,
	})
	h := mat.NewDense(measDim, stateDim, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
	})

	// Q = σa² · G·Gᵀ expanded for the two decoupled axes.
	q := mat.NewSymDense(stateDim, []float64{
		dt4 / 4, 0, dt3 / 2, 0,
		0, dt4 / 4, 0, dt3 / 2,
		dt3 / 2, 0, dt2, 0,
		0, dt3 / 2, 0, dt2,
	})
	q.ScaleSym(p.StdAcc*p.StdAcc, q)

	r := mat.NewSymDense(measDim, []float64{
		p.StdMeasX * p.StdMeasX, 0,
		0, p.StdMeasY * p.StdMeasY,
	})

	cov := mat.NewSymDense(stateDim, nil)
	for i := 0; i < stateDim; i++ {
		cov.SetSym(i, i, 1)
	}

	return &Filter{
		x:      mat.NewVecDense(stateDim, []float64{x0, y0, 0, 0}),
		p:      cov,
		a:      a,
		b:      b,
		u:      mat.NewVecDense(measDim, []float64{p.ControlX, p.ControlY}),
		h:      h,
		q:      q,
		r:      r,
	}
}

// Predict advances the state and covariance by exactly one dt and returns
// the predicted position. Call it at most once per frame per track.
func (f *Filter) Predict() (x, y float64) {
	var ax, bu mat.VecDense
	ax.MulVec(f.a, f.x)
	bu.MulVec(f.b, f.u)
	f.x.AddVec(&ax, &bu)

	var ap, apa mat.Dense
	ap.Mul(f.a, f.p)
	apa.Mul(&ap, f.a.T())
	apa.Add(&apa, f.q)
	f.p = symmetrize(&apa)

	return f.x.AtVec(0), f.x.AtVec(1)
}

// Update corrects the state with an observed position and returns the
// corrected position. It panics if the innovation covariance is not
// positive definite, which cannot happen with positive measurement noise.
func (f *Filter) Update(zx, zy float64) (x, y float64) {
	// S = H·P·Hᵀ + R
	var hp, hph mat.Dense
	hp.Mul(f.h, f.p)
	hph.Mul(&hp, f.h.T())
	hph.Add(&hph, f.r)
	s := symmetrize(&hph)

	var chol mat.Cholesky
	if ok := chol.Factorize(s); !ok {
		panic("kalman: innovation covariance is not positive definite")
	}
	var sInv mat.SymDense
	if err := chol.InverseTo(&sInv); err != nil {
		panic("kalman: invert innovation covariance: " + err.Error())
	}

	// K = P·Hᵀ·S⁻¹
	var pht, k mat.Dense
	pht.Mul(f.p, f.h.T())
	k.Mul(&pht, &sInv)

	// x = x + K·(z − H·x)
	var hx, innov, correction mat.VecDense
	hx.MulVec(f.h, f.x)
	innov.SubVec(mat.NewVecDense(measDim, []float64{zx, zy}), &hx)
	correction.MulVec(&k, &innov)
	f.x.AddVec(f.x, &correction)

	// P = (I − K·H)·P
	var kh, ikh, np mat.Dense
	kh.Mul(&k, f.h)
	ikh.Sub(identity(stateDim), &kh)
	np.Mul(&ikh, f.p)
	f.p = symmetrize(&np)

	return f.x.AtVec(0), f.x.AtVec(1)
}

// Position returns the current position estimate.
func (f *Filter) Position() (x, y float64) {
	return f.x.AtVec(0), f.x.AtVec(1)
}

// Velocity returns the current velocity estimate.
func (f *Filter) Velocity() (vx, vy float64) {
	return f.x.AtVec(2), f.x.AtVec(3)
}

// Covariance returns a copy of the error covariance.
func (f *Filter) Covariance() *mat.SymDense {
	c := mat.NewSymDense(stateDim, nil)
	c.CopySym(f.p)
	return c
}

// symmetrize returns (m + mᵀ)/2, which removes the rounding asymmetry the
// covariance products accumulate.
func symmetrize(m mat.Matrix) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
		}
	}
	return s
}

func identity(n int) *mat.DiagDense {
	d := make([]float64, n)
	for i := range d {
		d[i] = 1
	}
	return mat.NewDiagDense(n, d)
}
