package impute

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Regressor is a linear model fitted on complete rows.
type Regressor interface {
	Fit(x *mat.Dense, y []float64) error
	Predict(x *mat.Dense) []float64
}

var errNoSamples = errors.New("no samples to fit")

// BayesianRidge is ridge regression whose weight and noise precisions are
// estimated from the data by evidence maximization, with Gamma priors on
// both.
type BayesianRidge struct {
	MaxIter int
	Tol     float64
	Alpha1  float64
	Alpha2  float64
	Lambda1 float64
	Lambda2 float64

	coef      []float64
	intercept float64
}

func NewBayesianRidge() *BayesianRidge {
	return &BayesianRidge{
		MaxIter: 300,
		Tol:     1e-3,
		Alpha1:  1e-6,
		Alpha2:  1e-6,
		Lambda1: 1e-6,
		Lambda2: 1e-6,
	}
}

const machineEpsilon = 2.220446049250313e-16

func (b *BayesianRidge) Fit(x *mat.Dense, y []float64) error {
	n, p := x.Dims()
	if n == 0 {
		return errNoSamples
	}
	if n != len(y) {
		return fmt.Errorf("fit: %d rows but %d targets", n, len(y))
	}

	xMean := make([]float64, p)
	for j := range xMean {
		xMean[j] = stat.Mean(mat.Col(nil, j, x), nil)
	}
	yMean := stat.Mean(y, nil)
	b.coef = make([]float64, p)
	b.intercept = yMean
	if p == 0 {
		return nil
	}

	xc := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			xc.Set(i, j, x.At(i, j)-xMean[j])
		}
	}
	yc := make([]float64, n)
	for i, v := range y {
		yc[i] = v - yMean
	}

	// Work in the eigenbasis of XᵀX so each iteration is a diagonal solve,
	// whether or not there are more samples than features.
	var xtx mat.SymDense
	xtx.SymOuterK(1, xc.T())
	var eig mat.EigenSym
	if !eig.Factorize(&xtx, true) {
		return errors.New("fit: eigendecomposition failed")
	}
	eigenvalues := eig.Values(nil)
	for i, v := range eigenvalues {
		if v < 0 {
			eigenvalues[i] = 0
		}
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	ycVec := mat.NewVecDense(n, yc)
	var xty, projected mat.VecDense
	xty.MulVec(xc.T(), ycVec)
	projected.MulVec(vectors.T(), &xty)

	alpha := 1 / (stat.PopVariance(yc, nil) + machineEpsilon)
	lambda := 1.0

	coef := make([]float64, p)
	coefOld := make([]float64, p)
	var pred mat.VecDense
	for iter := 0; iter < b.MaxIter; iter++ {
		solveInBasis(coef, &vectors, eigenvalues, &projected, lambda/alpha)

		pred.MulVec(xc, mat.NewVecDense(p, coef))
		sse := 0.0
		for i := 0; i < n; i++ {
			r := yc[i] - pred.AtVec(i)
			sse += r * r
		}

		gamma := 0.0
		for _, w := range eigenvalues {
			gamma += alpha * w / (lambda + alpha*w)
		}
		coefSq := 0.0
		for _, c := range coef {
			coefSq += c * c
		}
		lambda = (gamma + 2*b.Lambda1) / (coefSq + 2*b.Lambda2)
		alpha = (float64(n) - gamma + 2*b.Alpha1) / (sse + 2*b.Alpha2)

		if iter != 0 {
			delta := 0.0
			for j := range coef {
				delta += math.Abs(coefOld[j] - coef[j])
			}
			if delta < b.Tol {
				break
			}
		}
		copy(coefOld, coef)
	}
	solveInBasis(coef, &vectors, eigenvalues, &projected, lambda/alpha)

	b.coef = coef
	b.intercept = yMean
	for j, c := range coef {
		b.intercept -= xMean[j] * c
	}
	return nil
}

// solveInBasis sets coef = V diag(1/(w+ratio)) Vᵀ Xᵀy.
func solveInBasis(coef []float64, vectors *mat.Dense, eigenvalues []float64, projected *mat.VecDense, ratio float64) {
	p := len(coef)
	scaled := make([]float64, p)
	for k := 0; k < p; k++ {
		scaled[k] = projected.AtVec(k) / (eigenvalues[k] + ratio)
	}
	for j := 0; j < p; j++ {
		sum := 0.0
		for k := 0; k < p; k++ {
			sum += vectors.At(j, k) * scaled[k]
		}
		coef[j] = sum
	}
}

func (b *BayesianRidge) Predict(x *mat.Dense) []float64 {
	n, p := x.Dims()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v := b.intercept
		for j := 0; j < p && j < len(b.coef); j++ {
			v += x.At(i, j) * b.coef[j]
		}
		out[i] = v
	}
	return out
}
