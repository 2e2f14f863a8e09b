package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/cruxml/go-yolo/config"
	"github.com/cruxml/go-yolo/nn"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	GetName() string  // Gets the optimizer name for logging
}

// NewOptimizer builds the optimizer the configuration names, with the
// base rate already divided by the batch size. Adam runs with the
// standard moment coefficients and no weight decay; SGD takes momentum
// and decay from the configuration.
func NewOptimizer(cfg *config.Config, parameters []*nn.Param) (Optimizer, error) {
	switch cfg.Optimizer {
	case config.OptimizerAdam:
		return NewAdam(parameters, cfg.BaseRate(), 0.9, 0.999, 1e-8), nil
	case config.OptimizerSGD:
		return NewSGD(parameters, cfg.BaseRate(), cfg.Momentum, cfg.Decay), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
}

// SGD implements stochastic gradient descent with momentum and L2
// regularization folded into the gradient. Parameters whose Trainable
// flag is off are skipped, so a frozen backbone holds its weights.
type SGD struct {
	parameters   []*nn.Param
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*nn.Param][]float64
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*nn.Param, lr, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*nn.Param][]float64),
	}

	// Initialize velocity buffers for momentum
	if momentum > 0 {
		for _, param := range parameters {
			sgd.velocities[param] = make([]float64, param.NumElems())
		}
	}

	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if !param.Trainable {
			continue
		}

		velocity := sgd.velocities[param]
		for i := range param.Data {
			grad := float64(param.Grad[i])

			// L2 regularization: grad = grad + weight_decay * param
			if sgd.weightDecay > 0 {
				grad += sgd.weightDecay * float64(param.Data[i])
			}

			// velocity = momentum * velocity + grad
			if sgd.momentum > 0 {
				velocity[i] = sgd.momentum*velocity[i] + grad
				grad = velocity[i]
			}

			param.Data[i] -= float32(sgd.learningRate * grad)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	for _, param := range sgd.parameters {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// GetName returns the optimizer name
func (sgd *SGD) GetName() string {
	return "SGD"
}

// Adam implements the Adam optimizer with bias-corrected moment
// estimates. Moments are kept in float64 so small second moments do
// not round away early in training.
type Adam struct {
	parameters []*nn.Param
	lr         float64
	beta1      float64
	beta2      float64
	eps        float64
	step       int64
	m          map[*nn.Param][]float64 // First moment estimates
	v          map[*nn.Param][]float64 // Second moment estimates
	mutex      sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*nn.Param, lr, beta1, beta2, eps float64) *Adam {
	adam := &Adam{
		parameters: parameters,
		lr:         lr,
		beta1:      beta1,
		beta2:      beta2,
		eps:        eps,
		m:          make(map[*nn.Param][]float64),
		v:          make(map[*nn.Param][]float64),
	}

	// Initialize moment estimates
	for _, param := range parameters {
		adam.m[param] = make([]float64, param.NumElems())
		adam.v[param] = make([]float64, param.NumElems())
	}

	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.Trainable {
			continue
		}

		m := adam.m[param]
		v := adam.v[param]
		for i := range param.Data {
			grad := float64(param.Grad[i])

			// m = beta1 * m + (1 - beta1) * grad
			m[i] = adam.beta1*m[i] + (1.0-adam.beta1)*grad
			// v = beta2 * v + (1 - beta2) * grad^2
			v[i] = adam.beta2*v[i] + (1.0-adam.beta2)*grad*grad

			// Bias-corrected estimates
			mHat := m[i] / bias1
			vHat := v[i] / bias2

			param.Data[i] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	for _, param := range adam.parameters {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// GetName returns the optimizer name
func (adam *Adam) GetName() string {
	return "Adam"
}
