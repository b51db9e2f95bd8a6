package collective

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Op is an elementwise reduction operator.
type Op int

const (
	Sum Op = iota
	Prod
	Min
	Max
)

var opNames = map[Op]string{
	Sum:  "sum",
	Prod: "prod",
	Min:  "min",
	Max:  "max",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

func (o Op) valid() bool {
	_, ok := opNames[o]
	return ok
}

// DataType is the element type of a collective buffer.
type DataType int

const (
	Float64 DataType = iota
)

func (t DataType) String() string {
	if t == Float64 {
		return "f64"
	}
	return fmt.Sprintf("dtype(%d)", int(t))
}

func (t DataType) Size() int {
	if t == Float64 {
		return 8
	}
	return 0
}

// numWorkers defines the default parallelism for large reductions
var numWorkers = runtime.NumCPU()

// parallelThreshold is the chunk length above which reductions are split
// across workers.
const parallelThreshold = 1 << 16

// Transform performs y[i] = op(y[i], x[i]).
func Transform(y, x []float64, op Op) {
	if len(y) != len(x) {
		panic("collective: Transform length mismatch")
	}
	n := len(y)
	if n < parallelThreshold || numWorkers < 2 {
		transform(y, x, op)
		return
	}

	var wg sync.WaitGroup
	perWorker := (n + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		start := w * perWorker
		if start >= n {
			break
		}
		end := start + perWorker
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			transform(y[start:end], x[start:end], op)
		}(start, end)
	}
	wg.Wait()
}

func transform(y, x []float64, op Op) {
	switch op {
	case Sum:
		floats.Add(y, x)
	case Prod:
		floats.Mul(y, x)
	case Min:
		for i, v := range x {
			y[i] = math.Min(y[i], v)
		}
	case Max:
		for i, v := range x {
			y[i] = math.Max(y[i], v)
		}
	default:
		panic(fmt.Sprintf("collective: unknown op %d", int(op)))
	}
}
