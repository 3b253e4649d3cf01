package stage

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/lfi-playground/lfi-demo/internal/hw"
)

// Geometry describes the delta stage flexures (in mm) and the rotation of
// the camera relative to the stage (in degrees).
type Geometry struct {
	FlexH       float64
	FlexA       float64
	FlexB       float64
	CameraAngle float64
}

// DefaultGeometry is the OpenFlexure delta stage.
func DefaultGeometry() Geometry {
	return Geometry{FlexH: 80, FlexA: 50, FlexB: 50}
}

// transform converts between motor (delta) steps and camera-aligned
// cartesian steps.
type transform struct {
	toCartesian *mat.Dense
	toMotors    *mat.Dense
}

func newTransform(g Geometry) (*transform, error) {
	theta := g.CameraAngle / 180 * math.Pi
	rot := mat.NewDense(3, 3, []float64{
		math.Cos(theta), -math.Sin(theta), 0,
		math.Sin(theta), math.Cos(theta), 0,
		0, 0, 1,
	})

	xFac := -2 / math.Sqrt(3) * g.FlexB / g.FlexH
	yFac := -g.FlexB / g.FlexH
	zFac := g.FlexB / g.FlexA / 3
	deltaToCart := mat.NewDense(3, 3, []float64{
		-xFac, xFac, 0,
		0.5 * yFac, 0.5 * yFac, -yFac,
		zFac, zFac, zFac,
	})

	var cartToDelta, rotInv mat.Dense
	if err := cartToDelta.Inverse(deltaToCart); err != nil {
		return nil, fmt.Errorf("stage geometry is singular: %w", err)
	}
	if err := rotInv.Inverse(rot); err != nil {
		return nil, fmt.Errorf("camera rotation is singular: %w", err)
	}

	t := &transform{toCartesian: &mat.Dense{}, toMotors: &mat.Dense{}}
	t.toCartesian.Mul(&rotInv, deltaToCart)
	t.toMotors.Mul(&cartToDelta, rot)
	return t, nil
}

func apply(m *mat.Dense, c hw.Coordinates) hw.Coordinates {
	in := mat.NewVecDense(3, []float64{float64(c[0]), float64(c[1]), float64(c[2])})
	var out mat.VecDense
	out.MulVec(m, in)
	return hw.Coordinates{
		int32(math.Round(out.AtVec(0))),
		int32(math.Round(out.AtVec(1))),
		int32(math.Round(out.AtVec(2))),
	}
}

func (t *transform) cartesian(motors hw.Coordinates) hw.Coordinates {
	return apply(t.toCartesian, motors)
}

func (t *transform) motors(cartesian hw.Coordinates) hw.Coordinates {
	return apply(t.toMotors, cartesian)
}
