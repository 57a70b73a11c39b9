package pragma

import (
	"fmt"
	"strings"
)

// Stage is a shader pipeline stage a template can be compiled for.
type Stage string

const (
	StageVertex         Stage = "vertex"
	StageFragment       Stage = "fragment"
	StageTessControl    Stage = "tess_control"
	StageTessEvaluation Stage = "tess_evaluation"
	StageGeometry       Stage = "geometry"
	StageCompute        Stage = "compute"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageVertex, StageTessControl, StageTessEvaluation, StageGeometry, StageFragment, StageCompute}

// ParseStage returns the stage named s.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid stage %q (choose from %s)", s, joinStages(Stages))
}

// Macro returns the name of the macro defined while compiling the stage, i.e: SHADER_STAGE_VERTEX.
func (s Stage) Macro() string { return "SHADER_STAGE_" + strings.ToUpper(string(s)) }

// Key returns the key of the stage's source in compiled shader maps, i.e: "vertex_shader".
func (s Stage) Key() string { return string(s) + "_shader" }

func joinStages(stages []Stage) string {
	s := make([]string, len(stages))
	for i := range stages {
		s[i] = string(stages[i])
	}
	return strings.Join(s, ", ")
}

// Primitive is the input primitive type of the vertex stage.
type Primitive string

const (
	PrimitivePoints    Primitive = "POINTS"
	PrimitiveLines     Primitive = "LINES"
	PrimitiveTriangles Primitive = "TRIANGLES"
)

// ParsePrimitive returns the primitive named s.
func ParsePrimitive(s string) (Primitive, error) {
	switch p := Primitive(s); p {
	case PrimitivePoints, PrimitiveLines, PrimitiveTriangles:
		return p, nil
	}
	return "", fmt.Errorf("invalid primitive %q (choose from POINTS, LINES, TRIANGLES)", s)
}

// Action is the argument binding behaviour of a template argument.
type Action string

const (
	ActionStore      Action = "store"
	ActionStoreConst Action = "store_const"
	ActionStoreTrue  Action = "store_true"
	ActionStoreFalse Action = "store_false"
)

// ParseAction returns the action named s.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionStore, ActionStoreConst, ActionStoreTrue, ActionStoreFalse:
		return a, nil
	}
	return "", fmt.Errorf("invalid action %q (choose from store, store_const, store_true, store_false)", s)
}

// TakesValue reports whether the argument consumes a value when given.
func (a Action) TakesValue() bool { return a == ActionStore || a == "" }

// BlendOperand is a blend factor applied to a source or destination color.
type BlendOperand uint8

const (
	BlendZero BlendOperand = iota
	BlendOne
	BlendSrcColor
	BlendOneMinusSrcColor
	BlendDstColor
	BlendOneMinusDstColor
	BlendSrcAlpha
	BlendOneMinusSrcAlpha
	BlendDstAlpha
	BlendOneMinusDstAlpha
	BlendConstantColor
	BlendOneMinusConstantColor
	BlendConstantAlpha
	BlendOneMinusConstantAlpha
	BlendSrcAlphaSaturate
	numBlendOperands
)

var blendNames = [numBlendOperands]string{
	BlendZero:                  "ZERO",
	BlendOne:                   "ONE",
	BlendSrcColor:              "SRC_COLOR",
	BlendOneMinusSrcColor:      "ONE_MINUS_SRC_COLOR",
	BlendDstColor:              "DST_COLOR",
	BlendOneMinusDstColor:      "ONE_MINUS_DST_COLOR",
	BlendSrcAlpha:              "SRC_ALPHA",
	BlendOneMinusSrcAlpha:      "ONE_MINUS_SRC_ALPHA",
	BlendDstAlpha:              "DST_ALPHA",
	BlendOneMinusDstAlpha:      "ONE_MINUS_DST_ALPHA",
	BlendConstantColor:         "CONSTANT_COLOR",
	BlendOneMinusConstantColor: "ONE_MINUS_CONSTANT_COLOR",
	BlendConstantAlpha:         "CONSTANT_ALPHA",
	BlendOneMinusConstantAlpha: "ONE_MINUS_CONSTANT_ALPHA",
	BlendSrcAlphaSaturate:      "SRC_ALPHA_SATURATE",
}

func (op BlendOperand) String() string {
	if op >= numBlendOperands {
		return fmt.Sprintf("BlendOperand(%d)", uint8(op))
	}
	return blendNames[op]
}

// ParseBlendOperand parses a blend factor name. Matching is case insensitive
// and an optional GL_ prefix is accepted.
func ParseBlendOperand(s string) (BlendOperand, error) {
	name := strings.TrimPrefix(strings.ToUpper(s), "GL_")
	for i, n := range blendNames {
		if n == name {
			return BlendOperand(i), nil
		}
	}
	return 0, fmt.Errorf("invalid blend operand %q", s)
}

// BlendMode is the blend function applied to the color and alpha channels of the output.
type BlendMode struct {
	SrcColor BlendOperand
	DstColor BlendOperand
	SrcAlpha BlendOperand
	DstAlpha BlendOperand
}

// ParseBlendMode parses four operands in the order src_color dst_color src_alpha dst_alpha.
func ParseBlendMode(args []string) (BlendMode, error) {
	if len(args) != 4 {
		return BlendMode{}, fmt.Errorf("blend mode requires 4 operands (src_color dst_color src_alpha dst_alpha), got %d", len(args))
	}
	var ops [4]BlendOperand
	for i, a := range args {
		op, err := ParseBlendOperand(a)
		if err != nil {
			return BlendMode{}, err
		}
		ops[i] = op
	}
	return BlendMode{SrcColor: ops[0], DstColor: ops[1], SrcAlpha: ops[2], DstAlpha: ops[3]}, nil
}

func (bm BlendMode) String() string {
	return bm.SrcColor.String() + " " + bm.DstColor.String() + " " + bm.SrcAlpha.String() + " " + bm.DstAlpha.String()
}

// PragmaError is a malformed pragma located in a source file.
type PragmaError struct {
	Source string
	Line   int
	Msg    string
}

func (e *PragmaError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Msg)
}
