package common

import "errors"

// Stage error categories. Callers branch on these to decide whether a
// failure is terminal (extraction), degradable (blueprint) or retried on a
// later cycle (graph build).
var (
	ErrExtraction = errors.New("extraction failed")
	ErrBlueprint  = errors.New("blueprint generation failed")
	ErrGraphBuild = errors.New("graph build failed")
	ErrQuery      = errors.New("query failed")
)
