package detect

import "time"

// Cycle detection
const (
	// MinCycleLength is the shortest loop reported as a ring
	MinCycleLength = 3

	// MaxCycleLength bounds the search depth; paths are never extended past it
	MaxCycleLength = 5

	// CycleScoreTriangle is the risk score of a three-account loop
	CycleScoreTriangle = 98.5

	// CycleScoreLong is the risk score of four- and five-account loops
	CycleScoreLong = 94.0
)

// Smurfing detection
const (
	// SmurfMinEdges is the number of transactions a hub needs on one side
	SmurfMinEdges = 10

	// SmurfWindow is the largest spread between first and last transaction
	SmurfWindow = 72 * time.Hour

	// SmurfBaseScore is the score of a hub before the per-edge increment
	SmurfBaseScore = 85.0

	// SmurfPerEdgeScore is added for every transaction on the hub's side
	SmurfPerEdgeScore = 0.2

	// SmurfMaxScore caps the smurfing score
	SmurfMaxScore = 92.5
)

// Shell layering detection
const (
	// ShellMinRun is the minimum number of consecutive pass-through accounts
	ShellMinRun = 3

	// ShellScore is the fixed risk score of a layering chain
	ShellScore = 65.0
)

// Pattern tags attached to suspicious accounts
const (
	TagFanIn         = "high_velocity_smurfing_fan_in"
	TagFanOut        = "high_velocity_smurfing_fan_out"
	TagShellLayering = "shell_layering"
)
