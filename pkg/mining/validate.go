package mining

import (
	"fmt"
	"math"
)

// DefaultTolerance is the allowed fractional discrepancy between client
// reported and server calculated earnings. Ten percent accommodates network
// delay between the client's last poll and its stop call; the goal is
// detecting gross manipulation, not micro-discrepancies.
const DefaultTolerance = 0.10

// Verdict is the outcome of comparing client-reported earnings against the
// server's calculated figure.
type Verdict struct {
	IsValid           bool    `json:"is_valid"`
	Difference        float64 `json:"difference"`
	AllowedDifference float64 `json:"allowed_difference"`
}

// ValidateEarnings compares a client-reported earnings figure against the
// server's calculation within a tolerance band. The verdict is advisory
// metadata only; it never alters the credited amount.
func ValidateEarnings(serverEarnings, clientEarnings, tolerance float64) Verdict {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	allowed := serverEarnings * tolerance
	diff := math.Abs(clientEarnings - serverEarnings)

	return Verdict{
		IsValid:           diff <= allowed,
		Difference:        diff,
		AllowedDifference: allowed,
	}
}

// FlagReason builds the human-readable reason recorded on a suspicious session.
func FlagReason(v Verdict, clientEarnings, serverEarnings float64) string {
	return fmt.Sprintf(
		"client reported %.8f but server calculated %.8f (difference %.8f exceeds allowed %.8f)",
		clientEarnings, serverEarnings, v.Difference, v.AllowedDifference,
	)
}
