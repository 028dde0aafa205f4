package mesh

import "fmt"

// DefaultBranchConfidenceThreshold is the proportion of votes a branch needs
// to survive consensus extraction.
const DefaultBranchConfidenceThreshold = 0.25

// Params holds the tunables of a consensus build. Distances are in microns
// after scaling.
type Params struct {
	Scale                      float64 `yaml:"scale" json:"scale"`
	RegisterCubeSize           float64 `yaml:"register_cube_size" json:"registerCubeSize"`
	MarkerSampleRate           int     `yaml:"marker_sample_rate" json:"markerSampleRate"`
	MatchScoreThreshold        float64 `yaml:"match_score_threshold" json:"matchScoreThreshold"`
	EndpointDistanceThreshold  float64 `yaml:"endpoint_distance_threshold" json:"endpointDistanceThreshold"`
	CurveDistanceThreshold     float64 `yaml:"curve_distance_threshold" json:"curveDistanceThreshold"`
	GapCost                    float64 `yaml:"gap_cost" json:"gapCost"`
	AlignmentDistanceThreshold float64 `yaml:"alignment_distance_threshold" json:"alignmentDistanceThreshold"`
	BranchConfidenceThreshold  float64 `yaml:"branch_confidence_threshold" json:"branchConfidenceThreshold"`
	// BranchVoteThreshold, when positive, replaces the proportion threshold
	// with an absolute vote count.
	BranchVoteThreshold float64 `yaml:"branch_vote_threshold" json:"branchVoteThreshold"`
	// Workers bounds concurrent candidate generation; 0 means GOMAXPROCS.
	Workers int `yaml:"workers" json:"workers"`
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{
		Scale:                      1,
		RegisterCubeSize:           DefaultRegisterCubeSize,
		MarkerSampleRate:           DefaultMarkerSampleRate,
		MatchScoreThreshold:        DefaultMatchScoreThreshold,
		EndpointDistanceThreshold:  DefaultEndpointDistanceThreshold,
		CurveDistanceThreshold:     DefaultCurveDistanceThreshold,
		GapCost:                    DefaultGapCost,
		AlignmentDistanceThreshold: DefaultAlignmentDistanceThreshold,
		BranchConfidenceThreshold:  DefaultBranchConfidenceThreshold,
	}
}

// shortBranchScore is the mean pair score asked of branches with too few
// markers to ever reach MatchScoreThreshold.
const shortBranchScore = 0.5

// MinMatchScore is the local alignment score a pair of branches with na and
// nb markers must reach to match. Pairs scoring at most one per marker, it
// is MatchScoreThreshold lowered to shortBranchScore per marker of the
// shorter branch.
func (p Params) MinMatchScore(na, nb int) float64 {
	return min(p.MatchScoreThreshold, shortBranchScore*float64(min(na, nb)))
}

// Validate rejects parameters the pipeline cannot run with.
func (p Params) Validate() error {
	switch {
	case p.Scale <= 0:
		return fmt.Errorf("scale must be positive, got %g", p.Scale)
	case p.RegisterCubeSize <= 0:
		return fmt.Errorf("register_cube_size must be positive, got %g", p.RegisterCubeSize)
	case p.MarkerSampleRate < 1:
		return fmt.Errorf("marker_sample_rate must be at least 1, got %d", p.MarkerSampleRate)
	case p.MatchScoreThreshold <= 0:
		return fmt.Errorf("match_score_threshold must be positive, got %g", p.MatchScoreThreshold)
	case p.EndpointDistanceThreshold < 0:
		return fmt.Errorf("endpoint_distance_threshold must not be negative, got %g", p.EndpointDistanceThreshold)
	case p.CurveDistanceThreshold < 0:
		return fmt.Errorf("curve_distance_threshold must not be negative, got %g", p.CurveDistanceThreshold)
	case p.GapCost < 0:
		return fmt.Errorf("gap_cost must not be negative, got %g", p.GapCost)
	case p.AlignmentDistanceThreshold <= 0:
		return fmt.Errorf("alignment_distance_threshold must be positive, got %g", p.AlignmentDistanceThreshold)
	case p.BranchConfidenceThreshold < 0 || p.BranchConfidenceThreshold > 1:
		return fmt.Errorf("branch_confidence_threshold must be in [0,1], got %g", p.BranchConfidenceThreshold)
	case p.BranchVoteThreshold < 0:
		return fmt.Errorf("branch_vote_threshold must not be negative, got %g", p.BranchVoteThreshold)
	case p.Workers < 0:
		return fmt.Errorf("workers must not be negative, got %d", p.Workers)
	}
	return nil
}

// Threshold returns the default extraction threshold: the vote count when
// one is set, otherwise the proportion.
func (p Params) Threshold() Threshold {
	if p.BranchVoteThreshold > 0 {
		return Threshold{Value: p.BranchVoteThreshold, Kind: ThresholdVotes}
	}
	return Threshold{Value: p.BranchConfidenceThreshold, Kind: ThresholdProportion}
}
