package mesh

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// BuilderState is the lifecycle stage of a Builder. Stages only move
// forward until Clear.
type BuilderState uint8

const (
	StateInitialized BuilderState = iota
	StateReconstructionsAdded
	StatePreprocessed
	StateBuiltComposite
)

func (s BuilderState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateReconstructionsAdded:
		return "reconstructions-added"
	case StatePreprocessed:
		return "preprocessed"
	case StateBuiltComposite:
		return "built-composite"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// IncorporationStats summarises how one reconstruction was merged.
type IncorporationStats struct {
	Name              string `json:"name"`
	Matches           int    `json:"matches"`
	Dropped           int    `json:"dropped"`
	Splits            int    `json:"splits"`
	Rounds            int    `json:"rounds"`
	NewBranches       int    `json:"newBranches"`
	CompositeBranches int    `json:"compositeBranches"`
}

// BuildSummary describes the last successful composite build.
type BuildSummary struct {
	BuildID          string               `json:"buildId"`
	StartedAt        time.Time            `json:"startedAt"`
	Duration         time.Duration        `json:"duration"`
	Reconstructions  int                  `json:"reconstructions"`
	Branches         int                  `json:"branches"`
	Connections      int                  `json:"connections"`
	MatchesAccepted  int                  `json:"matchesAccepted"`
	MatchesDropped   int                  `json:"matchesDropped"`
	Splits           int                  `json:"splits"`
	MeanConfidence   float64              `json:"meanConfidence"`
	ConfidenceStdDev float64              `json:"confidenceStdDev"`
	Incorporations   []IncorporationStats `json:"incorporations"`
}

// Option configures a Builder.
type Option func(*Builder)

// WithParams replaces the default parameters.
func WithParams(p Params) Option {
	return func(b *Builder) { b.params = p }
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// Builder merges reconstructions into a composite and extracts a thresholded
// consensus from it. A Builder is not safe for concurrent use.
type Builder struct {
	params          Params
	logger          *Logger
	state           BuilderState
	reconstructions []*Reconstruction
	composite       *Composite
	bins            *Binning
	summary         BuildSummary
	nextID          int
}

// NewBuilder returns an empty builder in StateInitialized.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		params:    DefaultParams(),
		logger:    NoopLogger(),
		composite: NewComposite(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewBuilderFromSegments wraps each root segment in a Reconstruction. Names
// and confidences are matched by position; missing names are generated and
// missing confidences default to 1.
func NewBuilderFromSegments(roots []*NeuronSegment, names []string, confidences []float64, opts ...Option) (*Builder, error) {
	b := NewBuilder(opts...)
	for i, root := range roots {
		name := fmt.Sprintf("reconstruction-%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		conf := 1.0
		if i < len(confidences) {
			conf = confidences[i]
		}
		r, err := NewReconstruction(name, root, conf)
		if err != nil {
			return nil, err
		}
		if err := b.AddReconstruction(r); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NewBuilderFromDirectory loads every SWC/ESWC file in dir as a
// reconstruction with confidence 1.
func NewBuilderFromDirectory(dir string, opts ...Option) (*Builder, error) {
	b := NewBuilder(opts...)
	recs, err := LoadReconstructionsFromDirectory(dir, b.logger)
	if err != nil {
		return nil, err
	}
	if err := b.SetReconstructions(recs); err != nil {
		return nil, err
	}
	return b, nil
}

// State returns the current lifecycle stage.
func (b *Builder) State() BuilderState { return b.state }

// Params returns a copy of the current parameters.
func (b *Builder) Params() Params { return b.params }

// SetParams replaces all parameters. They take effect at the next
// preprocessing or build step.
func (b *Builder) SetParams(p Params) { b.params = p }

// Scale multiplies marker coordinates during preprocessing.
func (b *Builder) Scale() float64 { return b.params.Scale }

// SetScale sets Scale.
func (b *Builder) SetScale(v float64) { b.params.Scale = v }

// RegisterCubeSize is the binning cube edge in microns.
func (b *Builder) RegisterCubeSize() float64 { return b.params.RegisterCubeSize }

// SetRegisterCubeSize sets RegisterCubeSize.
func (b *Builder) SetRegisterCubeSize(v float64) { b.params.RegisterCubeSize = v }

// MatchScoreThreshold is the minimum local alignment score of a match.
func (b *Builder) MatchScoreThreshold() float64 { return b.params.MatchScoreThreshold }

// SetMatchScoreThreshold sets MatchScoreThreshold.
func (b *Builder) SetMatchScoreThreshold(v float64) { b.params.MatchScoreThreshold = v }

// EndpointDistanceThreshold bounds proximal branch splitting.
func (b *Builder) EndpointDistanceThreshold() float64 { return b.params.EndpointDistanceThreshold }

// SetEndpointDistanceThreshold sets EndpointDistanceThreshold.
func (b *Builder) SetEndpointDistanceThreshold(v float64) { b.params.EndpointDistanceThreshold = v }

// CurveDistanceThreshold bounds curved branch splitting.
func (b *Builder) CurveDistanceThreshold() float64 { return b.params.CurveDistanceThreshold }

// SetCurveDistanceThreshold sets CurveDistanceThreshold.
func (b *Builder) SetCurveDistanceThreshold(v float64) { b.params.CurveDistanceThreshold = v }

// GapCost is the alignment gap penalty.
func (b *Builder) GapCost() float64 { return b.params.GapCost }

// SetGapCost sets GapCost.
func (b *Builder) SetGapCost(v float64) { b.params.GapCost = v }

// AlignmentDistanceThreshold is the marker distance at which a pairing stops scoring.
func (b *Builder) AlignmentDistanceThreshold() float64 { return b.params.AlignmentDistanceThreshold }

// SetAlignmentDistanceThreshold sets AlignmentDistanceThreshold.
func (b *Builder) SetAlignmentDistanceThreshold(v float64) { b.params.AlignmentDistanceThreshold = v }

// MarkerSampleRate is the binning marker stride.
func (b *Builder) MarkerSampleRate() int { return b.params.MarkerSampleRate }

// SetMarkerSampleRate sets MarkerSampleRate.
func (b *Builder) SetMarkerSampleRate(v int) { b.params.MarkerSampleRate = v }

// BranchConfidenceThreshold is the default extraction proportion.
func (b *Builder) BranchConfidenceThreshold() float64 { return b.params.BranchConfidenceThreshold }

// SetBranchConfidenceThreshold sets BranchConfidenceThreshold.
func (b *Builder) SetBranchConfidenceThreshold(v float64) { b.params.BranchConfidenceThreshold = v }

// BranchVoteThreshold is the default extraction vote count when positive.
func (b *Builder) BranchVoteThreshold() float64 { return b.params.BranchVoteThreshold }

// SetBranchVoteThreshold sets BranchVoteThreshold.
func (b *Builder) SetBranchVoteThreshold(v float64) { b.params.BranchVoteThreshold = v }

// Reconstructions returns the stored reconstructions in insertion order.
func (b *Builder) Reconstructions() []*Reconstruction { return b.reconstructions }

// Composite returns the composite of the last build. It is empty before a
// successful BuildComposite.
func (b *Builder) Composite() *Composite { return b.composite }

// Summary returns statistics for the last successful build.
func (b *Builder) Summary() BuildSummary { return b.summary }

func (b *Builder) require(op string, allowed ...BuilderState) error {
	for _, s := range allowed {
		if b.state == s {
			return nil
		}
	}
	return &StateError{Op: op, State: b.state, Allowed: allowed}
}

// AddReconstruction appends r and assigns it a builder-local ID.
func (b *Builder) AddReconstruction(r *Reconstruction) error {
	if err := b.require("add reconstruction", StateInitialized, StateReconstructionsAdded); err != nil {
		return err
	}
	if r == nil {
		return &MalformedError{Reason: "nil reconstruction"}
	}
	for _, existing := range b.reconstructions {
		if existing == r {
			return fmt.Errorf("reconstruction %q added twice", r.Name)
		}
	}
	r.ID = b.nextID
	b.nextID++
	b.reconstructions = append(b.reconstructions, r)
	b.state = StateReconstructionsAdded
	return nil
}

// SetReconstructions replaces the stored reconstructions. An empty list
// returns the builder to StateInitialized.
func (b *Builder) SetReconstructions(rs []*Reconstruction) error {
	if err := b.require("set reconstructions", StateInitialized, StateReconstructionsAdded); err != nil {
		return err
	}
	b.reconstructions = nil
	b.nextID = 0
	b.state = StateInitialized
	for _, r := range rs {
		if err := b.AddReconstruction(r); err != nil {
			return err
		}
	}
	return nil
}

// PreprocessReconstructions scales every reconstruction and splits proximal
// and curved branches.
func (b *Builder) PreprocessReconstructions() error {
	if err := b.require("preprocess", StateReconstructionsAdded); err != nil {
		return err
	}
	if err := b.params.Validate(); err != nil {
		return err
	}
	for _, r := range b.reconstructions {
		before := r.Len()
		r.scale(b.params.Scale)
		SplitProximalBranches(r, b.params.EndpointDistanceThreshold)
		SplitCurvedBranches(r, b.params.CurveDistanceThreshold)
		if err := r.Validate(); err != nil {
			return err
		}
		b.logger.LogPreprocess(r.Name, before, r.Len())
	}
	b.state = StatePreprocessed
	return nil
}

// BuildComposite incorporates every reconstruction in insertion order.
// Incorporation splits and relinks branches, so it runs on copies that
// replace the stored reconstructions only when every one succeeded. On
// failure the composite is reset, the reconstructions are left as
// preprocessed and the builder stays in StatePreprocessed.
func (b *Builder) BuildComposite() error {
	if err := b.require("build composite", StatePreprocessed); err != nil {
		return err
	}
	if err := b.params.Validate(); err != nil {
		return err
	}

	started := time.Now()
	b.composite = NewComposite()
	b.bins = NewBinning(b.params.RegisterCubeSize, b.params.MarkerSampleRate)
	summary := BuildSummary{
		BuildID:         uuid.NewString(),
		StartedAt:       started,
		Reconstructions: len(b.reconstructions),
	}

	work := make([]*Reconstruction, len(b.reconstructions))
	for i, r := range b.reconstructions {
		work[i] = r.clone()
	}

	for _, r := range work {
		stats, err := b.incorporate(r)
		if err != nil {
			b.composite = NewComposite()
			b.bins = nil
			err = fmt.Errorf("incorporate %s: %w", r.Name, err)
			b.logger.LogBuild(len(b.reconstructions), 0, err)
			return err
		}
		b.logger.LogIncorporation(stats)
		summary.MatchesAccepted += stats.Matches
		summary.MatchesDropped += stats.Dropped
		summary.Splits += stats.Splits
		summary.Incorporations = append(summary.Incorporations, stats)
	}

	for i, r := range work {
		for _, br := range r.Branches() {
			if cb := b.composite.Branch(br.CompositeMatch); cb != nil {
				br.Confidence = cb.Confidence()
			}
		}
		*b.reconstructions[i] = *r
	}

	confs := make([]float64, 0, b.composite.Len())
	for _, cb := range b.composite.Branches() {
		confs = append(confs, cb.Confidence())
	}
	if len(confs) > 0 {
		summary.MeanConfidence, summary.ConfidenceStdDev = stat.MeanStdDev(confs, nil)
	}
	summary.Branches = b.composite.Len()
	summary.Connections = len(b.composite.Connections())
	summary.Duration = time.Since(started)
	b.summary = summary

	b.state = StateBuiltComposite
	b.logger.LogBuild(len(b.reconstructions), b.composite.Len(), nil)
	return nil
}

// incorporate merges one reconstruction into the composite.
func (b *Builder) incorporate(r *Reconstruction) (IncorporationStats, error) {
	stats := IncorporationStats{Name: r.Name}
	if err := r.Validate(); err != nil {
		return stats, err
	}
	for _, br := range r.Branches() {
		br.CompositeMatch = NoBranch
		br.Confidence = -1
	}
	conf := r.Confidence

	if b.composite.Len() == 0 {
		stats.NewBranches = b.incorporateUnassignedBranches(r)
		b.createConnections(r)
		stats.CompositeBranches = b.composite.Len()
		return stats, nil
	}

	owner := ReconstructionOwner(r.ID)
	b.bins.BinReconstruction(r)
	defer b.bins.RemoveOwner(owner)

	// Each round matches what earlier rounds left over. Splitting cuts the
	// unmatched remainder of a partly matched branch into its own branch on
	// both sides, which the next round can then align.
	matched := make(map[CompositeID]bool)
	for {
		kept, err := b.matchRound(r, matched, &stats)
		if err != nil {
			return stats, err
		}
		if kept == 0 {
			break
		}
	}
	existing := b.composite.Len()

	// Branches this reconstruction could have matched count a vote against.
	for id := CompositeID(0); int(id) < existing; id++ {
		if matched[id] {
			continue
		}
		if b.bins.Reached(CompositeOwner, int(id), owner) {
			b.composite.Branch(id).Denominator += conf
		}
	}

	stats.NewBranches = b.incorporateUnassignedBranches(r)
	b.createConnections(r)
	stats.CompositeBranches = b.composite.Len()
	return stats, nil
}

// matchRound finds, resolves and applies one round of matches between the
// still unmatched branches of r and the composite branches not in matched.
// Kept matches link their reconstruction branch and add one vote to their
// composite branch. It returns the number of kept matches.
func (b *Builder) matchRound(r *Reconstruction, matched map[CompositeID]bool, stats *IncorporationStats) (int, error) {
	m := NewMatcher(r, b.composite, b.bins, b.params)
	var doneRecon []BranchID
	for _, br := range r.Branches() {
		if br.CompositeMatch != NoBranch {
			doneRecon = append(doneRecon, br.ID)
		}
	}
	m.Exclude(doneRecon, sortedKeys(matched))

	if seed := m.SeedRoot(); seed != nil {
		m.FindMatches(seed.Recon, seed.Comp)
	}
	local, err := m.FindMatchesLocalAlignment()
	if err != nil {
		return 0, err
	}
	for _, lm := range local {
		m.FindMatches(lm.Recon, lm.Comp)
	}

	kept, dropped := ResolveConflicts(m.Matches(), b.params.MatchScoreThreshold)
	stats.Rounds++
	stats.Matches += len(kept)
	stats.Dropped += len(dropped)
	if len(kept) == 0 {
		return 0, nil
	}

	splits, err := AverageAndSplitAlignments(r, b.composite, b.bins, kept)
	if err != nil {
		return 0, err
	}
	stats.Splits += splits

	conf := r.Confidence
	for _, mt := range kept {
		rb := r.Branch(mt.Recon)
		cb := b.composite.Branch(mt.Comp)
		if rb == nil || cb == nil {
			return 0, fmt.Errorf("match %s: %w", mt, ErrBranchNotFound)
		}
		rb.CompositeMatch = mt.Comp
		if matched[mt.Comp] {
			continue
		}
		cb.Numerator += conf
		cb.Denominator += conf
		matched[mt.Comp] = true
	}
	b.logger.WithReconstruction(r.Name).Debug("match round",
		"round", stats.Rounds,
		"kept", len(kept),
		"unmatched_reconstruction", len(m.UnmatchedReconstruction()),
		"unmatched_composite", len(m.UnmatchedComposite()),
	)
	return len(kept), nil
}

// incorporateUnassignedBranches adds every reconstruction branch without a
// composite match as a new composite branch holding one vote.
func (b *Builder) incorporateUnassignedBranches(r *Reconstruction) int {
	n := 0
	for _, br := range r.Branches() {
		if br.CompositeMatch != NoBranch {
			continue
		}
		cid := b.composite.AddBranch(br.Markers, r.ID, r.Confidence)
		br.CompositeMatch = cid
		b.bins.BinBranch(CompositeOwner, int(cid), b.composite.Branch(cid).Markers)
		n++
	}
	return n
}

// createConnections votes for the composite link mirroring every
// parent/child pair of the reconstruction.
func (b *Builder) createConnections(r *Reconstruction) {
	for _, br := range r.Branches() {
		if br.Parent == NoBranch {
			continue
		}
		parent := r.Branch(br.Parent).CompositeMatch
		if parent == NoBranch || br.CompositeMatch == NoBranch || parent == br.CompositeMatch {
			continue
		}
		b.composite.Vote(parent, br.CompositeMatch, r.Confidence)
	}
}

// BuildConsensus extracts the consensus at the configured threshold.
func (b *Builder) BuildConsensus() (*Consensus, error) {
	return b.BuildConsensusWithThreshold(b.params.Threshold())
}

// BuildConsensusWithThreshold advances the builder to StateBuiltComposite
// as needed and extracts the branches passing t. A builder without
// reconstructions yields an empty consensus.
func (b *Builder) BuildConsensusWithThreshold(t Threshold) (*Consensus, error) {
	switch b.state {
	case StateInitialized:
		return ExtractConsensus(NewComposite(), t), nil
	case StateReconstructionsAdded:
		if err := b.PreprocessReconstructions(); err != nil {
			return nil, err
		}
		fallthrough
	case StatePreprocessed:
		if err := b.BuildComposite(); err != nil {
			return nil, err
		}
	}
	return ExtractConsensus(b.composite, t), nil
}

// Clear drops every reconstruction and the composite and returns to
// StateInitialized. Parameters are kept.
func (b *Builder) Clear() {
	b.reconstructions = nil
	b.composite = NewComposite()
	b.bins = nil
	b.summary = BuildSummary{}
	b.nextID = 0
	b.state = StateInitialized
}
