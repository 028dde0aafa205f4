package mesh

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type swcNode struct {
	id       int
	marker   Marker
	parent   int
	children []int
}

// ParseSWC reads an SWC (or ESWC, extra columns are ignored) skeleton and
// splits it into segments at branch points. When the file holds several
// trees the largest one is returned and the rest are logged and skipped.
func ParseSWC(r io.Reader, name string, logger *Logger) (*NeuronSegment, error) {
	if logger == nil {
		logger = NoopLogger()
	}
	nodes := make(map[int]*swcNode)
	var order []int

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			return nil, &MalformedError{Name: name, Reason: fmt.Sprintf("line %d: expected 7 columns, got %d", lineNo, len(fields))}
		}
		n, err := parseSWCNode(fields)
		if err != nil {
			return nil, &MalformedError{Name: name, Reason: fmt.Sprintf("line %d: %v", lineNo, err)}
		}
		if _, dup := nodes[n.id]; dup {
			return nil, &MalformedError{Name: name, Reason: fmt.Sprintf("line %d: duplicate node id %d", lineNo, n.id)}
		}
		nodes[n.id] = n
		order = append(order, n.id)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if len(nodes) == 0 {
		return nil, &MalformedError{Name: name, Reason: "no nodes"}
	}

	var roots []int
	for _, id := range order {
		n := nodes[id]
		if n.parent < 0 {
			roots = append(roots, id)
			continue
		}
		p, ok := nodes[n.parent]
		if !ok {
			return nil, &MalformedError{Name: name, Reason: fmt.Sprintf("node %d has unknown parent %d", id, n.parent)}
		}
		p.children = append(p.children, id)
	}

	best, bestSize, reached := -1, 0, 0
	for _, root := range roots {
		size := subtreeSize(nodes, root)
		reached += size
		if size > bestSize {
			best, bestSize = root, size
		}
	}
	if reached != len(nodes) {
		return nil, &MalformedError{Name: name, Reason: fmt.Sprintf("%d nodes are not reachable from a root (cycle)", len(nodes)-reached)}
	}
	if len(roots) > 1 {
		logger.WithReconstruction(name).Warn("skipping extra trees",
			"trees", len(roots),
			"kept_root", best,
			"kept_nodes", bestSize,
		)
	}

	return segmentsFromNodes(nodes, best), nil
}

func parseSWCNode(fields []string) (*swcNode, error) {
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	var vals [4]float64
	for i := range vals {
		if vals[i], err = strconv.ParseFloat(fields[2+i], 64); err != nil {
			return nil, fmt.Errorf("node %d column %d: %w", id, 3+i, err)
		}
	}
	parent, err := strconv.Atoi(fields[6])
	if err != nil {
		return nil, fmt.Errorf("node %d parent: %w", id, err)
	}
	return &swcNode{
		id:     id,
		marker: Marker{X: vals[0], Y: vals[1], Z: vals[2], Radius: vals[3]},
		parent: parent,
	}, nil
}

func subtreeSize(nodes map[int]*swcNode, root int) int {
	n := 0
	stack := []int{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n++
		stack = append(stack, nodes[id].children...)
	}
	return n
}

// segmentsFromNodes groups runs of single-child nodes into segments. A new
// segment starts at every child of a branch point.
func segmentsFromNodes(nodes map[int]*swcNode, root int) *NeuronSegment {
	type item struct {
		start  int
		parent *NeuronSegment
	}
	var top *NeuronSegment
	stack := []item{{start: root}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		seg := &NeuronSegment{}
		n := nodes[it.start]
		seg.Markers = append(seg.Markers, n.marker)
		for len(n.children) == 1 {
			n = nodes[n.children[0]]
			seg.Markers = append(seg.Markers, n.marker)
		}
		if it.parent == nil {
			top = seg
		} else {
			it.parent.Children = append(it.parent.Children, seg)
		}
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, item{start: n.children[i], parent: seg})
		}
	}
	return top
}

// ReadSWCFile parses the SWC file at path, naming it after the file.
func ReadSWCFile(path string, logger *Logger) (*NeuronSegment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ParseSWC(f, reconstructionName(path), logger)
}

func reconstructionName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadReconstructionsFromDirectory reads every .swc and .eswc file in dir,
// in name order, as a reconstruction with confidence 1.
func LoadReconstructionsFromDirectory(dir string, logger *Logger) ([]*Reconstruction, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading reconstruction directory: %w", err)
	}
	var out []*Reconstruction
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".swc", ".eswc":
		default:
			continue
		}
		path := filepath.Join(dir, e.Name())
		root, err := ReadSWCFile(path, logger)
		if err != nil {
			return nil, err
		}
		r, err := NewReconstruction(reconstructionName(path), root, 1)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// nodeTypeValue is the number written in the SWC type column: a percentage
// for proportions, a rounded count for votes.
func nodeTypeValue(b *ConsensusBranch, basis NodeTypeBasis, kind ThresholdKind) int {
	useConnection := basis == NodeTypeConnectionConfidence && b.Parent != NoBranch
	var v float64
	switch {
	case useConnection && kind == ThresholdVotes:
		v = b.Votes
	case useConnection:
		v = 100 * b.ConnectionConfidence
	case kind == ThresholdVotes:
		v = b.Numerator
	default:
		v = 100 * b.Confidence
	}
	return int(math.Round(v))
}

// WriteSWC writes the consensus as SWC. Node ids are assigned depth first
// from each root; the type column encodes confidence as selected by basis
// and kind.
func WriteSWC(w io.Writer, c *Consensus, basis NodeTypeBasis, kind ThresholdKind) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# neuromesh consensus\n")
	fmt.Fprintf(bw, "# threshold %g (%s)\n", c.Threshold.Value, thresholdKindName(c.Threshold.Kind))
	fmt.Fprintf(bw, "# id type x y z radius parent\n")

	next := 1
	type item struct {
		id         CompositeID
		parentNode int
	}
	for _, root := range c.Roots {
		stack := []item{{id: root, parentNode: -1}}
		for len(stack) > 0 {
			it := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			b := c.Branch(it.id)
			typ := nodeTypeValue(b, basis, kind)
			parent := it.parentNode
			for _, m := range b.Markers {
				fmt.Fprintf(bw, "%d %d %.4f %.4f %.4f %.4f %d\n", next, typ, m.X, m.Y, m.Z, m.Radius, parent)
				parent = next
				next++
			}
			for i := len(b.Children) - 1; i >= 0; i-- {
				stack = append(stack, item{id: b.Children[i], parentNode: parent})
			}
		}
	}
	return bw.Flush()
}

func thresholdKindName(k ThresholdKind) string {
	if k == ThresholdVotes {
		return "votes"
	}
	return "proportion"
}

// WriteConsensusToSWC builds the consensus at threshold and writes it to
// filename.
func (b *Builder) WriteConsensusToSWC(filename string, threshold float64, basis NodeTypeBasis, kind ThresholdKind) error {
	cons, err := b.BuildConsensusWithThreshold(Threshold{Value: threshold, Kind: kind})
	if err != nil {
		return err
	}
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filename, err)
	}
	if err := WriteSWC(f, cons, basis, kind); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filename, err)
	}
	return f.Close()
}

// WriteConsensusToESWC is reserved for ESWC export.
func (b *Builder) WriteConsensusToESWC(filename string, threshold float64, basis NodeTypeBasis, kind ThresholdKind) error {
	return fmt.Errorf("eswc export to %s: %w", filename, ErrNotImplemented)
}
