package proofdb

import "os"
import "fmt"
import "bufio"

// this function will export the non empty part of the snapshot to a dot graph file to understand any issues
func (s *Snapshot) Graph(fname string) (err error) {
	f, err := os.Create(fname)
	if err != nil {
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	w.WriteString("digraph proofdb_graph { \n")
	defer w.WriteString(" \n}\n")

	return s.graph(s.tree.height-1, 0, w)
}

func (s *Snapshot) graph(level uint8, index uint64, w *bufio.Writer) error {
	t := s.tree
	hash, err := t.readNode(s.r, level, index, s.stamp)
	if err != nil {
		return err
	}

	if level == 0 {
		w.WriteString(fmt.Sprintf("node [ fontsize=12 style=filled ]\n{\n"))
		w.WriteString(fmt.Sprintf("L%x  [ fillcolor=%s label = \"L%x   %d\"  ];\n", hash, "green", hash[:8], index))
		w.WriteString(fmt.Sprintf("}\n"))
		return nil
	}

	w.WriteString(fmt.Sprintf("node [ fontsize=12 style=filled ]\n{\n"))
	w.WriteString(fmt.Sprintf("L%x  [ fillcolor=%s label = \"L%x\"  ];\n", hash, "red", hash[:8]))
	w.WriteString(fmt.Sprintf("}\n"))

	for _, child := range []uint64{2*index + 1, 2 * index} {
		chash, err := t.readNode(s.r, level-1, child, s.stamp)
		if err != nil {
			return err
		}
		if chash == t.empty[level-1] { // empty subtrees are not drawn
			continue
		}
		w.WriteString(fmt.Sprintf("L%x -> L%x ;\n", hash, chash))
		if err = s.graph(level-1, child, w); err != nil {
			return err
		}
	}
	return nil
}
