package wrapper

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// FileType is how an output file is presented to users.
type FileType string

const (
	Log    FileType = "log"
	Result FileType = "result"
	Graph  FileType = "graph"
	// Ignored files are copied but not attached.
	Ignored FileType = "ignored"
)

// Classifier decides which output files are kept and how they are
// attached. Names take precedence over extensions; files matching neither
// are left behind.
type Classifier struct {
	Extensions map[string]FileType
	Names      map[string]FileType
	// First lists files attached ahead of the rest, in order.
	First []string
	// Primary files get importance rank 1, everything else 2.
	Primary []string
}

// Classify returns the type of a file name and whether it is kept.
func (c Classifier) Classify(name string) (FileType, bool) {
	if t, ok := c.Names[name]; ok {
		return t, true
	}
	t, ok := c.Extensions[filepath.Ext(name)]
	return t, ok
}

func (c Classifier) rank(name string) int {
	for _, p := range c.Primary {
		if p == name {
			return 1
		}
	}
	return 2
}

// Attachment is a file announced to the metadata store.
type Attachment struct {
	FilePath       string   `json:"file_path"`
	FileName       string   `json:"file_name"`
	FileType       FileType `json:"file_type"`
	ImportanceRank int      `json:"importance_rank"`
}

// order lists the regular files of dir with c.First leading.
func (c Classifier) order(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(entries))
	var rest []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		present[e.Name()] = true
		rest = append(rest, e.Name())
	}
	sort.Strings(rest)

	out := make([]string, 0, len(rest))
	first := make(map[string]bool, len(c.First))
	for _, f := range c.First {
		if present[f] && !first[f] {
			out = append(out, f)
			first[f] = true
		}
	}
	for _, f := range rest {
		if !first[f] {
			out = append(out, f)
		}
	}
	return out, nil
}

// CopyResults copies the kept files of from into to. It returns the
// attachments to announce and the paths of every copied file.
func CopyResults(from, to string, c Classifier) ([]Attachment, []string, error) {
	names, err := c.order(from)
	if err != nil {
		return nil, nil, fmt.Errorf("wrapper: list %s: %w", from, err)
	}
	var attachments []Attachment
	var copied []string
	for _, name := range names {
		t, keep := c.Classify(name)
		if !keep {
			continue
		}
		dst := filepath.Join(to, name)
		if err := copyFile(filepath.Join(from, name), dst); err != nil {
			return nil, nil, err
		}
		log.Debug("copied result file", "from", filepath.Join(from, name), "to", dst)
		copied = append(copied, dst)
		if t == Ignored {
			continue
		}
		attachments = append(attachments, Attachment{
			FilePath:       to,
			FileName:       name,
			FileType:       t,
			ImportanceRank: c.rank(name),
		})
	}
	return attachments, copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("wrapper: copy %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("wrapper: copy to %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("wrapper: copy %s: %w", src, err)
	}
	return out.Close()
}
