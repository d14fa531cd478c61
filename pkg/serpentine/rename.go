package serpentine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// ManifestName is written next to the renamed files before anything moves.
const ManifestName = "rename_manifest.yaml"

// RenameOptions controls Apply.
type RenameOptions struct {
	Dir        string
	FromPrefix string
	ToPrefix   string
	Ext        string
	RunID      string
	Mapper     string
	Logger     *slog.Logger
}

// PermutationGapError reports an acquisition index with no file on disk.
type PermutationGapError struct {
	Index int
	Path  string
}

func (e *PermutationGapError) Error() string {
	return fmt.Sprintf("acquisition index %d has no file at %s", e.Index, e.Path)
}

// Move is one planned rename.
type Move struct {
	Acquisition int    `yaml:"acquisition"`
	Stitching   int    `yaml:"stitching"`
	From        string `yaml:"from"`
	To          string `yaml:"to"`
}

// Manifest records a rename batch so it can be audited or undone by hand.
type Manifest struct {
	RunID     string    `yaml:"runId,omitempty"`
	Mapper    string    `yaml:"mapper,omitempty"`
	CreatedAt time.Time `yaml:"createdAt"`
	Dir       string    `yaml:"dir"`
	Moves     []Move    `yaml:"moves"`
}

// Plan computes the moves for perm without touching the filesystem beyond
// existence checks. Companion files sharing a stem (FOV_3.tif and
// FOV_3.tif.yaml) move together.
func Plan(perm Permutation, opts RenameOptions) ([]Move, error) {
	if opts.FromPrefix == "" || opts.ToPrefix == "" {
		return nil, errors.New("rename prefixes must not be empty")
	}
	if opts.FromPrefix == opts.ToPrefix {
		return nil, fmt.Errorf("source and destination prefix are both %q", opts.FromPrefix)
	}
	if err := perm.Validate(); err != nil {
		return nil, err
	}

	var moves []Move
	for acq, target := range perm {
		from := filepath.Join(opts.Dir, opts.FromPrefix+strconv.Itoa(acq)+opts.Ext)
		if _, err := os.Stat(from); err != nil {
			if os.IsNotExist(err) {
				return nil, &PermutationGapError{Index: acq, Path: from}
			}
			return nil, fmt.Errorf("checking %s: %w", from, err)
		}
		to := filepath.Join(opts.Dir, opts.ToPrefix+strconv.Itoa(target)+opts.Ext)
		moves = append(moves, Move{Acquisition: acq, Stitching: target, From: from, To: to})

		companions, err := filepath.Glob(escapeGlob(from) + ".*")
		if err != nil {
			return nil, err
		}
		sort.Strings(companions)
		for _, c := range companions {
			moves = append(moves, Move{
				Acquisition: acq,
				Stitching:   target,
				From:        c,
				To:          to + strings.TrimPrefix(c, from),
			})
		}
	}

	extra, err := extraSources(len(perm), opts)
	if err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		return nil, fmt.Errorf("%d files match %s<n>%s beyond the %d mapped tiles: %s",
			len(extra), opts.FromPrefix, opts.Ext, len(perm), strings.Join(extra, ", "))
	}

	for _, m := range moves {
		if _, err := os.Stat(m.To); err == nil {
			return nil, fmt.Errorf("destination %s already exists", m.To)
		}
	}
	return moves, nil
}

// Apply renames FromPrefix<a> to ToPrefix<perm[a]> for every acquisition
// index. All preconditions are checked and the manifest is written before the
// first rename.
func Apply(perm Permutation, opts RenameOptions) (*Manifest, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	moves, err := Plan(perm, opts)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		RunID:     opts.RunID,
		Mapper:    opts.Mapper,
		CreatedAt: time.Now().UTC(),
		Dir:       opts.Dir,
		Moves:     moves,
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding rename manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(opts.Dir, ManifestName), data); err != nil {
		return nil, err
	}

	for i, m := range moves {
		if err := os.Rename(m.From, m.To); err != nil {
			return manifest, fmt.Errorf("rename %d of %d (%s -> %s): %w", i+1, len(moves), m.From, m.To, err)
		}
		log.Debug("renamed tile", "from", filepath.Base(m.From), "to", filepath.Base(m.To))
	}
	log.Info("renamed tiles", "count", len(perm), "files", len(moves), "dir", opts.Dir)
	return manifest, nil
}

// extraSources lists FromPrefix<n> files whose index is outside the mapping.
func extraSources(n int, opts RenameOptions) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(escapeGlob(opts.Dir), escapeGlob(opts.FromPrefix)+"*"+opts.Ext))
	if err != nil {
		return nil, err
	}
	var extra []string
	for _, m := range matches {
		base := filepath.Base(m)
		num := strings.TrimSuffix(strings.TrimPrefix(base, opts.FromPrefix), opts.Ext)
		idx, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		if idx < 0 || idx >= n {
			extra = append(extra, base)
		}
	}
	sort.Strings(extra)
	return extra, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}

func writeAtomic(file string, data []byte) error {
	if err := atomic.WriteFile(file, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", file, err)
	}
	return nil
}
