package override

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	jd "github.com/josephburnett/jd/lib"
	"github.com/samber/oops"
	"gopkg.in/yaml.v2"

	"github.com/cve-monitor/cve-monitor/pkg/types"
)

// Config represents the override configuration file
type Config struct {
	Patches []PatchEntry `yaml:"patches"`
}

// PatchEntry selects records by CVE ID, by location path suffix, or by both.
type PatchEntry struct {
	ID     string `yaml:"id"`     // e.g. "CVE-2024-0001"
	Target string `yaml:"target"` // e.g. "/cves/2024/0xxx/CVE-2024-0001.json"
	Diff   string `yaml:"diff"`   // jd diff file, relative to the overrides dir
}

type entry struct {
	id     string
	target string
	diff   jd.Diff
}

// Patches holds the loaded overrides. Diff files are parsed by Load, so a
// broken override fails the run before any record is fetched.
type Patches struct {
	entries []entry
}

// Patch is a diff matched to one record.
type Patch struct {
	recordID string
	diff     jd.Diff
}

// Load reads config.yaml and every diff it references from overridesDir.
func Load(overridesDir string) (*Patches, error) {
	eb := oops.With("overrides_dir", overridesDir)

	b, err := os.ReadFile(filepath.Join(overridesDir, "config.yaml"))
	if err != nil {
		return nil, eb.Wrapf(err, "failed to open config file")
	}

	var cfg Config
	if err = yaml.Unmarshal(b, &cfg); err != nil {
		return nil, eb.Wrapf(err, "failed to parse config.yaml")
	}

	patches := &Patches{entries: make([]entry, 0, len(cfg.Patches))}
	for _, p := range cfg.Patches {
		eb := eb.With("id", p.ID, "target", p.Target, "diff", p.Diff)
		switch {
		case p.Diff == "":
			return nil, eb.Errorf("patch entry missing 'diff' field")
		case !filepath.IsLocal(p.Diff):
			return nil, eb.Errorf("diff path must be local")
		case p.ID == "" && p.Target == "":
			return nil, eb.Errorf("patch entry needs 'id' or 'target'")
		case p.ID != "" && !types.ValidID(p.ID):
			return nil, eb.Errorf("invalid record ID")
		}

		target := filepath.ToSlash(p.Target)
		if target != "" && !strings.HasPrefix(target, "/") {
			return nil, eb.Errorf("target path must start with '/'")
		}

		diffPath := filepath.Join(overridesDir, p.Diff)
		diff, err := jd.ReadDiffFile(diffPath)
		if err != nil {
			return nil, eb.With("diff_file", diffPath).Wrapf(err, "failed to read/parse diff file")
		}

		patches.entries = append(patches.entries, entry{
			id:     p.ID,
			target: target,
			diff:   diff,
		})
	}

	return patches, nil
}

// Match returns the first patch whose ID and target both accept the item.
// An empty ID or target accepts anything.
func (p *Patches) Match(item types.SourceItem) (*Patch, bool) {
	if p == nil {
		return nil, false
	}

	path := locationPath(item.Location)
	for _, e := range p.entries {
		if e.id != "" && e.id != item.ID {
			continue
		}
		if e.target != "" && !hasSuffix(path, e.target) {
			continue
		}
		return &Patch{recordID: item.ID, diff: e.diff}, true
	}
	return nil, false
}

// Apply patches a raw record body.
// Returns:
//   - ([]byte{}, nil) if the record should be dropped (empty result)
//   - (patched, nil) if the patch was applied successfully
//
// A patch may not change the record's cveMetadata.cveId.
func (p *Patch) Apply(original []byte) ([]byte, error) {
	eb := oops.With("cve_id", p.recordID)

	node, err := jd.ReadJsonString(string(original))
	if err != nil {
		return nil, eb.Wrapf(err, "failed to parse original JSON")
	}

	patched, err := node.Patch(p.diff)
	if err != nil {
		return nil, eb.Wrapf(err, "failed to apply patch")
	}

	out := patched.Json()
	if out == "" {
		return []byte{}, nil
	}

	var head struct {
		CveMetadata struct {
			CveID string `json:"cveId"`
		} `json:"cveMetadata"`
	}
	if err = json.Unmarshal([]byte(out), &head); err == nil &&
		head.CveMetadata.CveID != "" && head.CveMetadata.CveID != p.recordID {
		return nil, eb.Errorf("patch changes record ID to %s", head.CveMetadata.CveID)
	}
	return []byte(out), nil
}

// Count returns the number of patch entries
func (p *Patches) Count() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// hasSuffix reports whether path ends with target. Targets start with '/',
// so "/cves/2024/0xxx/CVE-2024-0001.json" never matches "XCVE-2024-0001.json".
func hasSuffix(path, target string) bool {
	return len(path) >= len(target) && strings.HasSuffix(path, target)
}

// locationPath returns the path of a URL location, or the slash-separated
// local path.
func locationPath(location string) string {
	if u, err := url.Parse(location); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return u.Path
	}
	return filepath.ToSlash(location)
}
