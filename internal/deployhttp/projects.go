package deployhttp

import (
	"encoding/json"
	"os"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/artifact"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

// projectFile is the on-disk shape of a single project entry. Static
// fields are a list rather than a map so their manifest order is the
// file order.
type projectFile struct {
	Static []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"static"`
	Exclude []string `json:"exclude"`
}

// LoadProjects reads the per-project configuration file. The file maps
// project names to their static manifest fields and exclusion
// patterns.
func LoadProjects(path string) (map[string]Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "reading projects file %s", path)
	}

	var raw map[string]projectFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, xerrors.Wrapf(err, "parsing projects file %s", path)
	}

	projects := make(map[string]Project, len(raw))
	for name, pf := range raw {
		if name == "" {
			return nil, xerrors.Newf("projects file %s contains an entry with an empty name", path)
		}
		p := Project{
			Rules: artifact.NewExclusionRules(pf.Exclude),
		}
		for _, f := range pf.Static {
			if f.Key == "" {
				return nil, xerrors.Newf("project %s has a static field with an empty key", name)
			}
			p.Static = append(p.Static, artifact.StaticField{Key: f.Key, Value: f.Value})
		}
		projects[name] = p
	}
	return projects, nil
}
