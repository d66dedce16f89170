package snapshot

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thoreinstein/partbak/internal/errors"
	"github.com/thoreinstein/partbak/pkg/fileutil"
)

// ManifestName is the advisory metadata file written into a snapshot at
// finalize time.
const ManifestName = "manifest.yaml"

// ManifestVersion is the manifest format version for forward compatibility.
const ManifestVersion = 1

// Manifest records how a snapshot was produced. It is advisory: restore
// validates part sizes by scanning and never requires a manifest, but
// the recorded block and part sizes save the operator from having to
// remember them.
type Manifest struct {
	Version   int       `yaml:"version"`
	CreatedAt time.Time `yaml:"created_at"`
	Source    string    `yaml:"source"`
	Variant   string    `yaml:"variant"`
	PartSize  int64     `yaml:"part_size"`
	BlockSize int64     `yaml:"block_size"`
	PartCount int       `yaml:"part_count"`
}

// WriteManifest writes the manifest atomically into dir.
func WriteManifest(dir string, man Manifest) error {
	man.Version = ManifestVersion
	return fileutil.AtomicWriteYAML(filepath.Join(dir, ManifestName), man)
}

// ReadManifest loads the manifest from dir. A missing manifest is not an
// error; ok reports whether one was found.
func ReadManifest(dir string) (man Manifest, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, false, nil
		}
		return Manifest{}, false, errors.Wrap(err, "reading manifest")
	}

	if err := yaml.Unmarshal(data, &man); err != nil {
		return Manifest{}, false, errors.Wrap(err, "parsing manifest")
	}
	return man, true, nil
}
