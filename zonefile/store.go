package zonefile

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/miekg/dns"
)

// DirStore implements zone.FileStore against a plain directory tree, per
// SPEC_FULL.md §6's "<configRoot>/zones/<lowercase-zone-name>.zone" layout.
// Grounded on the teacher's own storage.Open, which creates its data
// directory with os.MkdirAll(0700) before touching anything inside it.
type DirStore struct {
	dir string
}

// NewDirStore returns a DirStore rooted at dir, creating dir/zones if it
// does not already exist.
func NewDirStore(dir string) (*DirStore, error) {
	zonesDir := filepath.Join(dir, "zones")
	if err := os.MkdirAll(zonesDir, 0700); err != nil {
		return nil, err
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) path(zoneName string) string {
	name := strings.ToLower(dns.Fqdn(zoneName))
	if name == "." {
		name = ""
	} else {
		name = strings.TrimSuffix(name, ".")
	}
	return filepath.Join(s.dir, "zones", name+".zone")
}

// Create opens zoneName's file for writing, truncating any prior content.
func (s *DirStore) Create(zoneName string) (io.WriteCloser, error) {
	return os.OpenFile(s.path(zoneName), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
}

// Open opens zoneName's file for reading.
func (s *DirStore) Open(zoneName string) (io.ReadCloser, error) {
	return os.Open(s.path(zoneName))
}

// Remove deletes zoneName's on-disk file, if any.
func (s *DirStore) Remove(zoneName string) error {
	err := os.Remove(s.path(zoneName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ListZoneFiles returns every zone name with a file under dir/zones,
// derived from each file's basename (the inverse of path's transform).
func (s *DirStore) ListZoneFiles() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "zones"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zone") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".zone")
		if base == "" {
			names = append(names, ".")
			continue
		}
		names = append(names, dns.Fqdn(base))
	}
	return names, nil
}
