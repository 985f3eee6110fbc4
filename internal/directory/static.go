package directory

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// staticConfig is the on-disk shape of a static peer-seed file: a flat
// list of "<hostname>:<port>" -> URL entries, for environments without a
// shared filesystem to host FilesystemDirectory's *.peer convention.
type staticConfig struct {
	Peers map[string]string `yaml:"peers"`
}

// StaticDirectory is a read-mostly Directory backend seeded from a YAML
// file instead of scanning a shared path. Register/Deregister mutate the
// in-memory roster only; they do not rewrite the seed file, so a
// StaticDirectory's peer list reverts to the file's contents on restart.
// This trades the filesystem backend's durability for use in environments
// (e.g. a fixed pool of known hosts) where a shared directory path isn't
// available.
type StaticDirectory struct {
	mu    sync.Mutex
	peers map[string]string
}

// NewStaticDirectory parses path as a YAML peer-seed file and returns a
// Directory backed by its contents.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg staticConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	peers := make(map[string]string, len(cfg.Peers))
	for name, url := range cfg.Peers {
		peers[name] = url
	}
	return &StaticDirectory{peers: peers}, nil
}

func (s *StaticDirectory) Register(name, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[name] = url
	return nil
}

func (s *StaticDirectory) Deregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, name)
	return nil
}

func (s *StaticDirectory) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, 0, len(s.peers))
	for _, url := range s.peers {
		urls = append(urls, url)
	}
	return urls, nil
}

func (s *StaticDirectory) Close() error { return nil }
