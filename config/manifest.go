package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MeshManifest describes a static federation topology: a set of
// servers, each optionally federating with an upstream server by
// index.
type MeshManifest struct {
	Servers []MeshServer `yaml:"servers"`
}

// MeshServer is one server's listen address and optional upstream.
type MeshServer struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// UpstreamIndex names another entry in Servers this server's rooms
	// should federate with via a mesh room factory. nil means this
	// server has no upstream.
	UpstreamIndex *int `yaml:"upstream_index"`
}

// LoadMeshManifest reads and parses a mesh manifest file.
func LoadMeshManifest(path string) (*MeshManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read mesh manifest %s: %w", path, err)
	}
	var m MeshManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse mesh manifest %s: %w", path, err)
	}
	return &m, nil
}
