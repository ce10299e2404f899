package offlinecache

import (
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML-configurable part of the gateway: the shell
// generation and its pre-cache manifest, and the routing paths.
type FileConfig struct {
	ShellVersion  string   `yaml:"shellVersion"`
	ShellManifest []string `yaml:"shellManifest"`
	ProxyPath     string   `yaml:"proxyPath"`
	ShellIndex    string   `yaml:"shellIndex"`
}

func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
