// ABOUTME: Standard filesystem paths for bridge configuration
// ABOUTME: Resolves ~/.acp-bridge/ for global and .acp-bridge/ for project-local paths

package config

import (
	"os"
	"path/filepath"
)

const (
	globalDirName  = ".acp-bridge"
	projectDirName = ".acp-bridge"
	configFileName = "config.json"
)

// GlobalDir returns the user-global config directory (~/.acp-bridge/).
func GlobalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", globalDirName)
	}
	return filepath.Join(home, globalDirName)
}

// GlobalConfigFile returns the config file inside dir, or inside GlobalDir
// when dir is empty.
func GlobalConfigFile(dir string) string {
	if dir == "" {
		dir = GlobalDir()
	}
	return filepath.Join(dir, configFileName)
}

// ProjectConfigFile returns the path to the project-local config file.
func ProjectConfigFile(projectRoot string) string {
	return filepath.Join(projectRoot, projectDirName, configFileName)
}
