// Package brand holds the product identity and the default filesystem
// layout. The identity is embedded from brand.json so packaging scripts read
// the same values.
//
// Each base directory can be moved with an environment variable, checked in
// this order:
//
//	ENCLAVE_<KIND>_DIR      exact directory
//	ENCLAVE_PREFIX/<kind>   relocated tree, used by tests and chroots
//	brand.json default
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

//go:embed brand.json
var brandJSON []byte

type identity struct {
	Name           string            `json:"name"`
	LowerName      string            `json:"lowerName"`
	BinaryName     string            `json:"binaryName"`
	Description    string            `json:"description"`
	EnvPrefix      string            `json:"envPrefix"`
	Dirs           map[string]string `json:"dirs"`
	ConfigFileName string            `json:"configFileName"`
	TunnelDirName  string            `json:"tunnelDirName"`
	SocketName     string            `json:"socketName"`
}

var id identity

var (
	Name            string
	LowerName       string
	BinaryName      string
	Description     string
	ConfigEnvPrefix string
	ConfigFileName  string
	TunnelDirName   string
	SocketName      string

	// Set with -ldflags "-X grimm.is/enclave/internal/brand.Version=...".
	Version   = "dev"
	GitCommit = "unknown"
)

// Directory kinds.
const (
	DirConfig = "config"
	DirState  = "state"
	DirRun    = "run"
)

func init() {
	if err := json.Unmarshal(brandJSON, &id); err != nil {
		panic("brand.json: " + err.Error())
	}
	Name = id.Name
	LowerName = id.LowerName
	BinaryName = id.BinaryName
	Description = id.Description
	ConfigEnvPrefix = id.EnvPrefix
	ConfigFileName = id.ConfigFileName
	TunnelDirName = id.TunnelDirName
	SocketName = id.SocketName
}

// DefaultDir returns the built-in directory of the given kind, ignoring the
// environment.
func DefaultDir(kind string) string {
	return id.Dirs[kind]
}

// Dir resolves a base directory of the given kind.
func Dir(kind string) string {
	if dir := os.Getenv(ConfigEnvPrefix + "_" + strings.ToUpper(kind) + "_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, kind)
	}
	return DefaultDir(kind)
}

func GetConfigDir() string { return Dir(DirConfig) }
func GetStateDir() string  { return Dir(DirState) }
func GetRunDir() string    { return Dir(DirRun) }

// GetConfigPath is the default descriptor path.
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// GetTunnelDir is the default directory of tunnel config files.
func GetTunnelDir() string {
	return filepath.Join(GetConfigDir(), TunnelDirName)
}

// GetSocketPath is the control socket, e.g. /run/enclave/enclave-ctl.sock.
func GetSocketPath() string {
	return filepath.Join(GetRunDir(), LowerName+"-"+SocketName)
}
