// Package config loads the yaml config of the binaries with
// the PROCTOR_ environment overrides.
package config

import (
	"os"
	"path/filepath"

	"github.com/kkyr/fig"
	"github.com/spf13/pflag"
)

const (
	EnvPrefix = "PROCTOR"
	FileName  = "config.yaml"
)

// searchDirs are tried in order when no config dir is given.
func searchDirs() []string {
	dirs := []string{".", "configs", "../../configs", "../../../configs"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".proctor"))
	}
	return dirs
}

// Load fills into from config.yaml of dir or of the first search dir that has it.
// The struct tag defaults apply to what is missing, then
// the environment wins: agent.connect.retries is PROCTOR_AGENT_CONNECT_RETRIES.
func Load(into any, dir string) error {
	dirs := []string{dir}
	if dir == "" {
		dirs = searchDirs()
	}
	return fig.Load(into, fig.File(FileName), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
}

// LoadEnv fills into from the environment only.
func LoadEnv(into any) error { return fig.Load(into, fig.IgnoreFile(), fig.UseEnv(EnvPrefix)) }

// ConfigPath picks the config dir flag (-c, --conf) out of args,
// the other flags need the loaded config for their defaults.
func ConfigPath(args []string) string {
	fs := pflag.NewFlagSet("conf", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	dir := fs.StringP("conf", "c", "", "")
	_ = fs.Parse(args)
	return *dir
}

// WithConfigFlag puts the config dir flag into the help of fs.
func WithConfigFlag(fs *pflag.FlagSet) {
	fs.StringP("conf", "c", "", "Config directory with "+FileName)
}
