package version

import "runtime/debug"

// Set at build time:
//
//	-X 'github.com/alanjhayes/skynet-rc1/pkg/version.Version=v0.3.0'
var (
	Version    = "dev"
	CommitHash = ""
	BuildDate  = ""
)

type Info struct {
	Version    string `json:"version"               yaml:"version"`
	CommitHash string `json:"commit_hash,omitempty" yaml:"commit_hash,omitempty"`
	BuildDate  string `json:"build_date,omitempty"  yaml:"build_date,omitempty"`
	GoVersion  string `json:"go_version"            yaml:"go_version"`
}

// Get returns the linker supplied build information, falling back to the
// VCS stamp embedded by the go toolchain.
func Get() Info {
	info := Info{Version: Version, CommitHash: CommitHash, BuildDate: BuildDate}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.CommitHash == "" {
				info.CommitHash = s.Value
			}
		case "vcs.time":
			if info.BuildDate == "" {
				info.BuildDate = s.Value
			}
		}
	}
	return info
}
