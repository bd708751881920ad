package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "banyan_build_info",
		Help: "Constant 1, labelled with the running build.",
	}, []string{"version", "commit", "go_version"})
)

// InitBuildInfo publishes banyan_build_info. An empty commit falls back to the
// VCS revision stamped by the Go toolchain, if any.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() { prometheus.MustRegister(buildInfo) })
	if commit == "" || commit == "dev" {
		commit = vcsRevision(commit)
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}

func vcsRevision(fallback string) string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return fallback
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return fallback
}
