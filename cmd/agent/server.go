package agent

import (
	"github.com/spf13/cobra"

	"github.com/delegate-collector/pkg/config"
)

var defaultCfg = config.NewDefaultConfig()

func initServerFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	prefix := "server."

	f.Bool(prefix+"enable", defaultCfg.Server.Enable, "-> Serve /metrics and /health while the job runs")
	f.String(prefix+"addr", defaultCfg.Server.Addr, "-> HTTP listening address")
	f.Duration(prefix+"read_timeout", defaultCfg.Server.ReadTimeout, "-> Read timeout duration")
	f.Duration(prefix+"write_timeout", defaultCfg.Server.WriteTimeout, "-> Write timeout duration")
	f.Duration(prefix+"idle_timeout", defaultCfg.Server.IdleTimeout, "-> Idle connection timeout duration")
}
