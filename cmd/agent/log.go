package agent

import (
	"github.com/spf13/cobra"
)

func initLogFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	prefix := "log."

	f.String(
		prefix+"level",
		defaultCfg.Log.Level,
		"-> Log level [debug,info,warn,error]")
	f.String(
		prefix+"format",
		defaultCfg.Log.Format,
		"-> Console log format [console,json]")
	f.String(
		prefix+"path",
		defaultCfg.Log.Path,
		"-> Log file directory")
	f.Int(
		prefix+"max_size",
		defaultCfg.Log.MaxSize,
		"-> Max size of a single log file (MB)")
	f.Int(
		prefix+"max_backup",
		defaultCfg.Log.MaxBackup,
		"-> Number of log backup files")
	f.Int(
		prefix+"max_age",
		defaultCfg.Log.MaxAge,
		"-> Maximum retention days of log files")
	f.Bool(
		prefix+"compress",
		defaultCfg.Log.Compress,
		"-> Whether to compress expired log files")
}
