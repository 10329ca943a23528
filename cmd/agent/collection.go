package agent

import (
	"github.com/spf13/cobra"
)

func initCollectionFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	c := defaultCfg.Collection

	f.Int("collection.tick_pool_size", c.TickPoolSize, "-> Workers running collection ticks, shared by all jobs")
	f.Int("collection.fetch_pool_size", c.FetchPoolSize, "-> Workers running provider fetches, shared by all jobs")
	f.Int("collection.retries", c.Retries, "-> Attempts per tick before the job fails")
	f.Duration("collection.retry_sleep", c.RetrySleep, "-> Sleep between tick attempts")
	f.Duration("collection.save_retry_sleep", c.SaveRetrySleep, "-> Sleep between sink save attempts")
	f.Duration("collection.fetch_timeout", c.FetchTimeout, "-> Wait ceiling for each fetch result")
	f.Duration("collection.http_timeout", c.HTTPTimeout, "-> Timeout of a single provider HTTP call")
	f.Float64("collection.requests_per_second", c.RequestsPerSec, "-> Outbound provider call limit, 0 disables")
	f.Duration("collection.artifact_ttl", c.ArtifactTTL, "-> Lifetime of cached provider artifacts")
	f.Bool("collection.disable_audit_log", c.DisableAuditLog, "-> Do not log outbound provider calls")

	f.String("sink.type", defaultCfg.Sink.Type, "-> Metric sink [sqlite,log]")
	f.String("sink.db_path", defaultCfg.Sink.DBPath, "-> SQLite database file for the sqlite sink")
}
