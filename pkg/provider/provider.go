// Package provider maps job provider names to provider implementations.
package provider

import (
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/delegate-collector/pkg/apicall"
	"github.com/delegate-collector/pkg/artifact"
	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/provider/apm"
	"github.com/delegate-collector/pkg/provider/cloudwatch"
	"github.com/delegate-collector/pkg/provider/dynatrace"
	"github.com/delegate-collector/pkg/provider/elk"
	"github.com/delegate-collector/pkg/provider/newrelic"
	"github.com/delegate-collector/pkg/provider/prometheus"
	"github.com/delegate-collector/pkg/provider/sumo"
)

// Env is what providers may share across jobs.
type Env struct {
	Client    *apicall.Client
	Artifacts *artifact.Cache
	Clock     clockwork.Clock
}

type constructor func(env Env) collector.Provider

var registry = map[string]constructor{
	apm.Name:        func(Env) collector.Provider { return apm.New() },
	prometheus.Name: func(Env) collector.Provider { return prometheus.New() },
	dynatrace.Name:  func(Env) collector.Provider { return dynatrace.New() },
	elk.NameELK:     func(Env) collector.Provider { return elk.NewELK() },
	elk.NameLogz:    func(Env) collector.Provider { return elk.NewLogz() },
	newrelic.Name:   func(env Env) collector.Provider { return newrelic.New(env.Client) },
	sumo.Name:       func(env Env) collector.Provider { return sumo.New(env.Client, env.Clock) },
	cloudwatch.Name: func(env Env) collector.Provider { return cloudwatch.New(env.Client, env.Artifacts) },
}

// New returns a fresh provider for kind. Providers hold per-job query state, so every job gets its
// own instance.
func New(kind string, env Env) (collector.Provider, error) {
	c, ok := registry[strings.ToUpper(kind)]
	if !ok {
		return nil, errors.New(errors.CodeConfig, "unknown provider %q, expected one of %s", kind, strings.Join(Names(), ", "))
	}
	return c(env), nil
}

// Names lists the supported provider names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
