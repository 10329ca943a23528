package collector

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/delegate-collector/pkg/config"
	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/record"
	"github.com/delegate-collector/pkg/secrets"
)

// DefaultGroup is used for hosts without an explicit group.
const DefaultGroup = "default"

var valid = validator.New()

// Job is the typed input of one collection run.
type Job struct {
	AccountID           string `yaml:"account_id" mapstructure:"account_id" validate:"required"`
	ApplicationID       string `yaml:"application_id" mapstructure:"application_id" validate:"required"`
	WorkflowID          string `yaml:"workflow_id" mapstructure:"workflow_id"`
	WorkflowExecutionID string `yaml:"workflow_execution_id" mapstructure:"workflow_execution_id"`
	StateExecutionID    string `yaml:"state_execution_id" mapstructure:"state_execution_id" validate:"required"`
	ServiceID           string `yaml:"service_id" mapstructure:"service_id"`
	TaskID              string `yaml:"task_id" mapstructure:"task_id"`

	Provider        string                   `yaml:"provider" mapstructure:"provider" validate:"required"`
	Connection      secrets.Connection       `yaml:"connection" mapstructure:"connection"`
	EncryptedFields []secrets.EncryptedField `yaml:"encrypted_fields" mapstructure:"encrypted_fields" validate:"dive"`

	// Hosts maps host name to group name.
	Hosts    map[string]string         `yaml:"hosts" mapstructure:"hosts"`
	Strategy record.ComparisonStrategy `yaml:"strategy" mapstructure:"strategy"`

	StartTime         time.Time `yaml:"start_time" mapstructure:"start_time" validate:"required"`
	CollectionMinutes int       `yaml:"collection_minutes" mapstructure:"collection_minutes" validate:"gt=0"`
	// DataCollectionMinute is the minute offset already collected, for resumed jobs.
	DataCollectionMinute int           `yaml:"data_collection_minute" mapstructure:"data_collection_minute" validate:"gte=0"`
	Period               time.Duration `yaml:"period" mapstructure:"period" validate:"gte=0"`
	CollectionFrequency  int           `yaml:"collection_frequency" mapstructure:"collection_frequency" validate:"gte=0"`
	RetrySleep           time.Duration `yaml:"retry_sleep" mapstructure:"retry_sleep" validate:"gte=0"`

	// Queries is the provider specific query definition, decoded by the provider.
	Queries map[string]any `yaml:"queries" mapstructure:"queries"`
}

// Normalize fills defaults.
func (j *Job) Normalize() {
	if j.TaskID == "" {
		j.TaskID = uuid.NewString()
	}
	if j.Strategy == "" {
		j.Strategy = record.CompareWithPrevious
	}
	if j.Period <= 0 {
		j.Period = time.Minute
	}
	if j.CollectionFrequency <= 0 {
		j.CollectionFrequency = 1
	}
	for h, g := range j.Hosts {
		if g == "" {
			j.Hosts[h] = DefaultGroup
		}
	}
}

// Validate checks tags and cross-field rules. Errors are CONFIG errors.
func (j *Job) Validate() error {
	if err := valid.Struct(j); err != nil {
		return errors.Wrap(err, errors.CodeConfig, "invalid job")
	}
	if !j.Strategy.Valid() {
		return errors.New(errors.CodeConfig, "unknown comparison strategy %q", j.Strategy)
	}
	if j.DataCollectionMinute > j.CollectionMinutes {
		return errors.New(errors.CodeConfig, "resume minute %d is past collection length %d", j.DataCollectionMinute, j.CollectionMinutes)
	}
	return nil
}

// HostNames returns the host names sorted.
func (j *Job) HostNames() []string {
	hosts := make([]string, 0, len(j.Hosts))
	for h := range j.Hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Group returns the group of host.
func (j *Job) Group(host string) string {
	if g, ok := j.Hosts[host]; ok && g != "" {
		return g
	}
	return DefaultGroup
}

// Groups returns the distinct configured groups sorted, or the default group when no host is set.
func (j *Job) Groups() []string {
	seen := make(map[string]struct{})
	for _, g := range j.Hosts {
		if g == "" {
			g = DefaultGroup
		}
		seen[g] = struct{}{}
	}
	if len(seen) == 0 {
		return []string{DefaultGroup}
	}
	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// Meta returns the identifiers stamped on every record of the job.
func (j *Job) Meta() record.Meta {
	return record.Meta{
		WorkflowID:          j.WorkflowID,
		WorkflowExecutionID: j.WorkflowExecutionID,
		StateExecutionID:    j.StateExecutionID,
		ServiceID:           j.ServiceID,
		StateType:           j.Provider,
	}
}

// DecodeQueries decodes the provider query section into out.
func (j *Job) DecodeQueries(out any) error {
	if err := config.Decode(j.Queries, out); err != nil {
		return errors.Wrap(err, errors.CodeConfig, "decode %s queries", j.Provider)
	}
	if err := valid.Struct(out); err != nil {
		return errors.Wrap(err, errors.CodeConfig, "invalid %s queries", j.Provider)
	}
	return nil
}

// LoadJob reads a job definition from a YAML or JSON file.
func LoadJob(path string) (*Job, error) {
	// host names contain dots, so keys must not be split on them
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read job file %s: %w", path, err)
	}
	job := &Job{}
	if err := config.Decode(v.AllSettings(), job); err != nil {
		return nil, err
	}
	job.Normalize()
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}
