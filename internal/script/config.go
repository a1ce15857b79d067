package script

import (
	"hpcorchestrator/internal/config"
)

// LoadOptionsFromEnv loads scheduler directives from environment variables.
// The scratch root is shared with the cluster client.
func LoadOptionsFromEnv() Options {
	d := DefaultOptions()
	return Options{
		Partition:    config.GetEnv("SCRIPT_PARTITION", d.Partition),
		Gres:         config.GetEnv("SCRIPT_GRES", d.Gres),
		TimeLimit:    config.GetEnv("SCRIPT_TIME_LIMIT", d.TimeLimit),
		StdoutFile:   config.GetEnv("SCRIPT_STDOUT_FILE", d.StdoutFile),
		StderrFile:   config.GetEnv("SCRIPT_STDERR_FILE", d.StderrFile),
		JobNameStem:  config.GetEnv("SCRIPT_JOB_NAME_STEM", d.JobNameStem),
		TemplatePath: config.GetEnv("SCRIPT_TEMPLATE_PATH", d.TemplatePath),
		ScratchRoot:  config.GetEnv("CLUSTER_SCRATCH_ROOT", d.ScratchRoot),
	}.withDefaults()
}
