package stage

import (
	"context"
	"strings"

	"github.com/conveyor-ci/conveyor/pkg/pipeline"
)

// ScanRunner invokes a static analyzer over the source tree. The analyzer
// is an external tool: a zero exit means the quality gate passed, non-zero
// fails the stage. If the tool prints a "report: <url>" line the URL is
// published as stage output.
type ScanRunner struct{}

func (r *ScanRunner) Run(ctx context.Context, st *pipeline.StageInstance, inputs pipeline.RunInputs) (map[string]any, error) {
	source, err := resolveString(st, inputs, "source")
	if err != nil {
		return nil, err
	}

	cmdline, ok := paramString(st, "analyzer")
	if !ok {
		cmdline = "conveyor-analyze ."
	}
	name, args, err := splitCommand(cmdline)
	if err != nil {
		return nil, err
	}

	output, err := runCommand(ctx, source, envParams(st), name, args...)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"passed":     true,
		"report_url": parseReportURL(output),
	}, nil
}

// parseReportURL finds the last "report: <url>" line in analyzer output.
func parseReportURL(output string) string {
	url := ""
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "report:"); ok {
			url = strings.TrimSpace(rest)
		}
	}
	return url
}

// envParams converts the stage's "env" param (map of string to string)
// into KEY=VALUE pairs for subprocess invocation.
func envParams(st *pipeline.StageInstance) []string {
	raw, ok := st.Params["env"]
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	env := make([]string, 0, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			env = append(env, k+"="+s)
		}
	}
	return env
}
