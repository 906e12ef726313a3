package mimas

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandLine renders a task as the shell command an operator would run
// to perform it by hand.
func CommandLine(t Task) string {
	switch x := t.(type) {
	case RecipeInvocation:
		return fmt.Sprintf("zocalo.go -r %s %d", x.Recipe, x.DCID)
	case JobInvocation:
		args := []string{
			"ispyb.job",
			"--new",
			"--dcid=" + strconv.Itoa(x.DCID),
			"--source=" + x.Source,
			"--recipe=" + x.Recipe,
		}
		for _, s := range x.Sweeps {
			args = append(args, fmt.Sprintf("--add-sweep=%d:%d:%d", s.DCID, s.Start, s.End))
		}
		for _, p := range x.Parameters {
			args = append(args, fmt.Sprintf("--add-param=%s:%s", p.Key, p.Value))
		}
		if x.DisplayName != "" {
			args = append(args, "--display="+quote(x.DisplayName))
		}
		if x.Comment != "" {
			args = append(args, "--comment="+quote(x.Comment))
		}
		if x.Autostart {
			args = append(args, "--trigger")
		}
		for _, tv := range x.TriggerVariables {
			args = append(args, fmt.Sprintf("--trigger-variable=%s:%s", tv.Key, tv.Value))
		}
		return strings.Join(args, " ")
	default:
		return ""
	}
}

// quote wraps s in single quotes, falling back to double quotes when s
// contains a single quote and no double quote.
func quote(s string) string {
	if strings.Contains(s, "'") && !strings.Contains(s, `"`) {
		return `"` + strings.ReplaceAll(s, `\`, `\\`) + `"`
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

// Message renders a task as the bus payload understood by its consumer:
// the dispatcher for recipe invocations, the ISPyB connector for jobs.
// Lists are []any so the payload converts cleanly to JSON and structpb.
func Message(t Task) map[string]any {
	switch x := t.(type) {
	case RecipeInvocation:
		return map[string]any{
			"recipes":    []any{x.Recipe},
			"parameters": map[string]any{"ispyb_dcid": x.DCID},
		}
	case JobInvocation:
		params := make([]any, len(x.Parameters))
		for i, p := range x.Parameters {
			params[i] = map[string]any{"key": p.Key, "value": p.Value}
		}
		sweeps := make([]any, len(x.Sweeps))
		for i, s := range x.Sweeps {
			sweeps[i] = map[string]any{"DCID": s.DCID, "start": s.Start, "end": s.End}
		}
		tvs := make([]any, len(x.TriggerVariables))
		for i, tv := range x.TriggerVariables {
			tvs[i] = map[string]any{"key": tv.Key, "value": tv.Value}
		}
		return map[string]any{
			"DCID":             x.DCID,
			"autostart":        x.Autostart,
			"recipe":           x.Recipe,
			"source":           x.Source,
			"comment":          x.Comment,
			"displayname":      x.DisplayName,
			"parameters":       params,
			"sweeps":           sweeps,
			"triggervariables": tvs,
		}
	default:
		return nil
	}
}

// JobCommand wraps a job invocation as a create_ispyb_job command.
func JobCommand(j JobInvocation) map[string]any {
	m := Message(j)
	m["ispyb_command"] = "create_ispyb_job"
	return m
}
