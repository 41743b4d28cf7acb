// Package compose converts a Docker Compose document into the chart-values
// shape the sandbox core's Helm chart expects, decoding documents with
// gopkg.in/yaml.v3 into map[string]interface{} rather than a hand-rolled
// YAML walker.
package compose

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var topLevelKeys = map[string]bool{
	"services": true,
	"volumes":  true,
	"version":  true, // ignored
	"x-inspect_k8s_sandbox": true,
}

// ParseDocument decodes a Compose document's raw bytes into a generic
// mapping; its top-level keys are validated later, by Convert.
// sourcePath is carried only for error messages.
func ParseDocument(data []byte, sourcePath string) (map[string]any, error) {
	var top map[string]any
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%s: failed to parse as YAML: %w", sourcePath, err)
	}
	return top, nil
}

// Convert applies the Compose-to-chart-values conversion rules, producing
// the chart-values document. It is a pure function: no I/O, no defaults
// beyond what the rules specify.
func Convert(top map[string]any, sourcePath string) (*ValuesDocument, error) {
	var invalid []string
	for k := range top {
		if !topLevelKeys[k] {
			invalid = append(invalid, k)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, fmt.Errorf("%s: unsupported top-level key(s) %v; only services, volumes, version, x-inspect_k8s_sandbox are accepted", sourcePath, invalid)
	}

	out := &ValuesDocument{}

	if rawServices, ok := top["services"]; ok {
		services, ok := rawServices.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: services must be a mapping", sourcePath)
		}
		out.Services = make(map[string]ServiceValues, len(services))
		for name, raw := range services {
			svc, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: service %q must be a mapping", sourcePath, name)
			}
			converted, err := convertService(name, svc, sourcePath)
			if err != nil {
				return nil, err
			}
			out.Services[name] = *converted
		}
	}

	if rawVolumes, ok := top["volumes"]; ok {
		volumes, ok := rawVolumes.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: volumes must be a mapping", sourcePath)
		}
		out.Volumes = make(map[string]struct{}, len(volumes))
		for name, body := range volumes {
			if body != nil {
				if m, ok := body.(map[string]any); !ok || len(m) != 0 {
					return nil, fmt.Errorf("%s: top-level volume %q must have an empty body", sourcePath, name)
				}
			}
			out.Volumes[dashNormalize(name)] = struct{}{}
		}
	}

	if rawExt, ok := top["x-inspect_k8s_sandbox"]; ok {
		ext, ok := rawExt.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: x-inspect_k8s_sandbox must be a mapping", sourcePath)
		}
		domains, err := convertAllowDomains(ext, sourcePath)
		if err != nil {
			return nil, err
		}
		out.AllowDomains = domains
	}

	return out, nil
}

func convertAllowDomains(ext map[string]any, sourcePath string) ([]string, error) {
	var domains []string
	for k, v := range ext {
		if k != "allow_domains" {
			return nil, fmt.Errorf("%s: unsupported x-inspect_k8s_sandbox key %q", sourcePath, k)
		}
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%s: x-inspect_k8s_sandbox.allow_domains must be a list of strings", sourcePath)
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: x-inspect_k8s_sandbox.allow_domains must be a list of strings", sourcePath)
			}
			domains = append(domains, s)
		}
	}
	return domains, nil
}

var allowedServiceKeys = map[string]bool{
	"image": true, "entrypoint": true, "command": true, "working_dir": true,
	"runtime": true, "user": true, "environment": true, "volumes": true,
	"healthcheck": true, "mem_limit": true, "deploy": true, "init": true,
	"expose": true,
}

func convertService(name string, svc map[string]any, sourcePath string) (*ServiceValues, error) {
	var invalid []string
	for k := range svc {
		if !allowedServiceKeys[k] {
			invalid = append(invalid, k)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, fmt.Errorf("%s: service %q has unsupported key(s) %v", sourcePath, name, invalid)
	}

	out := &ServiceValues{DNSRecord: true}

	if v, ok := svc["image"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: service %q image must be a string", sourcePath, name)
		}
		out.Image = s
	}

	if v, ok := svc["entrypoint"]; ok {
		cmd, err := toStringSlice(v, "entrypoint", name, sourcePath)
		if err != nil {
			return nil, err
		}
		out.Command = cmd
	}

	if v, ok := svc["command"]; ok {
		args, err := toStringSlice(v, "command", name, sourcePath)
		if err != nil {
			return nil, err
		}
		out.Args = args
	}

	if v, ok := svc["working_dir"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: service %q working_dir must be a string", sourcePath, name)
		}
		out.WorkingDir = s
	}

	if v, ok := svc["runtime"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: service %q runtime must be a string", sourcePath, name)
		}
		out.RuntimeClassName = s
	}

	if v, ok := svc["user"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: service %q user must be a string", sourcePath, name)
		}
		sc, err := convertUser(s, name, sourcePath)
		if err != nil {
			return nil, err
		}
		out.SecurityContext = sc
	}

	if v, ok := svc["environment"]; ok {
		env, err := convertEnvironment(v, name, sourcePath)
		if err != nil {
			return nil, err
		}
		out.Env = env
	}

	if v, ok := svc["volumes"]; ok {
		vols, err := convertServiceVolumes(v, name, sourcePath)
		if err != nil {
			return nil, err
		}
		out.Volumes = vols
	}

	if v, ok := svc["healthcheck"]; ok {
		hc, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: service %q healthcheck must be a mapping", sourcePath, name)
		}
		probe, err := convertHealthcheck(hc, name, sourcePath)
		if err != nil {
			return nil, err
		}
		out.ReadinessProbe = probe
	}

	resources, err := convertResources(svc, name, sourcePath)
	if err != nil {
		return nil, err
	}
	out.Resources = resources

	// init and expose are accepted and ignored.
	return out, nil
}

func toStringSlice(v any, field, service, sourcePath string) ([]string, error) {
	switch t := v.(type) {
	case string:
		return strings.Fields(t), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: service %q %s list entries must be strings", sourcePath, service, field)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: service %q %s must be a string or list of strings", sourcePath, service, field)
	}
}

var userPattern = regexp.MustCompile(`^(\d+)(?::(\d+))?$`)

func convertUser(s, service, sourcePath string) (*SecurityContext, error) {
	m := userPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("%s: service %q user %q must be \"<uid>\" or \"<uid>:<gid>\" with integer tokens", sourcePath, service, s)
	}
	uid, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("%s: service %q user uid %q is invalid: %w", sourcePath, service, m[1], err)
	}
	sc := &SecurityContext{RunAsUser: uid}
	if m[2] != "" {
		gid, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("%s: service %q user gid %q is invalid: %w", sourcePath, service, m[2], err)
		}
		sc.RunAsGroup = &gid
	}
	return sc, nil
}

func convertEnvironment(v any, service, sourcePath string) ([]EnvVar, error) {
	switch t := v.(type) {
	case map[string]any:
		names := make([]string, 0, len(t))
		for k := range t {
			names = append(names, k)
		}
		sort.Strings(names)
		out := make([]EnvVar, 0, len(names))
		for _, k := range names {
			out = append(out, EnvVar{Name: k, Value: t[k]})
		}
		return out, nil
	case []any:
		out := make([]EnvVar, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: service %q environment list entries must be strings", sourcePath, service)
			}
			idx := strings.Index(s, "=")
			if idx < 0 {
				return nil, fmt.Errorf("%s: service %q environment entry %q has no '='", sourcePath, service, s)
			}
			out = append(out, EnvVar{Name: s[:idx], Value: s[idx+1:]})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: service %q environment must be a mapping or list", sourcePath, service)
	}
}

func convertServiceVolumes(v any, service, sourcePath string) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: service %q volumes must be a list", sourcePath, service)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s: service %q volumes entries must be \"HOST:MOUNT\" strings", sourcePath, service)
		}
		idx := strings.Index(s, ":")
		if idx < 0 {
			return nil, fmt.Errorf("%s: service %q volume %q must be \"HOST:MOUNT\"", sourcePath, service, s)
		}
		host, mount := s[:idx], s[idx+1:]
		out = append(out, dashNormalize(host)+":"+mount)
	}
	return out, nil
}

var allowedHealthcheckKeys = map[string]bool{
	"test": true, "interval": true, "timeout": true, "start_period": true, "retries": true,
}

func convertHealthcheck(hc map[string]any, service, sourcePath string) (*Probe, error) {
	var invalid []string
	for k := range hc {
		if !allowedHealthcheckKeys[k] {
			invalid = append(invalid, k)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, fmt.Errorf("%s: service %q healthcheck has unsupported key(s) %v", sourcePath, service, invalid)
	}

	testRaw, ok := hc["test"]
	if !ok {
		return nil, fmt.Errorf("%s: service %q healthcheck requires test", sourcePath, service)
	}
	testList, ok := testRaw.([]any)
	if !ok || len(testList) == 0 {
		return nil, fmt.Errorf("%s: service %q healthcheck.test must be a non-empty list", sourcePath, service)
	}
	tokens := make([]string, 0, len(testList))
	for _, item := range testList {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s: service %q healthcheck.test entries must be strings", sourcePath, service)
		}
		tokens = append(tokens, s)
	}

	var exec *ExecAction
	switch tokens[0] {
	case "CMD":
		exec = &ExecAction{Command: tokens[1:]}
	case "CMD-SHELL":
		if len(tokens) != 2 {
			return nil, fmt.Errorf("%s: service %q healthcheck.test CMD-SHELL requires exactly one command string", sourcePath, service)
		}
		exec = &ExecAction{Command: []string{"sh", "-c", tokens[1]}}
	default:
		return nil, fmt.Errorf("%s: service %q healthcheck.test must start with CMD or CMD-SHELL", sourcePath, service)
	}

	probe := &Probe{Exec: exec}

	if v, ok := hc["interval"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: service %q healthcheck.interval must be a string", sourcePath, service)
		}
		secs, err := ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%s: service %q healthcheck.interval: %w", sourcePath, service, err)
		}
		probe.PeriodSeconds = secs
	}
	if v, ok := hc["timeout"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: service %q healthcheck.timeout must be a string", sourcePath, service)
		}
		secs, err := ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%s: service %q healthcheck.timeout: %w", sourcePath, service, err)
		}
		probe.TimeoutSeconds = secs
	}
	if v, ok := hc["start_period"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: service %q healthcheck.start_period must be a string", sourcePath, service)
		}
		secs, err := ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%s: service %q healthcheck.start_period: %w", sourcePath, service, err)
		}
		probe.InitialDelaySeconds = secs
	}
	if v, ok := hc["retries"]; ok {
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("%s: service %q healthcheck.retries must be an integer", sourcePath, service)
		}
		// +1 offset: the initial probe counts too; a second,
		// overlapping value derived from start_interval is
		// deliberately omitted here.
		probe.FailureThreshold = n + 1
	}

	return probe, nil
}

func convertResources(svc map[string]any, service, sourcePath string) (*Resources, error) {
	deployRaw, hasDeploy := svc["deploy"]
	memLimitRaw, hasMemLimit := svc["mem_limit"]

	if !hasDeploy && !hasMemLimit {
		return nil, nil
	}

	if hasDeploy {
		deploy, ok := deployRaw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: service %q deploy must be a mapping", sourcePath, service)
		}
		resRaw, ok := deploy["resources"]
		if !ok {
			return nil, nil
		}
		res, ok := resRaw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: service %q deploy.resources must be a mapping", sourcePath, service)
		}
		return convertDeployResources(res, service, sourcePath)
	}

	s, ok := memLimitRaw.(string)
	if !ok {
		return nil, fmt.Errorf("%s: service %q mem_limit must be a string", sourcePath, service)
	}
	mem, err := ParseByteQuantity(s)
	if err != nil {
		return nil, fmt.Errorf("%s: service %q mem_limit: %w", sourcePath, service, err)
	}
	return &Resources{
		Limits:   map[string]string{"memory": mem},
		Requests: map[string]string{"memory": mem},
	}, nil
}

func convertDeployResources(res map[string]any, service, sourcePath string) (*Resources, error) {
	limits, err := convertResourceBlock(res, "limits", service, sourcePath)
	if err != nil {
		return nil, err
	}
	requests, err := convertResourceBlock(res, "reservations", service, sourcePath)
	if err != nil {
		return nil, err
	}
	if requests == nil {
		requests = limits
	}
	return &Resources{Limits: limits, Requests: requests}, nil
}

func convertResourceBlock(res map[string]any, key, service, sourcePath string) (map[string]string, error) {
	raw, ok := res[key]
	if !ok {
		return nil, nil
	}
	block, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: service %q deploy.resources.%s must be a mapping", sourcePath, service, key)
	}
	out := map[string]string{}
	if v, ok := block["cpus"]; ok {
		s := fmt.Sprintf("%v", v)
		out["cpu"] = s
	}
	if v, ok := block["memory"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: service %q deploy.resources.%s.memory must be a string", sourcePath, service, key)
		}
		mem, err := ParseByteQuantity(s)
		if err != nil {
			return nil, fmt.Errorf("%s: service %q deploy.resources.%s.memory: %w", sourcePath, service, key, err)
		}
		out["memory"] = mem
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

var underscorePattern = regexp.MustCompile(`_`)

// dashNormalize converts underscores to hyphens for DNS-1123 safety: applied
// to a service-volume mount's HOST portion and to top-level volume names;
// the MOUNT portion is left untouched.
func dashNormalize(s string) string {
	return underscorePattern.ReplaceAllString(s, "-")
}
