package compose

// ValuesDocument is the chart-values shape the converter produces. It
// round-trips through sigs.k8s.io/yaml the same way the façade's
// extra-values and annotations fields do, so JSON struct tags double as
// the YAML field names Helm's --values expects.
type ValuesDocument struct {
	Services     map[string]ServiceValues `json:"services,omitempty"`
	Volumes      map[string]struct{}      `json:"volumes,omitempty"`
	AllowDomains []string                 `json:"allowDomains,omitempty"`
}

// ServiceValues is one Compose service translated into chart-values shape.
type ServiceValues struct {
	Image            string           `json:"image,omitempty"`
	Command          []string         `json:"command,omitempty"`
	Args             []string         `json:"args,omitempty"`
	WorkingDir       string           `json:"workingDir,omitempty"`
	RuntimeClassName string           `json:"runtimeClassName,omitempty"`
	SecurityContext  *SecurityContext `json:"securityContext,omitempty"`
	Env              []EnvVar         `json:"env,omitempty"`
	Volumes          []string         `json:"volumes,omitempty"`
	ReadinessProbe   *Probe           `json:"readinessProbe,omitempty"`
	Resources        *Resources       `json:"resources,omitempty"`
	DNSRecord        bool             `json:"dnsRecord"`
}

// SecurityContext carries the `user:` mapping onto
// securityContext.runAsUser and optionally runAsGroup.
type SecurityContext struct {
	RunAsUser  int  `json:"runAsUser"`
	RunAsGroup *int `json:"runAsGroup,omitempty"`
}

// EnvVar preserves the Compose value's scalar type instead of forcing
// string conversion.
type EnvVar struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Probe is the converted `healthcheck`.
type Probe struct {
	Exec                *ExecAction `json:"exec,omitempty"`
	PeriodSeconds       int         `json:"periodSeconds,omitempty"`
	TimeoutSeconds      int         `json:"timeoutSeconds,omitempty"`
	InitialDelaySeconds int         `json:"initialDelaySeconds,omitempty"`
	FailureThreshold    int         `json:"failureThreshold,omitempty"`
}

// ExecAction is the `test:` command vector of a healthcheck.
type ExecAction struct {
	Command []string `json:"command"`
}

// Resources is the converted `mem_limit`/`deploy.resources` block.
type Resources struct {
	Limits   map[string]string `json:"limits,omitempty"`
	Requests map[string]string `json:"requests,omitempty"`
}
