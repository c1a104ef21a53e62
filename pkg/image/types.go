package image

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PullPolicy decides when a registry fetch is required.
type PullPolicy int

const (
	// PullAlways fetches from the registry on every request.
	PullAlways PullPolicy = iota
	// PullIfNotPresent serves a complete cache entry and fetches otherwise.
	PullIfNotPresent
	// PullNever serves only from the cache.
	PullNever
)

func (p PullPolicy) String() string {
	switch p {
	case PullAlways:
		return "Always"
	case PullIfNotPresent:
		return "IfNotPresent"
	case PullNever:
		return "Never"
	default:
		return fmt.Sprintf("PullPolicy(%d)", int(p))
	}
}

// ParsePullPolicy accepts a policy name (case-insensitive) or its numeric
// wire value.
func ParsePullPolicy(s string) (PullPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always":
		return PullAlways, nil
	case "ifnotpresent":
		return PullIfNotPresent, nil
	case "never":
		return PullNever, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= int(PullAlways) && n <= int(PullNever) {
		return PullPolicy(n), nil
	}
	return PullAlways, fmt.Errorf("unknown image pull policy %q", s)
}

// BytecodeImage describes an image holding program bytecode.
type BytecodeImage struct {
	URL        string
	PullPolicy PullPolicy
	Username   *string
	Password   *string
}

// NewBytecodeImage builds a BytecodeImage. Empty credentials are treated as
// absent.
func NewBytecodeImage(url string, policy PullPolicy, username, password string) BytecodeImage {
	return BytecodeImage{
		URL:        url,
		PullPolicy: policy,
		Username:   optional(username),
		Password:   optional(password),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Label keys carried in the image config.
const (
	LabelProgramName  = "io.ebpf.program_name"
	LabelFunctionName = "io.ebpf.bpf_function_name"
	LabelProgramType  = "io.ebpf.program_type"
	LabelFilename     = "io.ebpf.filename"
)

// ContainerImageMetadata is the program description found in the image
// config labels.
type ContainerImageMetadata struct {
	Name         string `json:"io.ebpf.program_name"`
	FunctionName string `json:"io.ebpf.bpf_function_name"`
	ProgramType  string `json:"io.ebpf.program_type"`
	Filename     string `json:"io.ebpf.filename"`
}

// metadataFromLabels requires all four labels to be present.
func metadataFromLabels(labels map[string]string) (*ContainerImageMetadata, error) {
	var missing []string
	for _, key := range []string{LabelProgramName, LabelFunctionName, LabelProgramType, LabelFilename} {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("image config is missing labels %s", strings.Join(missing, ", "))
	}

	return &ContainerImageMetadata{
		Name:         labels[LabelProgramName],
		FunctionName: labels[LabelFunctionName],
		ProgramType:  labels[LabelProgramType],
		Filename:     labels[LabelFilename],
	}, nil
}

// imageConfig is the subset of the image config document that is read.
type imageConfig struct {
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"config"`
}

// ParseMetadata decodes the program labels from a raw image config.
func ParseMetadata(rawConfig []byte) (*ContainerImageMetadata, error) {
	var cfg imageConfig
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse image config: %w", err)
	}
	return metadataFromLabels(cfg.Config.Labels)
}
