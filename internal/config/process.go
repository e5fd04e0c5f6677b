package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

const DefaultDescriptorPath = "ecosystem.config.json"

// ProcessDescriptor is the process-manager file that supervises the service
// in deployment.
type ProcessDescriptor struct {
	Apps []ProcessApp `json:"apps"`
}

type ProcessApp struct {
	Name        string            `json:"name"`
	Script      string            `json:"script"`
	Args        string            `json:"args,omitempty"`
	Interpreter string            `json:"interpreter"`
	Instances   int               `json:"instances"`
	ExecMode    string            `json:"exec_mode"`
	Watch       bool              `json:"watch"`
	Env         map[string]string `json:"env"`
}

func LoadProcessDescriptor(path string) (ProcessDescriptor, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultDescriptorPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ProcessDescriptor{}, fmt.Errorf("read process descriptor: %w", err)
	}
	return ParseProcessDescriptor(data)
}

func ParseProcessDescriptor(data []byte) (ProcessDescriptor, error) {
	var d ProcessDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return ProcessDescriptor{}, fmt.Errorf("parse process descriptor: %w", err)
	}
	return d, nil
}

// Validate enforces the deployment topology the service assumes: a single
// forked instance, because rate-limit state and the merge guard are in-process.
func (d ProcessDescriptor) Validate() error {
	if len(d.Apps) != 1 {
		return fmt.Errorf("process descriptor: expected exactly one app, got %d", len(d.Apps))
	}
	app := d.Apps[0]
	var errs []error
	if strings.TrimSpace(app.Name) == "" {
		errs = append(errs, errors.New("process descriptor: name is required"))
	}
	if strings.TrimSpace(app.Script) == "" {
		errs = append(errs, errors.New("process descriptor: script is required"))
	}
	if app.Instances != 1 {
		errs = append(errs, fmt.Errorf("process descriptor: instances must be 1, got %d", app.Instances))
	}
	if app.ExecMode != "fork" {
		errs = append(errs, fmt.Errorf("process descriptor: exec_mode must be \"fork\", got %q", app.ExecMode))
	}
	switch strings.TrimSpace(app.Interpreter) {
	case "", "none":
	default:
		if _, err := os.Stat(app.Interpreter); err != nil {
			errs = append(errs, fmt.Errorf("process descriptor: interpreter %q: %w", app.Interpreter, err))
		}
	}
	return errors.Join(errs...)
}
