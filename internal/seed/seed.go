// Package seed loads an optional startup configuration file describing
// services and their checks, and upserts them into the Store. Grounded
// on ohdeer's deer.Config/Monitor/Service/HttpCheck HCL schema,
// generalized from a single check kind (http) to all eight the runner
// supports, and from a fixed HttpCheck struct to a generic block whose
// per-kind Data is decoded separately once the check's kind is known.
package seed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/pkg/errors"

	"github.com/watchdeer/watchdeer/internal/domain"
	"github.com/watchdeer/watchdeer/internal/executor"
	"github.com/watchdeer/watchdeer/internal/store"
)

// Config is the top-level seed file schema: zero or more services, each
// owning zero or more checks.
type Config struct {
	Services []ServiceBlock `hcl:"service,block"`
}

// ServiceBlock mirrors ohdeer's Service block, labeled by an operator
// chosen ID and carrying a human name plus its checks.
type ServiceBlock struct {
	ID    string       `hcl:"id,label"`
	Name  string       `hcl:"name"`
	Check []CheckBlock `hcl:"check,block"`
}

// CheckBlock is one check definition. Data is left as raw HCL/JSON body
// text (kind-specific) and decoded once Kind is known to be valid.
type CheckBlock struct {
	Name            string `hcl:"name,label"`
	Kind            string `hcl:"kind"`
	Target          string `hcl:"target"`
	IntervalSeconds int64  `hcl:"interval_seconds"`
	Disabled        bool   `hcl:"disabled,optional"`
	Data            string `hcl:"data,optional"`
}

// Validate ensures correct values are set for a check block, mirroring
// ohdeer's HttpCheck.Validate but across every kind.
func (c CheckBlock) Validate() error {
	switch {
	case c.IntervalSeconds <= 0:
		return fmt.Errorf("check %q: interval_seconds must be > 0", c.Name)
	case c.Target == "":
		return fmt.Errorf("check %q: target cannot be empty", c.Name)
	case c.Kind == "":
		return fmt.Errorf("check %q: kind cannot be empty", c.Name)
	}
	return nil
}

// Parse decodes an HCL seed file and validates every block. It does not
// touch the Store — callers apply the result with Apply.
func Parse(path string, src []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(path, src, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding seed config")
	}

	var kinds []domain.Kind
	for _, svc := range cfg.Services {
		if svc.ID == "" {
			return nil, fmt.Errorf("service block cannot have an empty id")
		}
		if svc.Name == "" {
			return nil, fmt.Errorf("service %q cannot have an empty name", svc.ID)
		}
		for _, c := range svc.Check {
			if err := c.Validate(); err != nil {
				return nil, err
			}
			kinds = append(kinds, domain.Kind(c.Kind))
		}
	}

	if err := executor.Validate(kinds); err != nil {
		return nil, errors.Wrap(err, "seed config references an unsupported check kind")
	}

	return &cfg, nil
}

// Apply upserts every service and check in cfg into s. Services are
// matched by name (the Store has no natural key for the seed file's
// string ID); a service is created if no existing service has that
// name, and its checks are always created fresh — Apply is meant for
// bootstrapping an empty store, not reconciling an existing one.
func Apply(ctx context.Context, s store.Store, cfg *Config) error {
	existing, err := s.ListServices(ctx)
	if err != nil {
		return errors.Wrap(err, "listing existing services")
	}
	byName := map[string]domain.Service{}
	for _, svc := range existing {
		byName[svc.Name] = svc
	}

	for _, svcBlock := range cfg.Services {
		svc, ok := byName[svcBlock.Name]
		if !ok {
			svc, err = s.CreateService(ctx, domain.Service{Name: svcBlock.Name})
			if err != nil {
				return errors.Wrapf(err, "creating service %q", svcBlock.Name)
			}
		}

		for _, c := range svcBlock.Check {
			data := json.RawMessage("{}")
			if c.Data != "" {
				data = json.RawMessage(c.Data)
			}
			_, err := s.CreateCheck(ctx, domain.Check{
				ServiceID:       svc.ID,
				Name:            c.Name,
				Kind:            domain.Kind(c.Kind),
				Target:          c.Target,
				IntervalSeconds: c.IntervalSeconds,
				Disabled:        c.Disabled,
				Data:            data,
			})
			if err != nil {
				return errors.Wrapf(err, "creating check %q for service %q", c.Name, svcBlock.Name)
			}
		}
	}

	return nil
}
