package blkmirror

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

type Config struct {
	// Target is a blkmirror:[format:]path descriptor.
	Target string `hcl:"target"`

	MetricsAddr string `hcl:"metrics_addr,optional"`

	Source struct {
		Path   string `hcl:"path"`
		Format string `hcl:"format,optional"`
	} `hcl:"source,block"`
}

func LoadConfig(path string) (*Config, error) {
	var (
		ctx hcl.EvalContext
		cfg Config
	)

	err := hclsimple.DecodeFile(path, &ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
