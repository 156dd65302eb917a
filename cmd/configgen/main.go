// configgen writes or validates agentd configuration files.
package main

import (
	"fmt"
	"os"

	"github.com/danmuck/agentctl/internal/config"
	"github.com/spf13/pflag"
)

func defaultPath(kind string) (string, error) {
	switch kind {
	case "daemon":
		return "agentd.toml", nil
	case "policy":
		return "policy.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}

func main() {
	kind := pflag.String("kind", "daemon", "config kind: daemon|policy")
	output := pflag.String("output", "", "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.String("input", "", "config path for validation (defaults to the per-kind file name)")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	if err := run(*kind, *output, *input, *validate, *force); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(kind, output, input string, validate, force bool) error {
	if validate {
		path := input
		if path == "" {
			p, err := defaultPath(kind)
			if err != nil {
				return err
			}
			path = p
		}
		if err := config.Validate(path, kind); err != nil {
			return err
		}
		fmt.Printf("validated %s config at %s\n", kind, path)
		return nil
	}

	target := output
	if target == "" {
		p, err := defaultPath(kind)
		if err != nil {
			return err
		}
		target = p
	}
	if err := config.WriteTemplate(target, kind, force); err != nil {
		return err
	}
	fmt.Printf("wrote %s config template to %s\n", kind, target)
	return nil
}
