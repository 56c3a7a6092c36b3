package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"agentpilot/internal/project"
	"agentpilot/internal/typesys"
	"agentpilot/internal/workflow"
)

func (c *cli) cmdProvider(args []string) error {
	if len(args) == 0 {
		return errors.New("provider requires a subcommand: list or add")
	}
	switch args[0] {
	case "list":
		return c.cmdProviderList(args[1:])
	case "add":
		return c.cmdProviderAdd(args[1:])
	default:
		return fmt.Errorf("unknown provider subcommand %q", args[0])
	}
}

func (c *cli) cmdProviderList(args []string) error {
	fs := flag.NewFlagSet("provider list", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	workspace := fs.String("workspace", ".", "workspace path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, abs, _, err := loadAndValidate(*workspace)
	if err != nil {
		return err
	}
	if len(p.Root.Providers) == 0 {
		fmt.Fprintf(c.stdout, "No providers configured in %s\n", filepath.Join(abs, project.RootConfigFile))
		return nil
	}
	for _, pr := range p.Root.Providers {
		mark := ""
		if p.Root.DefaultProvider == pr.Name {
			mark = " (default)"
		}
		fmt.Fprintf(c.stdout, "- %s: type=%s model=%s timeout_ms=%d%s\n", pr.Name, pr.Type, pr.Model, pr.TimeoutMS, mark)
	}
	return nil
}

// providerDefaults fills what a bare "provider add <type>" leaves out.
var providerDefaults = map[string]project.ProviderConfig{
	"mock":     {Model: "mock-small", TimeoutMS: 3000},
	"deepseek": {Model: "deepseek-chat", APIKeyEnv: "DEEPSEEK_API_KEY", BaseURL: "https://api.deepseek.com", TimeoutMS: 30000},
	"openai":   {Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY", TimeoutMS: 30000},
	"http":     {TimeoutMS: 30000},
}

func (c *cli) cmdProviderAdd(args []string) error {
	fs := flag.NewFlagSet("provider add", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	workspace := fs.String("workspace", ".", "workspace path")
	name := fs.String("name", "", "provider instance name (default: the type)")
	model := fs.String("model", "", "default model")
	apiKeyEnv := fs.String("api-key-env", "", "environment variable containing the API key")
	baseURL := fs.String("base-url", "", "provider base URL")
	timeoutMS := fs.Int("timeout-ms", 0, "request timeout in milliseconds")
	setDefault := fs.Bool("set-default", false, "set this provider as default_provider")
	force := fs.Bool("force", false, "replace a provider with the same name")
	rest, err := parseFlagsLoose(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("provider add requires a provider type: mock | http | openai | deepseek")
	}
	typ := strings.ToLower(strings.TrimSpace(rest[0]))
	defaults, ok := providerDefaults[typ]
	if !ok {
		return fmt.Errorf("unsupported provider type %q", typ)
	}
	if *timeoutMS < 0 {
		return errors.New("--timeout-ms must be >= 0")
	}

	p, abs, _, err := loadAndValidate(*workspace)
	if err != nil {
		return err
	}
	cfg := project.ProviderConfig{
		Name:      coalesceFlag(*name, typ),
		Type:      typ,
		BaseURL:   coalesceFlag(*baseURL, defaults.BaseURL),
		APIKeyEnv: coalesceFlag(*apiKeyEnv, defaults.APIKeyEnv),
		Model:     coalesceFlag(*model, defaults.Model),
		TimeoutMS: *timeoutMS,
	}
	if cfg.TimeoutMS == 0 {
		cfg.TimeoutMS = defaults.TimeoutMS
	}

	replaced := false
	for i := range p.Root.Providers {
		if p.Root.Providers[i].Name != cfg.Name {
			continue
		}
		if !*force {
			return fmt.Errorf("provider %q already exists (use --force to replace)", cfg.Name)
		}
		p.Root.Providers[i] = cfg
		replaced = true
		break
	}
	if !replaced {
		p.Root.Providers = append(p.Root.Providers, cfg)
	}
	if *setDefault || p.Root.DefaultProvider == "" {
		p.Root.DefaultProvider = cfg.Name
	}
	if verr := project.Validate(p); verr.HasErrors() {
		c.printValidation(verr)
		return verr
	}
	if err := project.SaveRootConfig(abs, p.Root); err != nil {
		return err
	}

	action := "Added"
	if replaced {
		action = "Updated"
	}
	fmt.Fprintf(c.stdout, "%s provider %q (type=%s) in %s\n", action, cfg.Name, typ, filepath.Join(abs, project.RootConfigFile))
	if p.Root.DefaultProvider == cfg.Name {
		fmt.Fprintf(c.stdout, "default_provider=%s\n", cfg.Name)
	}
	if cfg.APIKeyEnv != "" {
		fmt.Fprintf(c.stdout, "Remember to export %s\n", cfg.APIKeyEnv)
	}
	return nil
}

func coalesceFlag(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func (c *cli) cmdType(args []string) error {
	if len(args) == 0 {
		return errors.New("type requires a subcommand: list or explain")
	}
	switch args[0] {
	case "list":
		return c.cmdTypeList(args[1:])
	case "explain":
		return c.cmdTypeExplain(args[1:])
	default:
		return fmt.Errorf("unknown type subcommand %q", args[0])
	}
}

func (c *cli) cmdTypeList(args []string) error {
	fs := flag.NewFlagSet("type list", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	category := fs.String("category", "", "filter by category (value, input, output)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter := strings.ToLower(strings.TrimSpace(*category))
	last := ""
	for _, d := range typesys.List() {
		if filter != "" && d.Category != filter {
			continue
		}
		if d.Category != last {
			if last != "" {
				fmt.Fprintln(c.stdout)
			}
			fmt.Fprintf(c.stdout, "[%s]\n", d.Category)
			last = d.Category
		}
		fmt.Fprintf(c.stdout, "- %s", d.Kind)
		if len(d.Aliases) > 0 {
			fmt.Fprintf(c.stdout, " (aliases: %s)", strings.Join(d.Aliases, ", "))
		}
		fmt.Fprintf(c.stdout, ": %s\n", d.Description)
	}
	if last == "" && filter != "" {
		return fmt.Errorf("no types found for category %q", filter)
	}
	return nil
}

// cmdTypeExplain describes a value kind, or the config contract of a
// member kind such as "agent".
func (c *cli) cmdTypeExplain(args []string) error {
	fs := flag.NewFlagSet("type explain", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	jsonOut := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("type explain requires <kind|alias|member kind>")
	}
	name := fs.Arg(0)

	if contract, ok := workflow.ContractFor(workflow.Kind(strings.ToLower(name))); ok {
		if *jsonOut {
			return c.encodeJSON(contract)
		}
		fmt.Fprintf(c.stdout, "member kind: %s\n", strings.ToLower(name))
		for _, f := range contract.Inputs {
			req := ""
			if f.Required {
				req = " required"
			}
			fmt.Fprintf(c.stdout, "  %s (%s%s)", f.Key, f.Kind.Short(), req)
			if f.Description != "" {
				fmt.Fprintf(c.stdout, ": %s", f.Description)
			}
			fmt.Fprintln(c.stdout)
		}
		outs := make([]string, 0, len(contract.Outputs))
		for _, k := range contract.Outputs {
			outs = append(outs, k.Short())
		}
		fmt.Fprintf(c.stdout, "outputs: %s\n", strings.Join(outs, ", "))
		if len(contract.Accepts) > 0 {
			ins := make([]string, 0, len(contract.Accepts))
			for _, k := range contract.Accepts {
				ins = append(ins, k.Short())
			}
			fmt.Fprintf(c.stdout, "accepts: %s\n", strings.Join(ins, ", "))
		}
		return nil
	}

	def, ok := typesys.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown type %q", name)
	}
	if *jsonOut {
		return c.encodeJSON(def)
	}
	fmt.Fprintf(c.stdout, "kind: %s\n", def.Kind)
	fmt.Fprintf(c.stdout, "category: %s\n", def.Category)
	fmt.Fprintf(c.stdout, "description: %s\n", def.Description)
	if len(def.Aliases) > 0 {
		fmt.Fprintf(c.stdout, "aliases: %s\n", strings.Join(def.Aliases, ", "))
	}
	return nil
}

func (c *cli) encodeJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
